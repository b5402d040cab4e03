package tracklab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPreservesInsertionOrder(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Set("zulu", 1))
	require.NoError(t, c.Set("alpha", 2))
	require.NoError(t, c.Set("mike", 3))

	assert.Equal(t, []string{"zulu", "alpha", "mike"}, c.Keys())

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, `{"zulu":1,"alpha":2,"mike":3}`, string(raw))
}

func TestConfigUpdateIsDeterministic(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Update(map[string]any{"b": 2, "a": 1, "c": 3}))
	// Bulk updates insert in sorted key order so repeated runs agree.
	assert.Equal(t, []string{"a", "b", "c"}, c.Keys())

	// Updating an existing key keeps its original position.
	require.NoError(t, c.Update(map[string]any{"a": 10}))
	assert.Equal(t, []string{"a", "b", "c"}, c.Keys())
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
}

func TestConfigLockBlocksMutation(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Set("k", 1))
	c.Lock()

	err := c.Set("k", 2)
	require.Error(t, err)
	assert.True(t, IsUsageError(err))
	assert.Contains(t, err.Error(), "config is locked")

	assert.Error(t, c.Delete("k"))
	assert.Error(t, c.Update(map[string]any{"x": 1}))
	assert.Error(t, c.Clear())
	_, _, err = c.Pop("k")
	assert.Error(t, err)

	// The failed writes left the document untouched.
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Unlock()
	assert.NoError(t, c.Set("k", 2))
}

func TestConfigStringifiesExoticValues(t *testing.T) {
	c := NewConfig()
	// A channel cannot be marshaled; the funnel stringifies instead of failing.
	require.NoError(t, c.Set("ch", make(chan int)))
	v, ok := c.Get("ch")
	require.True(t, ok)
	_, isString := v.(string)
	assert.True(t, isString, "unmarshalable value should be stringified, got %T", v)

	// Nested maps are coerced recursively.
	require.NoError(t, c.Set("nested", map[string]any{"fn": func() {}}))
	nested := mustGet(t, c, "nested").(map[string]any)
	_, isString = nested["fn"].(string)
	assert.True(t, isString)
}

func mustGet(t *testing.T, c *Config, key string) any {
	t.Helper()
	v, ok := c.Get(key)
	require.True(t, ok, "missing key %q", key)
	return v
}

func TestConfigCopyIsIndependent(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Set("k", 1))
	c.Lock()

	cp := c.Copy()
	assert.False(t, cp.Locked())
	require.NoError(t, cp.Set("k", 2))

	v, _ := c.Get("k")
	assert.Equal(t, 1, v, "copy mutation must not touch the original")
}

func TestConfigUnmarshalPreservesOrder(t *testing.T) {
	c := NewConfig()
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":2}`), c))
	assert.Equal(t, []string{"z", "a"}, c.Keys())
}

func TestSummaryLockBlocksMutation(t *testing.T) {
	s := NewSummary()
	require.NoError(t, s.Set("loss", 0.5))
	s.Lock()

	err := s.Set("loss", 0.1)
	require.Error(t, err)
	assert.True(t, IsUsageError(err))
	assert.Contains(t, err.Error(), "summary is locked")

	v, _ := s.Get("loss")
	assert.Equal(t, 0.5, v)
}

func TestSummaryPopAndClear(t *testing.T) {
	s := NewSummary()
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))

	v, ok, err := s.Pop("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, s.Len())

	_, ok, err = s.Pop("a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Len())
}

func TestSummaryChangeHookFiresOnWrite(t *testing.T) {
	s := NewSummary()
	var fired int
	s.onChange = func() { fired++ }

	require.NoError(t, s.Set("k", 1))
	require.NoError(t, s.Delete("k"))
	assert.Equal(t, 2, fired)

	// Failed writes never fire the hook.
	s.Lock()
	_ = s.Set("k", 2)
	assert.Equal(t, 2, fired)
}
