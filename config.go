package tracklab

import (
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Config is the run's hyperparameter record: an ordered string-keyed mapping
// whose values are guaranteed JSON-serializable (non-serializable values are
// stringified on write, never dropped).
//
// Lock/Unlock toggle a mutation guard used when the config is exposed through
// read-only views. The guard is a plain flag, not a mutex: a locked Config is
// byte-for-byte unaffected by failed mutation attempts, but concurrent
// writers from multiple goroutines are not synchronized.
type Config struct {
	m        *orderedmap.OrderedMap[string, any]
	locked   bool
	onChange func()
}

// NewConfig returns an empty, unlocked Config.
func NewConfig() *Config {
	return &Config{m: orderedmap.New[string, any]()}
}

func (c *Config) checkLocked(op string) error {
	if c.locked {
		return usageErrorf(op, "config is locked")
	}
	return nil
}

func (c *Config) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// Set stores a value under key, coercing it to a JSON-serializable form.
func (c *Config) Set(key string, value any) error {
	if err := c.checkLocked("Config.Set"); err != nil {
		return err
	}
	c.m.Set(key, toSerializable(value))
	c.changed()
	return nil
}

// Get returns the stored value and whether the key exists.
func (c *Config) Get(key string) (any, bool) { return c.m.Get(key) }

// Delete removes a key. Removing a missing key is not an error.
func (c *Config) Delete(key string) error {
	if err := c.checkLocked("Config.Delete"); err != nil {
		return err
	}
	c.m.Delete(key)
	c.changed()
	return nil
}

// Pop removes and returns the value under key.
func (c *Config) Pop(key string) (any, bool, error) {
	if err := c.checkLocked("Config.Pop"); err != nil {
		return nil, false, err
	}
	v, ok := c.m.Get(key)
	if ok {
		c.m.Delete(key)
		c.changed()
	}
	return v, ok, nil
}

// Update merges the given mapping into the config, preserving insertion
// order for new keys.
func (c *Config) Update(values map[string]any) error {
	if err := c.checkLocked("Config.Update"); err != nil {
		return err
	}
	for _, k := range sortedKeys(values) {
		c.m.Set(k, toSerializable(values[k]))
	}
	c.changed()
	return nil
}

// Clear removes every key.
func (c *Config) Clear() error {
	if err := c.checkLocked("Config.Clear"); err != nil {
		return err
	}
	c.m = orderedmap.New[string, any]()
	c.changed()
	return nil
}

// Len returns the number of stored keys.
func (c *Config) Len() int { return c.m.Len() }

// Keys returns the keys in insertion order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, c.m.Len())
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// AsMap returns a flat copy of the config.
func (c *Config) AsMap() map[string]any {
	out := make(map[string]any, c.m.Len())
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// Copy returns an unlocked deep-enough copy (values are already
// JSON-serializable, so a shallow value copy suffices).
func (c *Config) Copy() *Config {
	out := NewConfig()
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		out.m.Set(pair.Key, pair.Value)
	}
	return out
}

// Lock disables mutation until Unlock is called.
func (c *Config) Lock() { c.locked = true }

// Unlock re-enables mutation.
func (c *Config) Unlock() { c.locked = false }

// Locked reports the mutation guard state.
func (c *Config) Locked() bool { return c.locked }

// MarshalJSON serializes the config preserving key insertion order.
func (c *Config) MarshalJSON() ([]byte, error) { return c.m.MarshalJSON() }

// UnmarshalJSON replaces the config contents. Used when resuming a run.
func (c *Config) UnmarshalJSON(data []byte) error {
	m := orderedmap.New[string, any]()
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.m = m
	return nil
}
