package tracklab

import (
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Summary tracks the final (or aggregated) value of every logged metric.
// Like Config it is an ordered string-keyed mapping with a JSON-serializable
// guarantee and a lock flag; every write funnels through toSerializable.
type Summary struct {
	m        *orderedmap.OrderedMap[string, any]
	locked   bool
	onChange func()
}

// NewSummary returns an empty, unlocked Summary.
func NewSummary() *Summary {
	return &Summary{m: orderedmap.New[string, any]()}
}

func (s *Summary) checkLocked(op string) error {
	if s.locked {
		return usageErrorf(op, "summary is locked")
	}
	return nil
}

func (s *Summary) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Set stores a value under key, coercing it to a JSON-serializable form.
func (s *Summary) Set(key string, value any) error {
	if err := s.checkLocked("Summary.Set"); err != nil {
		return err
	}
	s.m.Set(key, toSerializable(value))
	s.changed()
	return nil
}

// Get returns the stored value and whether the key exists.
func (s *Summary) Get(key string) (any, bool) { return s.m.Get(key) }

// Delete removes a key.
func (s *Summary) Delete(key string) error {
	if err := s.checkLocked("Summary.Delete"); err != nil {
		return err
	}
	s.m.Delete(key)
	s.changed()
	return nil
}

// Pop removes and returns the value under key.
func (s *Summary) Pop(key string) (any, bool, error) {
	if err := s.checkLocked("Summary.Pop"); err != nil {
		return nil, false, err
	}
	v, ok := s.m.Get(key)
	if ok {
		s.m.Delete(key)
		s.changed()
	}
	return v, ok, nil
}

// Update merges the given mapping into the summary.
func (s *Summary) Update(values map[string]any) error {
	if err := s.checkLocked("Summary.Update"); err != nil {
		return err
	}
	for _, k := range sortedKeys(values) {
		s.m.Set(k, toSerializable(values[k]))
	}
	s.changed()
	return nil
}

// Clear removes every key.
func (s *Summary) Clear() error {
	if err := s.checkLocked("Summary.Clear"); err != nil {
		return err
	}
	s.m = orderedmap.New[string, any]()
	s.changed()
	return nil
}

// Len returns the number of stored keys.
func (s *Summary) Len() int { return s.m.Len() }

// Keys returns the keys in insertion order.
func (s *Summary) Keys() []string {
	keys := make([]string, 0, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// AsMap returns a flat copy of the summary.
func (s *Summary) AsMap() map[string]any {
	out := make(map[string]any, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// Copy returns an unlocked copy.
func (s *Summary) Copy() *Summary {
	out := NewSummary()
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		out.m.Set(pair.Key, pair.Value)
	}
	return out
}

// Lock disables mutation until Unlock is called.
func (s *Summary) Lock() { s.locked = true }

// Unlock re-enables mutation.
func (s *Summary) Unlock() { s.locked = false }

// Locked reports the mutation guard state.
func (s *Summary) Locked() bool { return s.locked }

// MarshalJSON serializes the summary preserving key insertion order.
func (s *Summary) MarshalJSON() ([]byte, error) { return s.m.MarshalJSON() }

// UnmarshalJSON replaces the summary contents. Used when resuming a run.
func (s *Summary) UnmarshalJSON(data []byte) error {
	m := orderedmap.New[string, any]()
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.m = m
	return nil
}
