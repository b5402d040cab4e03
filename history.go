package tracklab

import "time"

// historyRow accumulates uncommitted log data for one step. Partial logs
// (commit=false) merge into the row; the next committing log flushes the
// combined row as a single record.
type historyRow struct {
	step    int64
	data    map[string]any
	started time.Time
	dirty   bool
}

func newHistoryRow(step int64) *historyRow {
	return &historyRow{step: step, data: make(map[string]any)}
}

// merge overlays values onto the row. Duplicate keys within one step take
// the latest value.
func (h *historyRow) merge(values map[string]any) {
	if !h.dirty {
		h.started = time.Now().UTC()
		h.dirty = true
	}
	for k, v := range values {
		h.data[k] = v
	}
}

// take empties the row and returns its contents for flushing.
func (h *historyRow) take() map[string]any {
	data := h.data
	h.data = make(map[string]any)
	h.dirty = false
	return data
}
