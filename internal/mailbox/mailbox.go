// Package mailbox implements a slot-keyed request/response channel used for
// RPC to the service process. A caller opens a Handle (reserving a slot ID),
// sends a request tagged with that slot out of band, and waits on the handle
// until the reader loop delivers the matching response or the handle is
// abandoned.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned by Wait when the deadline elapses with no
	// delivery. The handle stays valid; the caller may wait again.
	ErrTimeout = errors.New("mailbox: wait timed out")
	// ErrAbandoned is returned when the handle was abandoned or the
	// mailbox closed while waiting.
	ErrAbandoned = errors.New("mailbox: handle abandoned")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("mailbox: closed")
)

// Mailbox routes deliveries to open handles by slot ID.
type Mailbox struct {
	mu     sync.Mutex
	slots  map[string]*Handle
	closed bool
}

// New creates an empty mailbox.
func New() *Mailbox {
	return &Mailbox{slots: make(map[string]*Handle)}
}

// Open reserves a slot and returns its handle.
func (m *Mailbox) Open() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	h := &Handle{
		slot: uuid.NewString(),
		mb:   m,
		ch:   make(chan []byte, 1),
		done: make(chan struct{}),
	}
	m.slots[h.slot] = h
	return h, nil
}

// Deliver hands a payload to the handle waiting on slot. Returns false when
// no handle holds the slot (late delivery after abandon, or unknown slot);
// late deliveries are dropped without error.
func (m *Mailbox) Deliver(slot string, payload []byte) bool {
	m.mu.Lock()
	h, ok := m.slots[slot]
	if ok {
		delete(m.slots, slot)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.ch <- payload
	return true
}

// Close abandons every open handle and rejects further Opens. Used when the
// transport connection drops.
func (m *Mailbox) Close() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.slots))
	for _, h := range m.slots {
		handles = append(handles, h)
	}
	m.slots = make(map[string]*Handle)
	m.closed = true
	m.mu.Unlock()
	for _, h := range handles {
		h.markAbandoned()
	}
}

// Len returns the number of in-flight handles.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Handle is one pending request/response exchange.
type Handle struct {
	slot string
	mb   *Mailbox
	ch   chan []byte

	once sync.Once
	done chan struct{}
}

// Slot returns the opaque slot ID to tag the outgoing request with.
func (h *Handle) Slot() string { return h.slot }

// Wait blocks until the response is delivered, the timeout elapses, the
// context is cancelled, or the handle is abandoned. On timeout the handle
// remains registered so the caller can retry the same request by waiting
// again.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-h.ch:
		return payload, nil
	case <-h.done:
		return nil, ErrAbandoned
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		h.Abandon()
		return nil, ctx.Err()
	}
}

// Abandon releases the slot early. Any response delivered afterwards is
// dropped. Safe to call multiple times and concurrently with Wait.
func (h *Handle) Abandon() {
	h.mb.mu.Lock()
	delete(h.mb.slots, h.slot)
	h.mb.mu.Unlock()
	h.markAbandoned()
}

func (h *Handle) markAbandoned() {
	h.once.Do(func() { close(h.done) })
}
