// Package monitor runs the background status polls for an active run: stop
// requests, backend reachability, and user-facing messages from the service.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tracklab/tracklab/internal/mailbox"
	"github.com/tracklab/tracklab/internal/service"
)

// Poll intervals. Stop checks are cheap and frequent; network transitions
// and messages matter less.
const (
	StopInterval    = 2 * time.Second
	NetworkInterval = 15 * time.Second
	MessageInterval = 5 * time.Second

	waitTimeout = 10 * time.Second
)

// Client is the subset of the service client the monitor needs.
type Client interface {
	Deliver(kind, runID string, payload any) (*mailbox.Handle, error)
}

// Callbacks receive poll results. Nil callbacks are skipped. They are
// invoked from the monitor's goroutines and must not block.
type Callbacks struct {
	OnStop           func()
	OnNetworkChanged func(online bool)
	OnMessage        func(msg string)
}

// StatusMonitor owns three polling loops against one run session. Each loop
// keeps at most one request in flight; Stop abandons in-flight handles so
// shutdown never waits out a poll timeout.
type StatusMonitor struct {
	client    Client
	runID     string
	logger    *slog.Logger
	callbacks Callbacks

	waitTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopLoop    pollState
	networkLoop pollState
	messageLoop pollState

	lastOnline bool
	onlineOnce bool
}

// pollState guards one loop's in-flight handle so Stop can abandon it.
type pollState struct {
	mu       sync.Mutex
	inflight *mailbox.Handle
	stopped  bool
}

func (p *pollState) track(h *mailbox.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		h.Abandon()
		return false
	}
	p.inflight = h
	return true
}

func (p *pollState) clear() {
	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()
}

func (p *pollState) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.inflight != nil {
		p.inflight.Abandon()
		p.inflight = nil
	}
}

// New creates a monitor for one run. Call Start to begin polling.
func New(client Client, runID string, logger *slog.Logger, cb Callbacks) *StatusMonitor {
	return &StatusMonitor{
		client:      client,
		runID:       runID,
		logger:      logger,
		callbacks:   cb,
		waitTimeout: waitTimeout,
	}
}

// Start launches the polling loops.
func (m *StatusMonitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(3)
	go m.loop(loopCtx, &m.stopLoop, StopInterval, m.pollStop)
	go m.loop(loopCtx, &m.networkLoop, NetworkInterval, m.pollNetwork)
	go m.loop(loopCtx, &m.messageLoop, MessageInterval, m.pollMessages)
}

// Stop abandons in-flight polls and joins the loops.
func (m *StatusMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.stopLoop.shutdown()
	m.networkLoop.shutdown()
	m.messageLoop.shutdown()
	m.wg.Wait()
}

func (m *StatusMonitor) loop(ctx context.Context, state *pollState, interval time.Duration, poll func(context.Context, *pollState) error) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := poll(ctx, state); err != nil &&
				!errors.Is(err, mailbox.ErrAbandoned) && !errors.Is(err, context.Canceled) {
				m.logger.Debug("monitor: poll failed", "run_id", m.runID, "error", err)
			}
		}
	}
}

func (m *StatusMonitor) pollStop(ctx context.Context, state *pollState) error {
	raw, err := m.exchange(ctx, state, service.KindStopStatus)
	if err != nil {
		return err
	}
	resp, err := service.DecodeResponse[service.StopStatusResponse](raw)
	if err != nil {
		return err
	}
	if resp.ShouldStop && m.callbacks.OnStop != nil {
		m.callbacks.OnStop()
	}
	return nil
}

func (m *StatusMonitor) pollNetwork(ctx context.Context, state *pollState) error {
	raw, err := m.exchange(ctx, state, service.KindNetworkStatus)
	if err != nil {
		return err
	}
	resp, err := service.DecodeResponse[service.NetworkStatusResponse](raw)
	if err != nil {
		return err
	}
	if !m.onlineOnce || resp.Online != m.lastOnline {
		m.onlineOnce = true
		m.lastOnline = resp.Online
		if m.callbacks.OnNetworkChanged != nil {
			m.callbacks.OnNetworkChanged(resp.Online)
		}
	}
	return nil
}

func (m *StatusMonitor) pollMessages(ctx context.Context, state *pollState) error {
	raw, err := m.exchange(ctx, state, service.KindMessages)
	if err != nil {
		return err
	}
	resp, err := service.DecodeResponse[service.MessagesResponse](raw)
	if err != nil {
		return err
	}
	if m.callbacks.OnMessage != nil {
		for _, msg := range resp.Messages {
			m.callbacks.OnMessage(msg)
		}
	}
	return nil
}

// exchange issues one request and waits for its response, keeping the
// handle visible to Stop for the duration. A failed wait abandons the
// handle; the mailbox lives for the whole process and timed-out slots would
// otherwise accumulate.
func (m *StatusMonitor) exchange(ctx context.Context, state *pollState, kind string) ([]byte, error) {
	h, err := m.client.Deliver(kind, m.runID, nil)
	if err != nil {
		return nil, err
	}
	if !state.track(h) {
		return nil, mailbox.ErrAbandoned
	}
	defer state.clear()
	raw, err := h.Wait(ctx, m.waitTimeout)
	if err != nil {
		h.Abandon()
		return nil, err
	}
	return raw, nil
}
