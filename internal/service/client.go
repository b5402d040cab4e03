package service

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/tracklab/tracklab/internal/mailbox"
)

// Client is one SDK process's connection to the service. Writes are
// serialized; responses are routed back through the mailbox by slot, so any
// number of goroutines can have requests in flight.
type Client struct {
	conn    net.Conn
	mbox    *mailbox.Mailbox
	writeMu sync.Mutex

	closeOnce sync.Once
	readerWG  sync.WaitGroup
}

// Dial connects to a service at the given portfile address.
func Dial(addr PortfileAddr) (*Client, error) {
	conn, err := net.Dial(addr.Network, addr.Addr)
	if err != nil {
		return nil, fmt.Errorf("service: dial %s %s: %w", addr.Network, addr.Addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection. The reader loop starts
// immediately.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn: conn,
		mbox: mailbox.New(),
	}
	c.readerWG.Add(1)
	go c.readLoop()
	return c
}

// readLoop delivers responses to waiting handles. Responses whose slot has
// been abandoned are dropped. When the connection breaks, every pending
// handle is abandoned so waiters fail fast instead of timing out.
func (c *Client) readLoop() {
	defer c.readerWG.Done()
	defer c.mbox.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if env.Slot == "" {
			continue
		}
		// Re-frame so the waiter sees both payload and error.
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		c.mbox.Deliver(env.Slot, raw)
	}
}

// Publish sends a fire-and-forget record. No response will arrive.
func (c *Client) Publish(kind, runID string, payload any) error {
	env, err := newEnvelope("", kind, runID, payload)
	if err != nil {
		return err
	}
	return c.send(env)
}

// Deliver sends a request and returns the handle its response will arrive
// on. The caller owns the handle: Wait for the response or Abandon it.
func (c *Client) Deliver(kind, runID string, payload any) (*mailbox.Handle, error) {
	h, err := c.mbox.Open()
	if err != nil {
		return nil, fmt.Errorf("service: %s: %w", kind, err)
	}
	env, err := newEnvelope(h.Slot(), kind, runID, payload)
	if err != nil {
		h.Abandon()
		return nil, err
	}
	if err := c.send(env); err != nil {
		h.Abandon()
		return nil, err
	}
	return h, nil
}

func (c *Client) send(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("service: marshal envelope: %w", err)
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(raw); err != nil {
		return fmt.Errorf("service: send %s: %w", env.Kind, err)
	}
	return nil
}

// Close tears down the connection. Pending handles are abandoned by the
// reader loop on its way out.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.readerWG.Wait()
	})
	return err
}

// DecodeResponse unpacks a raw mailbox delivery into the expected payload
// type, surfacing a server-reported error as a Go error.
func DecodeResponse[T any](raw []byte) (T, error) {
	var zero T
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, fmt.Errorf("service: decode response envelope: %w", err)
	}
	if env.Error != "" {
		return zero, errors.New(env.Error)
	}
	var payload T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return zero, fmt.Errorf("service: decode %s response: %w", env.Kind, err)
		}
	}
	return payload, nil
}
