package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout bounds one request/response round trip.
const DefaultRequestTimeout = 30 * time.Second

// Client is a minimal IPC client used by the CLI commands and tests.
type Client struct {
	conn net.Conn

	mu      sync.Mutex
	pending map[string]chan *Envelope
	events  chan *Envelope
	seq     atomic.Uint64
	closed  atomic.Bool
}

// ReadEndpoint reads the well-known port file.
func ReadEndpoint(portFile string) (string, error) {
	data, err := os.ReadFile(portFile) //nolint:gosec // G304: path comes from workspace layout
	if err != nil {
		return "", fmt.Errorf("reading port file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Dial connects to a daemon endpoint ("unix:<path>" or "tcp:<host:port>").
func Dial(endpoint string) (*Client, error) {
	network, addr, ok := strings.Cut(endpoint, ":")
	if !ok {
		return nil, fmt.Errorf("malformed endpoint %q", endpoint)
	}

	var conn net.Conn
	var err error
	switch network {
	case "unix":
		conn, err = net.DialTimeout("unix", addr, 5*time.Second)
	case "tcp":
		conn, err = net.DialTimeout("tcp", addr, 5*time.Second)
	default:
		return nil, fmt.Errorf("unknown endpoint scheme %q", network)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *Envelope),
		events:  make(chan *Envelope, 128),
	}
	go c.readLoop()
	return c, nil
}

// DialPortFile resolves the endpoint via the port file and connects.
func DialPortFile(portFile string) (*Client, error) {
	endpoint, err := ReadEndpoint(portFile)
	if err != nil {
		return nil, err
	}
	return Dial(endpoint)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
	}()

	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}

		switch env.Type {
		case TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &env
			}
		case TypeEvent:
			select {
			case c.events <- &env:
			default:
			}
		}
	}
}

// Request performs one request/response exchange, decoding the result into
// out when non-nil.
func (c *Client) Request(method string, params any, out any) error {
	id := fmt.Sprintf("req-%d", c.seq.Add(1))

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		raw = data
	}

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	err := WriteFrame(c.conn, &Envelope{Type: TypeRequest, ID: id, Method: method, Params: raw})
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed")
		}
		if env.Error != nil {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		if out != nil {
			data, err := json.Marshal(env.Result)
			if err != nil {
				return err
			}
			return json.Unmarshal(data, out)
		}
		return nil
	case <-time.After(DefaultRequestTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("request %s timed out", method)
	}
}

// Subscribe asks the server to forward a topic.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, &Envelope{Type: TypeSubscribe, Topic: topic})
}

// Unsubscribe stops forwarding a topic.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, &Envelope{Type: TypeUnsubscribe, Topic: topic})
}

// Events returns the stream of forwarded event frames. The channel closes
// when the connection drops.
func (c *Client) Events() <-chan *Envelope { return c.events }

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
