package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/pubsub"
)

// Handler serves one request method.
type Handler func(params json.RawMessage) (any, error)

// ServerConfig configures the IPC server.
type ServerConfig struct {
	Bus *pubsub.Bus
	// Dir is where the unix socket lives (the workspace cache directory).
	Dir string
	// ForceTCP skips the unix socket (always true on Windows).
	ForceTCP bool
}

// Server accepts local clients, routes their requests, and forwards
// subscribed bus events. Authorization is absent by design: the listener is
// loopback-only.
type Server struct {
	bus      *pubsub.Bus
	listener net.Listener
	endpoint string

	mu      sync.Mutex
	methods map[string]Handler
	conns   map[*serverConn]struct{}

	wg     sync.WaitGroup
	closed bool
}

type serverConn struct {
	conn   net.Conn
	out    chan *Envelope
	topics map[string]bool
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewServer opens the listener: a unix domain socket when the platform
// supports it, else localhost TCP with an OS-assigned port.
func NewServer(cfg ServerConfig) (*Server, error) {
	s := &Server{
		bus:     cfg.Bus,
		methods: make(map[string]Handler),
		conns:   make(map[*serverConn]struct{}),
	}

	if !cfg.ForceTCP && runtime.GOOS != "windows" {
		sockPath := filepath.Join(cfg.Dir, "daemon.sock")
		_ = os.Remove(sockPath)
		if ln, err := net.Listen("unix", sockPath); err == nil {
			s.listener = ln
			s.endpoint = "unix:" + sockPath
		}
	}
	if s.listener == nil {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("opening IPC listener: %w", err)
		}
		s.listener = ln
		s.endpoint = "tcp:" + ln.Addr().String()
	}

	log.Info(log.CatIPC, "IPC server listening", "endpoint", s.endpoint)
	return s, nil
}

// Endpoint returns the listener address in port-file form
// ("unix:<path>" or "tcp:<host:port>").
func (s *Server) Endpoint() string { return s.endpoint }

// Register adds a request method.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	s.methods[method] = h
	s.mu.Unlock()
}

// Start runs the accept loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
}

// serve handles one client connection until it disconnects. Abrupt
// disconnects are tolerated and their subscriptions garbage-collected.
func (s *Server) serve(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		conn:   conn,
		out:    make(chan *Envelope, 128),
		topics: make(map[string]bool),
		cancel: cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	defer func() {
		cancel()
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()

	// Writer: serializes all outbound frames for this client.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-sc.out:
				if err := WriteFrame(conn, env); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Event forwarder: one bus subscription per client, filtered against
	// the client's topic set.
	events := s.bus.SubscribeChan(ctx, "*")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			if !sc.subscribed(ev.Topic) {
				continue
			}
			env := &Envelope{Type: TypeEvent, Topic: ev.Topic, Payload: ev.Payload}
			select {
			case sc.out <- env:
			default:
				// Slow client: drop rather than stall the forwarder.
			}
		}
	}()

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			sc.send(&Envelope{Type: TypeResponse, Error: &ErrorPayload{
				Code:    string(loomerr.CodeProtocol),
				Message: "malformed frame: " + err.Error(),
			}})
			continue
		}
		s.handle(sc, &env)
	}
}

func (s *Server) handle(sc *serverConn, env *Envelope) {
	switch env.Type {
	case TypeSubscribe:
		sc.mu.Lock()
		sc.topics[env.Topic] = true
		sc.mu.Unlock()
	case TypeUnsubscribe:
		sc.mu.Lock()
		delete(sc.topics, env.Topic)
		sc.mu.Unlock()
	case TypeRequest:
		s.mu.Lock()
		h, ok := s.methods[env.Method]
		s.mu.Unlock()
		if !ok {
			sc.send(&Envelope{Type: TypeResponse, ID: env.ID, Error: &ErrorPayload{
				Code:    string(loomerr.CodeUnknownMethod),
				Message: fmt.Sprintf("unknown method %q", env.Method),
			}})
			return
		}
		result, err := h(env.Params)
		if err != nil {
			code := loomerr.CodeOf(err)
			if code == "" {
				code = "internal"
			}
			sc.send(&Envelope{Type: TypeResponse, ID: env.ID, Error: &ErrorPayload{
				Code:    string(code),
				Message: err.Error(),
			}})
			return
		}
		sc.send(&Envelope{Type: TypeResponse, ID: env.ID, Result: result})
	default:
		sc.send(&Envelope{Type: TypeResponse, ID: env.ID, Error: &ErrorPayload{
			Code:    string(loomerr.CodeProtocol),
			Message: fmt.Sprintf("unknown message type %q", env.Type),
		}})
	}
}

func (sc *serverConn) subscribed(topic string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for pattern := range sc.topics {
		if pubsub.TopicMatches(pattern, topic) {
			return true
		}
	}
	return false
}

func (sc *serverConn) send(env *Envelope) {
	select {
	case sc.out <- env:
	default:
		// Queue full: sever the connection rather than block the server.
		sc.cancel()
	}
}

// Close stops accepting, disconnects clients, and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, sc := range conns {
		sc.cancel()
		_ = sc.conn.Close()
	}
	s.wg.Wait()
}
