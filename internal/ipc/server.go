package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/protocol"
)

const (
	// HeartbeatInterval is how often clients send heartbeats.
	HeartbeatInterval = 15 * time.Second

	// EvictAfter is the silence window after which the server drops a
	// connection: 4x the heartbeat interval.
	EvictAfter = 4 * HeartbeatInterval

	healthCheckInterval = 5 * time.Second
)

// ServerConfig parameterizes an IPC server. Zero values fall back to the
// production defaults above; tests shrink the windows.
type ServerConfig struct {
	// Register is pushed as the first frame on every accepted connection.
	Register any

	MaxFrameSize      uint32
	HeartbeatInterval time.Duration
	EvictAfter        time.Duration
	HealthEvery       time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = HeartbeatInterval
	}
	if c.EvictAfter == 0 {
		c.EvictAfter = 4 * c.HeartbeatInterval
	}
	if c.HealthEvery == 0 {
		c.HealthEvery = healthCheckInterval
	}
}

// Server accepts IPC connections from the manager, dispatches request frames
// through a Registry, echoes heartbeats, and broadcasts pushes. Multiple
// concurrent clients are supported; each gets its own goroutine and a
// lock-guarded writer.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	log      zerolog.Logger

	listener   net.Listener
	socketPath string // set for unix listeners, removed on Stop

	mu      sync.RWMutex
	conns   map[string]*serverConn
	stopped bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// serverConn is the per-connection state. lastInbound is refreshed by every
// frame the client sends, not just heartbeats.
type serverConn struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	lastInbound time.Time
}

func (c *serverConn) touch() {
	c.mu.Lock()
	c.lastInbound = time.Now()
	c.mu.Unlock()
}

func (c *serverConn) silentFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastInbound)
}

// writeMessage serializes concurrent writers at the wire level.
func (c *serverConn) writeMessage(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

// NewServer creates an IPC server around a handler registry.
func NewServer(cfg ServerConfig, registry *Registry, log zerolog.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("component", "ipc_server").Logger(),
		conns:    make(map[string]*serverConn),
		stopChan: make(chan struct{}),
	}
}

// ListenUnix binds a Unix domain socket, replacing any stale socket file
// left behind by a previous run.
func (s *Server) ListenUnix(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("ipc: create socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ipc: bind %s: %w", socketPath, err)
	}
	s.socketPath = socketPath
	s.serve(listener)
	return nil
}

// ListenTCP binds a TCP listener. Used by tests; the wire protocol is
// transport-agnostic.
func (s *Server) ListenTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipc: bind %s: %w", addr, err)
	}
	s.serve(listener)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) serve(listener net.Listener) {
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("IPC server listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go s.evictLoop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			continue
		}
		s.addConn(conn)
	}
}

func (s *Server) addConn(conn net.Conn) {
	c := &serverConn{
		id:          uuid.NewString(),
		conn:        conn,
		lastInbound: time.Now(),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.log.Info().Str("conn_id", c.id).Msg("Client connected")

	// register push is the first frame on every accepted connection
	if s.cfg.Register != nil {
		msg, err := protocol.NewPush(protocol.PushRegister, s.cfg.Register)
		if err == nil {
			if err := c.writeMessage(msg); err != nil {
				s.log.Warn().Err(err).Str("conn_id", c.id).Msg("Register push failed")
				s.dropConn(c)
				return
			}
		}
	}

	s.wg.Add(1)
	go s.handleConn(c)
}

func (s *Server) dropConn(c *serverConn) {
	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.conn.Close()
	if present {
		s.log.Info().Str("conn_id", c.id).Msg("Client disconnected")
	}
}

func (s *Server) handleConn(c *serverConn) {
	defer s.wg.Done()
	defer s.dropConn(c)

	for {
		msg, err := protocol.ReadMessage(c.conn, s.cfg.MaxFrameSize)
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Debug().Err(err).Str("conn_id", c.id).Msg("Read loop ended")
			}
			return
		}
		c.touch()

		switch msg.Type {
		case protocol.TypeHeartbeat:
			if err := c.writeMessage(protocol.NewHeartbeat()); err != nil {
				return
			}
		case protocol.TypeRequest:
			// Dispatch on its own goroutine: processing starts in
			// arrival order, responses may complete out of order.
			s.wg.Add(1)
			go func(req *protocol.Message) {
				defer s.wg.Done()
				resp := s.dispatch(req)
				if err := c.writeMessage(resp); err != nil {
					s.log.Warn().Err(err).Str("conn_id", c.id).Msg("Response write failed")
				}
			}(msg)
		default:
			// A server never receives responses or pushes; answer with a
			// protocol error but keep the connection.
			if msg.RequestID != "" {
				_ = c.writeMessage(protocol.NewErrorResponse(msg.RequestID,
					fmt.Sprintf("unexpected message type %q", msg.Type)))
			}
		}
	}
}

// dispatch resolves and runs the handler for one request. Handler panics and
// errors become error responses; they never tear down the connection.
func (s *Server) dispatch(msg *protocol.Message) (resp *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Handler panicked")
			resp = protocol.NewErrorResponse(msg.RequestID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	env, err := msg.Envelope()
	if err != nil {
		return protocol.NewErrorResponse(msg.RequestID, "malformed request envelope")
	}

	handler, ok := s.registry.Get(env.Type)
	if !ok {
		return protocol.NewErrorResponse(msg.RequestID, fmt.Sprintf("unknown request type %q", env.Type))
	}

	result, err := handler(context.Background(), env.Data)
	if err != nil {
		return protocol.NewErrorResponse(msg.RequestID, err.Error())
	}

	resp, err = protocol.NewSuccessResponse(msg.RequestID, result)
	if err != nil {
		return protocol.NewErrorResponse(msg.RequestID, fmt.Sprintf("marshal response: %v", err))
	}
	return resp
}

// evictLoop drops connections that have been silent past the eviction
// window. Heartbeats keep healthy clients well inside it.
func (s *Server) evictLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			for _, c := range s.snapshotConns() {
				if silent := c.silentFor(); silent > s.cfg.EvictAfter {
					s.log.Warn().
						Str("conn_id", c.id).
						Dur("silent", silent).
						Msg("Evicting silent connection")
					s.dropConn(c)
				}
			}
		}
	}
}

func (s *Server) snapshotConns() []*serverConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Push broadcasts one push message to every live connection. A failed write
// drops only that connection.
func (s *Server) Push(kind string, payload any) error {
	msg, err := protocol.NewPush(kind, payload)
	if err != nil {
		return err
	}
	for _, c := range s.snapshotConns() {
		if err := c.writeMessage(msg); err != nil {
			s.log.Warn().Err(err).Str("conn_id", c.id).Str("kind", kind).Msg("Push failed, dropping connection")
			s.dropConn(c)
		}
	}
	return nil
}

// ActiveConnections returns the number of live client connections.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stop closes the listener and all connections and waits for the loops to
// exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.snapshotConns() {
		s.dropConn(c)
	}
	s.wg.Wait()

	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
	s.log.Info().Msg("IPC server stopped")
}
