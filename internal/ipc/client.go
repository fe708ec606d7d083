package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/protocol"
)

// Reconnect policy: exponential backoff starting at 3s, multiplied by 1.5
// per attempt, capped at 60s, infinite attempts. A successful connect resets
// the sequence.
const (
	InitialReconnectDelay = 3 * time.Second
	ReconnectMultiplier   = 1.5
	MaxReconnectDelay     = 60 * time.Second

	// DefaultRequestTimeout bounds a Request when the caller passes 0.
	DefaultRequestTimeout = 10 * time.Second

	defaultDialTimeout = 5 * time.Second

	// heartbeatMissLimit mirrors the server's eviction window: a link with no
	// inbound traffic for this many heartbeat intervals is treated as dead
	// even when writes still succeed (half-open connection).
	heartbeatMissLimit = 4
)

var (
	// ErrNotConnected is returned by Request while the link is down;
	// callers fail fast instead of queueing.
	ErrNotConnected = errors.New("ipc: not connected")

	// ErrTimeout is returned when no response arrived inside the request
	// timeout. The pending entry is dropped; a late response is discarded.
	ErrTimeout = errors.New("ipc: request timed out")

	// ErrDisconnected completes pending requests when the connection
	// drops mid-flight.
	ErrDisconnected = errors.New("ipc: connection lost")
)

// RemoteError is a handler-side failure relayed in an error response. It is
// distinct from transport errors: the link is healthy, the op failed.
type RemoteError struct {
	Op  string
	Msg string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %s: %s", e.Op, e.Msg)
}

// ClientConfig parameterizes an IPC client.
type ClientConfig struct {
	Network string // "unix" or "tcp"
	Addr    string

	// AccountID, when set, is checked against the register push sent by
	// the server on accept; a mismatch aborts the client.
	AccountID string

	MaxFrameSize      uint32
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	InitialReconnectDelay time.Duration
	ReconnectMultiplier   float64
	MaxReconnectDelay     time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = HeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.InitialReconnectDelay == 0 {
		c.InitialReconnectDelay = InitialReconnectDelay
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = ReconnectMultiplier
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = MaxReconnectDelay
	}
}

// PushHandler receives server-initiated pushes (register included, after
// verification).
type PushHandler func(kind string, data json.RawMessage)

// Client maintains one connection to a trader's IPC server: request/response
// correlation through a pending map, heartbeats every 15s, and automatic
// reconnection with exponential backoff.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger

	mu           sync.RWMutex
	conn         net.Conn
	connected    bool
	reconnecting bool
	stopped      bool
	lastInbound  time.Time

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	onConnect    func()
	onDisconnect func()
	onPush       PushHandler

	stopChan chan struct{}
}

// NewClient creates a client; call Connect or ConnectWithRetry to establish
// the link.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		log:      log.With().Str("component", "ipc_client").Str("addr", cfg.Addr).Logger(),
		pending:  make(map[string]chan *protocol.Message),
		stopChan: make(chan struct{}),
	}
}

// SetOnConnect installs a callback invoked after every successful connect.
// Used to re-establish session state such as push subscriptions.
func (c *Client) SetOnConnect(fn func()) { c.onConnect = fn }

// SetOnDisconnect installs a callback invoked when the link drops.
func (c *Client) SetOnDisconnect(fn func()) { c.onDisconnect = fn }

// SetOnPush installs the push handler. Install before Connect.
func (c *Client) SetOnPush(fn PushHandler) { c.onPush = fn }

// Connect dials once and starts the read and heartbeat loops.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrDisconnected
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	conn, err := net.DialTimeout(c.cfg.Network, c.cfg.Addr, c.cfg.DialTimeout)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("ipc: dial %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	c.connected = true
	c.lastInbound = time.Now()
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	c.log.Info().Msg("IPC connected")
	if cb := c.onConnect; cb != nil {
		go cb()
	}
	return nil
}

// ConnectWithRetry dials with a bounded linear retry. The manager uses this
// right after spawning a trader to let it bind its socket.
func (c *Client) ConnectWithRetry(maxAttempts int, interval time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-c.stopChan:
			return ErrDisconnected
		default:
		}

		if lastErr = c.Connect(); lastErr == nil {
			return nil
		}

		select {
		case <-c.stopChan:
			return ErrDisconnected
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("ipc: connect %s failed after %d attempts: %w", c.cfg.Addr, maxAttempts, lastErr)
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Request sends one op and waits for the correlated response. timeout <= 0
// uses DefaultRequestTimeout. Fails fast with ErrNotConnected while the link
// is down.
func (c *Client) Request(op string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	if !c.Connected() {
		return nil, ErrNotConnected
	}

	requestID := uuid.NewString()
	ch := make(chan *protocol.Message, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()

	msg, err := protocol.NewRequest(requestID, op, payload)
	if err != nil {
		c.removePending(requestID)
		return nil, err
	}
	if err := c.writeMessage(msg); err != nil {
		c.removePending(requestID)
		return nil, fmt.Errorf("ipc: send %s: %w", op, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if resp.Status == protocol.StatusError {
			return nil, &RemoteError{Op: op, Msg: resp.Error}
		}
		return resp.Data, nil
	case <-timer.C:
		c.removePending(requestID)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, op, timeout)
	case <-c.stopChan:
		c.removePending(requestID)
		return nil, ErrDisconnected
	}
}

func (c *Client) removePending(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

func (c *Client) writeMessage(msg *protocol.Message) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(conn, msg)
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		msg, err := protocol.ReadMessage(conn, c.cfg.MaxFrameSize)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		c.mu.Lock()
		if c.conn == conn {
			c.lastInbound = time.Now()
		}
		c.mu.Unlock()

		switch msg.Type {
		case protocol.TypeResponse:
			c.deliverResponse(msg)
		case protocol.TypePush:
			if !c.handlePush(msg) {
				return
			}
		case protocol.TypeHeartbeat:
			// server echo, inbound traffic only
		default:
			c.log.Debug().Str("type", string(msg.Type)).Msg("Dropping unexpected frame")
		}
	}
}

func (c *Client) deliverResponse(msg *protocol.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		// Late response after a timeout: the entry is gone, drop it.
		c.log.Debug().Str("request_id", msg.RequestID).Msg("Dropping late response")
		return
	}
	ch <- msg
}

// handlePush verifies register pushes and forwards everything to the push
// handler. Returns false when the connection must be aborted.
func (c *Client) handlePush(msg *protocol.Message) bool {
	env, err := msg.Envelope()
	if err != nil {
		c.log.Warn().Err(err).Msg("Dropping malformed push")
		return true
	}

	if env.Type == protocol.PushRegister && c.cfg.AccountID != "" {
		var reg struct {
			AccountID string `json:"account_id"`
		}
		if err := json.Unmarshal(env.Data, &reg); err != nil || reg.AccountID != c.cfg.AccountID {
			c.log.Error().
				Str("expected", c.cfg.AccountID).
				Str("got", reg.AccountID).
				Msg("Register push for wrong account, aborting connection")
			// The owner must learn the link is gone for good: Stop suppresses
			// the disconnect callback, so fire it here first.
			go func() {
				if cb := c.onDisconnect; cb != nil {
					cb()
				}
				c.Stop()
			}()
			return false
		}
	}

	if cb := c.onPush; cb != nil {
		cb(env.Type, env.Data)
	}
	return true
}

func (c *Client) heartbeatLoop(conn net.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn
			lastInbound := c.lastInbound
			c.mu.RUnlock()
			if current != conn {
				return // superseded by a reconnect
			}
			if silence := time.Since(lastInbound); silence > heartbeatMissLimit*c.cfg.HeartbeatInterval {
				c.handleDisconnect(conn, fmt.Errorf("ipc: no inbound traffic for %s", silence.Round(time.Second)))
				return
			}
			if err := c.writeMessage(protocol.NewHeartbeat()); err != nil {
				c.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// handleDisconnect tears down one connection exactly once (the read and
// heartbeat loops may race here) and kicks off the reconnect loop.
func (c *Client) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	stopped := c.stopped
	c.mu.Unlock()

	conn.Close()
	c.failPending()

	if stopped {
		return
	}

	c.log.Warn().Err(cause).Msg("IPC disconnected")
	if cb := c.onDisconnect; cb != nil {
		go cb()
	}
	go c.reconnectLoop()
}

// failPending completes every in-flight request with ErrDisconnected by
// closing its channel.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		attempt++
		delay := c.calculateBackoff(attempt)
		c.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting after backoff")

		select {
		case <-c.stopChan:
			return
		case <-time.After(delay):
		}

		if err := c.Connect(); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			continue
		}
		// Backoff resets by construction: the next disconnect starts a
		// fresh loop at attempt 1.
		return
	}
}

// calculateBackoff returns the delay before the given attempt (1-based):
// initial * multiplier^(attempt-1), capped.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.InitialReconnectDelay) * math.Pow(c.cfg.ReconnectMultiplier, float64(attempt-1))
	if capped := float64(c.cfg.MaxReconnectDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// Stop closes the connection and stops all loops. Safe to call more than
// once.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(c.stopChan)
	if conn != nil {
		conn.Close()
	}
	c.failPending()
	c.log.Info().Msg("IPC client stopped")
}
