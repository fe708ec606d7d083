package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/protocol"
)

type registerPayload struct {
	AccountID string `json:"account_id"`
	PID       int    `json:"pid"`
}

func startTestServer(t *testing.T, cfg ServerConfig, registry *Registry) *Server {
	t.Helper()
	if cfg.Register == nil {
		cfg.Register = registerPayload{AccountID: "ACC1", PID: 1234}
	}
	srv := NewServer(cfg, registry, zerolog.Nop())
	require.NoError(t, srv.ListenTCP("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	return srv
}

func newTestClient(t *testing.T, srv *Server, cfg ClientConfig) *Client {
	t.Helper()
	cfg.Network = "tcp"
	cfg.Addr = srv.Addr().String()
	if cfg.AccountID == "" {
		cfg.AccountID = "ACC1"
	}
	client := NewClient(cfg, zerolog.Nop())
	t.Cleanup(client.Stop)
	return client
}

func echoRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("echo", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var m map[string]any
		_ = json.Unmarshal(payload, &m)
		return m, nil
	})
	reg.Register("fail", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, fmt.Errorf("deliberate failure")
	})
	return reg
}

func TestRequestResponse(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, echoRegistry())
	client := newTestClient(t, srv, ClientConfig{})

	var mu sync.Mutex
	var pushKinds []string
	client.SetOnPush(func(kind string, data json.RawMessage) {
		mu.Lock()
		pushKinds = append(pushKinds, kind)
		mu.Unlock()
	})

	require.NoError(t, client.Connect())

	data, err := client.Request("echo", map[string]any{"hello": "world"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(data))

	// register is the first push on accept
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pushKinds) > 0 && pushKinds[0] == protocol.PushRegister
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerErrorBecomesRemoteError(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, echoRegistry())
	client := newTestClient(t, srv, ClientConfig{})
	require.NoError(t, client.Connect())

	_, err := client.Request("fail", nil, time.Second)
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "deliberate failure", remote.Msg)
}

func TestUnknownOpKeepsConnection(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, echoRegistry())
	client := newTestClient(t, srv, ClientConfig{})
	require.NoError(t, client.Connect())

	_, err := client.Request("no_such_op", nil, time.Second)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)

	// The connection survives an unknown op.
	data, err := client.Request("echo", map[string]any{"k": "v"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(data))
}

func TestRequestTimeoutDropsPendingEntry(t *testing.T) {
	reg := echoRegistry()
	released := make(chan struct{})
	reg.Register("slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		<-released
		return "late", nil
	})

	srv := startTestServer(t, ServerConfig{}, reg)
	client := newTestClient(t, srv, ClientConfig{})
	require.NoError(t, client.Connect())

	_, err := client.Request("slow", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// Release the handler so the late response arrives; it must be
	// discarded without affecting the next request.
	close(released)

	data, err := client.Request("echo", map[string]any{"after": "timeout"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"after":"timeout"}`, string(data))
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	reg := echoRegistry()
	reg.Register("slow_echo", func(ctx context.Context, payload json.RawMessage) (any, error) {
		time.Sleep(100 * time.Millisecond)
		var m map[string]any
		_ = json.Unmarshal(payload, &m)
		return m, nil
	})

	srv := startTestServer(t, ServerConfig{}, reg)
	client := newTestClient(t, srv, ClientConfig{})
	require.NoError(t, client.Connect())

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		data, err := client.Request("slow_echo", map[string]any{"id": "slow"}, time.Second)
		results[0], errs[0] = string(data), err
	}()
	go func() {
		defer wg.Done()
		data, err := client.Request("echo", map[string]any{"id": "fast"}, time.Second)
		results[1], errs[1] = string(data), err
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	// Each caller got its own payload back even though responses arrived
	// out of order.
	assert.JSONEq(t, `{"id":"slow"}`, results[0])
	assert.JSONEq(t, `{"id":"fast"}`, results[1])
}

func TestHeartbeatEviction(t *testing.T) {
	srv := startTestServer(t, ServerConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		EvictAfter:        80 * time.Millisecond,
		HealthEvery:       10 * time.Millisecond,
	}, echoRegistry())

	// A client that never sends heartbeats while holding the connection
	// open must be evicted.
	client := newTestClient(t, srv, ClientConfig{
		HeartbeatInterval:     time.Hour,
		InitialReconnectDelay: time.Hour, // do not reconnect during the test
	})
	require.NoError(t, client.Connect())

	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == 0
	}, time.Second, 10*time.Millisecond, "silent connection not evicted")
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv := startTestServer(t, ServerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		EvictAfter:        40 * time.Millisecond,
		HealthEvery:       5 * time.Millisecond,
	}, echoRegistry())

	var mu sync.Mutex
	var disconnects, connects int

	client := newTestClient(t, srv, ClientConfig{
		HeartbeatInterval:     time.Hour, // force eviction
		InitialReconnectDelay: 5 * time.Millisecond,
		MaxReconnectDelay:     20 * time.Millisecond,
	})
	client.SetOnDisconnect(func() {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})
	client.SetOnConnect(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	require.NoError(t, client.Connect())

	// The server evicts the silent client; the client must come back by
	// itself through the backoff loop.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects >= 1 && connects >= 2
	}, 5*time.Second, 10*time.Millisecond, "client did not reconnect")
}

func TestRequestFailsFastWhileDisconnected(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, echoRegistry())
	client := newTestClient(t, srv, ClientConfig{})

	_, err := client.Request("echo", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, client.Connect())
	_, err = client.Request("echo", map[string]any{}, time.Second)
	assert.NoError(t, err)
}

func TestPushBroadcastSurvivesDeadClient(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, echoRegistry())

	received := make(chan string, 16)
	alive := newTestClient(t, srv, ClientConfig{})
	alive.SetOnPush(func(kind string, data json.RawMessage) {
		received <- kind
	})
	require.NoError(t, alive.Connect())

	dead := newTestClient(t, srv, ClientConfig{InitialReconnectDelay: time.Hour})
	require.NoError(t, dead.Connect())

	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == 2
	}, time.Second, 5*time.Millisecond)

	dead.Stop()

	// Keep pushing until the dead connection's write fails and it gets
	// dropped; the live client keeps receiving throughout.
	require.Eventually(t, func() bool {
		_ = srv.Push(protocol.PushTick, map[string]any{"symbol": "SHFE.rb2505"})
		return srv.ActiveConnections() == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		for {
			select {
			case kind := <-received:
				if kind == protocol.PushTick {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterMismatchAborts(t *testing.T) {
	srv := startTestServer(t, ServerConfig{
		Register: registerPayload{AccountID: "OTHER"},
	}, echoRegistry())

	client := newTestClient(t, srv, ClientConfig{
		AccountID:             "ACC1",
		InitialReconnectDelay: 5 * time.Millisecond,
	})

	var mu sync.Mutex
	var disconnects int
	client.SetOnDisconnect(func() {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})

	require.NoError(t, client.Connect())

	// The client must abort and stay down rather than talk to the wrong
	// account's trader, and the owner must hear about it.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !client.Connected() && disconnects == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.Connected())
}

func TestClientEvictsSilentPeer(t *testing.T) {
	// A peer that accepts and reads but never writes: the TCP link is
	// half-open from the client's point of view.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(io.Discard, conn) }()
		}
	}()

	var mu sync.Mutex
	var disconnects int
	client := NewClient(ClientConfig{
		Network:               "tcp",
		Addr:                  ln.Addr().String(),
		HeartbeatInterval:     10 * time.Millisecond,
		InitialReconnectDelay: time.Hour, // stay down once the link is cut
	}, zerolog.Nop())
	client.SetOnDisconnect(func() {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})
	t.Cleanup(client.Stop)

	require.NoError(t, client.Connect())

	// Heartbeat writes keep succeeding, so only the inbound-silence window
	// can detect the dead peer.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects >= 1 && !client.Connected()
	}, 2*time.Second, 10*time.Millisecond, "silent peer never evicted")
}

func TestBackoffSequence(t *testing.T) {
	client := NewClient(ClientConfig{Network: "tcp", Addr: "127.0.0.1:1"}, zerolog.Nop())

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := client.calculateBackoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "backoff must be nondecreasing")
		assert.LessOrEqual(t, d, MaxReconnectDelay)
		prev = d
	}

	assert.Equal(t, InitialReconnectDelay, client.calculateBackoff(1))
	assert.Equal(t, MaxReconnectDelay, client.calculateBackoff(20))
}

func TestServerStopIsClean(t *testing.T) {
	srv := startTestServer(t, ServerConfig{}, echoRegistry())
	client := newTestClient(t, srv, ClientConfig{InitialReconnectDelay: time.Hour})
	require.NoError(t, client.Connect())

	srv.Stop()
	srv.Stop() // idempotent

	require.Eventually(t, func() bool {
		return !client.Connected()
	}, time.Second, 10*time.Millisecond)
}
