package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
	"github.com/qtrader/qtrader/internal/metrics"
)

// wsFrame is what clients receive: the event type, the account it came from,
// and the typed payload.
type wsFrame struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// wsClient send queue depth. A client that falls this far behind is dropped
// rather than allowed to backpressure the bus.
const wsSendBuffer = 256

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan wsFrame
}

// wsHub fans manager bus events out to websocket clients.
type wsHub struct {
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool
}

// streamed is the bus subset pushed to websocket clients.
var streamed = []events.EventType{
	events.AccountUpdate,
	events.OrderUpdate,
	events.TradeUpdate,
	events.PositionUpdate,
	events.TickUpdate,
	events.AlarmUpdate,
	events.TraderState,
}

func newWSHub(engine *events.Engine, m *metrics.Metrics, log zerolog.Logger) *wsHub {
	h := &wsHub{
		metrics: m,
		log:     log.With().Str("component", "ws").Logger(),
		clients: make(map[string]*wsClient),
	}
	for _, eventType := range streamed {
		h.subscribe(engine, eventType)
	}
	return h
}

func (h *wsHub) subscribe(engine *events.Engine, eventType events.EventType) {
	engine.Subscribe(eventType, func(e *events.Event) {
		frame := wsFrame{
			Type:      string(e.Type),
			AccountID: e.Module,
			Timestamp: e.Timestamp,
			Data:      e.Data,
		}
		if h.metrics != nil && e.Type == events.AlarmUpdate {
			if alarm, ok := e.Data.(*domain.Alarm); ok {
				h.metrics.CountAlarm(alarm.AccountID, alarm.Level)
			}
		}
		h.broadcast(frame)
	})
}

func (h *wsHub) broadcast(frame wsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		select {
		case client.send <- frame:
		default:
			// too slow, cut it loose
			h.log.Warn().Str("client_id", id).Msg("Dropping slow websocket client")
			delete(h.clients, id)
			close(client.send)
		}
	}
	h.updateGaugeLocked()
}

// handleWS upgrades the connection and streams frames until the client goes
// away or the hub closes.
func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan wsFrame, wsSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[client.id] = client
	h.updateGaugeLocked()
	h.mu.Unlock()
	h.log.Info().Str("client_id", client.id).Msg("Websocket client connected")

	// inbound frames are ignored but must be drained for pings to work
	readCtx, cancelRead := context.WithCancel(r.Context())
	go func() {
		defer cancelRead()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.remove(client.id)
		conn.Close(websocket.StatusNormalClosure, "")
		h.log.Info().Str("client_id", client.id).Msg("Websocket client disconnected")
	}()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(readCtx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				return
			}
		case <-readCtx.Done():
			return
		}
	}
}

func (h *wsHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(client.send)
	}
	h.updateGaugeLocked()
}

// close disconnects every client; used at shutdown.
func (h *wsHub) close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for id, client := range h.clients {
		delete(h.clients, id)
		clients = append(clients, client)
	}
	h.updateGaugeLocked()
	h.mu.Unlock()

	for _, client := range clients {
		close(client.send)
	}
}

func (h *wsHub) updateGaugeLocked() {
	if h.metrics != nil {
		h.metrics.SetWSClients(len(h.clients))
	}
}
