package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
)

// Event types pushed to WebSocket clients.
const (
	EventTradeExecuted = "trade_executed"
	EventPriceUpdated  = "price_updated"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type          string          `json:"type"`
	AccountID     string          `json:"account_id,omitempty"`
	InstrumentID  string          `json:"instrument_id"`
	Ticker        string          `json:"ticker"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Side          model.Side      `json:"side,omitempty"`
	Quantity      int64           `json:"quantity,omitempty"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Hub keeps the set of connected clients and fans events out to them.
// Events are dropped when the buffer is full so that trades never wait on a
// slow client.
//
// Price events reach every client. Trade events reach only the clients that
// subscribed to that account with ?account_id=.
type Hub struct {
	clients    map[*websocket.Conn]string // conn → subscribed account ID
	broadcast  chan wsMessage
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        slog.Default().With("component", "ws-hub"),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.accountID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "account_id", c.accountID, "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			var dead []*websocket.Conn
			h.mu.RLock()
			for conn, sub := range h.clients {
				if msg.accountID != "" && msg.accountID != sub {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

type wsClient struct {
	conn      *websocket.Conn
	accountID string
}

// wsMessage is an encoded event. A non-empty accountID restricts delivery to
// that account's subscribers.
type wsMessage struct {
	accountID string
	data      []byte
}

// Publish queues an event. Trade events go to the event's account
// subscribers, everything else to every client.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("ws event encode failed", "type", ev.Type, "err", err)
		return
	}
	msg := wsMessage{data: data}
	if ev.Type == EventTradeExecuted {
		msg.accountID = ev.AccountID
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Debug("ws buffer full, event dropped", "type", ev.Type)
	}
}

// TradeExecuted publishes a committed trade.
func (h *Hub) TradeExecuted(rc *model.Receipt) {
	h.Publish(Event{
		Type:          EventTradeExecuted,
		AccountID:     rc.AccountID,
		InstrumentID:  rc.InstrumentID,
		Ticker:        rc.Ticker,
		TransactionID: rc.TransactionID,
		Side:          rc.Side,
		Quantity:      rc.Quantity,
		Price:         rc.Price,
		Timestamp:     rc.ExecutedAt,
	})
}

// PriceUpdated publishes a fresh quote written to the catalog.
func (h *Hub) PriceUpdated(inst model.Instrument, q model.Quote) {
	h.Publish(Event{
		Type:          EventPriceUpdated,
		InstrumentID:  inst.ID,
		Ticker:        inst.Ticker,
		Price:         q.Price,
		ChangePercent: q.ChangePercent,
		Timestamp:     q.AsOf,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An optional
// ?account_id= subscribes the connection to that account's trades.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, accountID: accountID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detects disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Keepalive through proxies.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}()
}
