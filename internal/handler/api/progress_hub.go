package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"FinCast/internal/domain/models"
	domsvc "FinCast/internal/domain/service"
	applogger "FinCast/pkg/logger"
)

const (
	progressWriteWait  = 10 * time.Second
	progressPongWait   = 60 * time.Second
	progressPingPeriod = progressPongWait * 9 / 10
	progressBuffer     = 64
)

// ProgressHub fans training progress out to WebSocket subscribers. A slow
// subscriber loses frames instead of stalling training.
type ProgressHub struct {
	upgrader websocket.Upgrader
	l        *applogger.Logger

	mu      sync.RWMutex
	clients map[*progressClient]struct{}
}

type progressClient struct {
	send chan []byte
	// filter limits the stream to one instrument key; empty means all.
	filter string
}

func NewProgressHub(l *applogger.Logger) *ProgressHub {
	if l == nil {
		l = applogger.Nop()
	}
	return &ProgressHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		l:       l,
		clients: make(map[*progressClient]struct{}),
	}
}

// Publish implements domain ProgressSink.
func (h *ProgressHub) Publish(p models.EpochProgress) {
	b, err := json.Marshal(p)
	if err != nil {
		h.l.Warn("progress marshal error", applogger.Error(err))
		return
	}
	key := p.Instrument.Key()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.filter != "" && c.filter != key {
			continue
		}
		select {
		case c.send <- b:
		default:
			// drop on backpressure
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *ProgressHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and streams progress until the peer leaves.
// ?instrument=EX:SYM narrows the stream.
func (h *ProgressHub) Serve(c echo.Context) error {
	filter := ""
	if raw := c.QueryParam("instrument"); raw != "" {
		inst, err := models.ParseInstrument(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter = inst.Key()
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the response
		h.l.Warn("progress upgrade failed", applogger.Error(err))
		return nil
	}

	client := &progressClient{send: make(chan []byte, progressBuffer), filter: filter}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.l.Debug("progress subscriber joined", applogger.String("filter", filter))

	done := make(chan struct{})
	go h.readLoop(conn, done)
	h.writeLoop(conn, client, done)

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	_ = conn.Close()
	return nil
}

// readLoop discards client frames and closes done when the peer goes away.
func (h *ProgressHub) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(progressPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(progressPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ProgressHub) writeLoop(conn *websocket.Conn, client *progressClient, done <-chan struct{}) {
	ticker := time.NewTicker(progressPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case b := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ domsvc.ProgressSink = (*ProgressHub)(nil)
