package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"vis-service/internal/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Dashboards only send control frames
	maxMessageSize = 512
)

// WSHandler streams feed snapshots to dashboards
type WSHandler struct {
	out      Output
	interval time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// streams outlive their HTTP request once hijacked; closing ends them all
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSHandler accepts browser connections only from allowedOrigins, the
// same list the CORS middleware uses. Requests without an Origin header come
// from non-browser clients and are accepted.
func NewWSHandler(out Output, interval time.Duration, allowedOrigins []string, logger *slog.Logger) *WSHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSHandler{
		out:      out,
		interval: interval,
		logger:   logger.With("component", "snapshot_stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.IsOriginAllowed(origin, allowedOrigins)
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close ends every open snapshot stream with a normal close frame
func (h *WSHandler) Close() {
	h.cancel()
}

// HandleWebSocket upgrades the request and pushes one snapshot per interval
// until the peer goes away or the handler is closed.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	s := &snapshotStream{
		id:       uuid.New().String(),
		conn:     conn,
		out:      h.out,
		interval: h.interval,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.logger = h.logger.With("stream_id", s.id)
	s.logger.Debug("Snapshot stream opened", "remote_addr", c.ClientIP())

	s.wg.Add(1)
	go s.readPump()
	s.writePump()
	s.wg.Wait()

	s.logger.Debug("Snapshot stream closed")
}

type snapshotStream struct {
	id       string
	conn     *websocket.Conn
	out      Output
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// readPump only keeps the read deadline fresh and notices the peer leaving
func (s *snapshotStream) readPump() {
	defer func() {
		s.wg.Done()
		s.cancel()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Snapshot stream read error", "error", err)
			}
			return
		}
	}
}

func (s *snapshotStream) writePump() {
	ticker := time.NewTicker(s.interval)
	pinger := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		pinger.Stop()
		s.cancel()
		s.conn.Close()
	}()

	if err := s.send(); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			if err := s.send(); err != nil {
				return
			}

		case <-pinger.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("Error sending ping", "error", err)
				return
			}

		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *snapshotStream) send() error {
	snap := s.out.Snapshot()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(gin.H{
		"feed":        snap,
		"leadSeconds": snap.Lead.Seconds(),
	}); err != nil {
		s.logger.Debug("Error writing snapshot", "error", err)
		return err
	}
	return nil
}
