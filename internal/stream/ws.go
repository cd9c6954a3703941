package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024
)

// ControlMessage is the only frame a client sends: a new venue set.
type ControlMessage struct {
	Venues []string `json:"venues"`
}

// Handler upgrades HTTP requests to websocket streams.
type Handler struct {
	gen      *Generator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(gen *Generator, checkOrigin func(r *http.Request) bool, logger *zap.Logger) *Handler {
	return &Handler{
		gen: gen,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.Named("ws"),
	}
}

// session pairs one connection with its current stream.
type session struct {
	mu     sync.Mutex
	stream *Stream
	done   chan struct{}
	once   sync.Once
}

func (s *session) current() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.stream != nil {
			s.stream.Close()
		}
		s.mu.Unlock()
	})
}

// ServeWS opens a stream for scope over venues and pumps it to the client.
// The stream is validated before the upgrade so bad input gets a plain HTTP
// error.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request, scope string, venues []string) error {
	// The stream must outlive the request context once the connection is hijacked.
	ctx := context.WithoutCancel(r.Context())
	st, err := h.gen.Open(ctx, scope, venues)
	if err != nil {
		return err
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		st.Close()
		h.logger.Debug("Upgrade failed", zap.Error(err))
		return nil
	}
	sess := &session{stream: st, done: make(chan struct{})}
	h.logger.Info("Stream connected", zap.String("scope", scope), zap.Strings("venues", st.Venues))
	go h.writePump(conn, sess)
	go h.readPump(ctx, conn, sess)
	return nil
}

// readPump handles control frames. A venue change replaces the whole stream.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, sess *session) {
	defer func() {
		sess.close()
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req ControlMessage
		if err := json.Unmarshal(msg, &req); err != nil || req.Venues == nil {
			continue
		}

		sess.mu.Lock()
		next, err := h.gen.Replace(ctx, sess.stream, req.Venues)
		if err == nil {
			sess.stream = next
		}
		sess.mu.Unlock()
		if err != nil {
			if closed(sess.current().Done()) {
				h.logger.Warn("Stream lost during venue change", zap.Error(err))
				return
			}
			h.logger.Debug("Venue change rejected", zap.Error(err))
			continue
		}
		h.logger.Debug("Stream replaced", zap.Strings("venues", next.Venues))
	}
}

// writePump sends events and heartbeats to the client.
func (h *Handler) writePump(conn *websocket.Conn, sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		st := sess.current()
		select {
		case <-sess.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev, ok := <-st.Events():
			if !ok {
				// Replaced or closed; the next loop picks up the successor.
				select {
				case <-sess.done:
				case <-st.Done():
					if sess.current() == st {
						sess.close()
					}
				}
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
