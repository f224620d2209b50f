package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pq_chat/internal/metrics"
	"pq_chat/internal/model"
	"pq_chat/internal/service/syncer"
	"pq_chat/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamScheme = "ws://"
	writeWait    = 2 * time.Second
)

var ErrUnknownStream = errors.New("unknown stream")

type (
	streamConn struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}

	// Hub keeps the websocket streams of connected partners. Each stream is
	// registered as a push endpoint with a ws:// URL.
	Hub struct {
		engine *syncer.Engine

		mu    sync.RWMutex
		conns map[string]*streamConn
	}
)

func NewHub(engine *syncer.Engine) *Hub {
	return &Hub{
		engine: engine,
		conns:  make(map[string]*streamConn),
	}
}

// Owns reports whether ep is one of the hub's streams.
func (h *Hub) Owns(ep model.PeerEndpoint) bool {
	return strings.HasPrefix(ep.URL, streamScheme)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) HandleStream() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("chat_code")
		if code == "" {
			http.Error(w, "chat_code cannot be empty", http.StatusBadRequest)
			return
		}
		if code != h.engine.Session().ChatCode() {
			http.Error(w, "unknown chat_code", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		ep := model.PeerEndpoint{
			URL:      fmt.Sprintf("%s%s/stream/%s", streamScheme, r.RemoteAddr, uuid.NewString()),
			ChatCode: code,
		}
		h.mu.Lock()
		h.conns[ep.URL] = &streamConn{conn: conn}
		h.mu.Unlock()

		h.engine.Registry().Register(ep)
		metrics.Peers(h.engine.Registry().Len())
		log.Info("stream opened", zap.String("endpoint", ep.URL))

		go h.processStream(ep, conn)
	}
}

// processStream accepts messages the partner writes to its stream until
// the connection closes.
func (h *Hub) processStream(ep model.PeerEndpoint, conn *websocket.Conn) {
	defer h.remove(ep)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("stream closed", zap.String("endpoint", ep.URL), zap.Error(err))
			return
		}

		var req model.MessageRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Debug("unmarshal stream message failed", zap.Error(err))
			continue
		}
		sealed, err := base64.StdEncoding.DecodeString(req.Message)
		if err != nil {
			log.Debug("stream message is not base64", zap.Error(err))
			continue
		}

		if err := h.engine.Accept(context.Background(), sealed); err != nil {
			log.Debug("stream message rejected", zap.Error(err))
		}
	}
}

func (h *Hub) remove(ep model.PeerEndpoint) {
	h.mu.Lock()
	sc, ok := h.conns[ep.URL]
	delete(h.conns, ep.URL)
	h.mu.Unlock()

	if ok {
		sc.conn.Close()
	}
	h.engine.Registry().Unregister(ep)
	metrics.Peers(h.engine.Registry().Len())
}

// Push writes sealed to the stream behind ep. A failed write closes the
// stream so the partner redials.
func (h *Hub) Push(ctx context.Context, ep model.PeerEndpoint, sealed []byte) error {
	h.mu.RLock()
	sc, ok := h.conns[ep.URL]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, ep.URL)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sc.mu.Lock()
	err := sc.conn.SetWriteDeadline(deadline)
	if err == nil {
		err = sc.conn.WriteJSON(model.MessageRequest{
			Message: base64.StdEncoding.EncodeToString(sealed),
		})
	}
	sc.mu.Unlock()

	if err != nil {
		// processStream sees the close and unregisters ep
		sc.conn.Close()
		return err
	}
	return nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*streamConn)
	h.mu.Unlock()

	for _, sc := range conns {
		sc.mu.Lock()
		_ = sc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		sc.mu.Unlock()
		sc.conn.Close()
	}
}
