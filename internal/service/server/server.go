package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pq_chat/internal/metrics"
	"pq_chat/internal/model"
	"pq_chat/internal/protocol/sealer"
	"pq_chat/internal/repository/chatlog"
	"pq_chat/internal/service/syncer"
	"pq_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultRateLimit = 20
	DefaultRateBurst = 40
	ClientPath       = "/client_message"
	maxBodySize      = 4 << 20
)

type (
	// PeerKeyHandler accepts a public key posted by the partner.
	PeerKeyHandler func(ctx context.Context, pub []byte) error

	Config struct {
		Addr      string
		RateLimit float64
		RateBurst int
	}

	// HttpServer is the reachable side of a chat: it owns the log the
	// partner polls and relays posted messages to registered endpoints.
	HttpServer struct {
		runner
		engine    *syncer.Engine
		chatLog   syncer.Log
		onPeerKey PeerKeyHandler
		hub       *Hub
		limiter   *rate.Limiter
	}

	runner struct {
		mu  sync.Mutex
		srv *http.Server
		ln  net.Listener
	}
)

func NewHttpServer(cfg Config, engine *syncer.Engine, chatLog syncer.Log, onPeerKey PeerKeyHandler) *HttpServer {
	s := &HttpServer{
		engine:    engine,
		chatLog:   chatLog,
		onPeerKey: onPeerKey,
		limiter:   newLimiter(cfg),
	}
	s.hub = NewHub(engine)
	s.runner.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func newLimiter(cfg Config) *rate.Limiter {
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

func (s *HttpServer) Hub() *Hub {
	return s.hub
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/public_key", s.ExchangePublicKey()).Methods(http.MethodPost)
	r.HandleFunc("/public_key", s.GetPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/peer_public_key", s.GetPeerPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/connect", s.RegisterPeer()).Methods(http.MethodPost)
	r.HandleFunc("/message", limit(s.limiter, s.PostMessage())).Methods(http.MethodPost)
	r.HandleFunc("/messages", s.GetMessages()).Methods(http.MethodGet)
	r.HandleFunc("/messages/cursor", s.GetCursor()).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.hub.HandleStream()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *HttpServer) ExchangePublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.PublicKeyRequest
		if err := decode(w, r, &req); err != nil || req.PublicKey == "" {
			respond(w, http.StatusBadRequest, model.StatusResponse{Error: "public_key is required"})
			return
		}

		pub, err := base64.StdEncoding.DecodeString(req.PublicKey)
		if err != nil {
			respond(w, http.StatusBadRequest, model.StatusResponse{Error: "public_key is not base64"})
			return
		}

		if err := s.onPeerKey(r.Context(), pub); err != nil {
			log.Warn("peer public key rejected", zap.Error(err))
			respond(w, http.StatusBadRequest, model.StatusResponse{Error: "invalid public key"})
			return
		}

		respond(w, http.StatusOK, model.PublicKeyExchangeResponse{
			Status:          "ok",
			ServerPublicKey: s.ownKey(),
		})
	}
}

func (s *HttpServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, model.PublicKeyResponse{PublicKey: s.ownKey()})
	}
}

func (s *HttpServer) GetPeerPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var res model.PublicKeyResponse
		if pub, ok := s.engine.Session().PeerKey(); ok {
			enc := base64.StdEncoding.EncodeToString(pub)
			res.PublicKey = &enc
		}
		respond(w, http.StatusOK, res)
	}
}

func (s *HttpServer) ownKey() *string {
	id := s.engine.Session().Identity()
	if id == nil {
		return nil
	}
	enc := base64.StdEncoding.EncodeToString(id.PublicKey)
	return &enc
}

func (s *HttpServer) RegisterPeer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ConnectRequest
		if err := decode(w, r, &req); err != nil || req.URL == "" {
			respond(w, http.StatusBadRequest, model.StatusResponse{Error: "url is required"})
			return
		}

		target, err := NormalizeCallback(req.URL)
		if err != nil {
			respond(w, http.StatusBadRequest, model.StatusResponse{Error: err.Error()})
			return
		}

		ep := model.PeerEndpoint{URL: target, ChatCode: req.ChatCode}
		if s.engine.Registry().Register(ep) {
			log.Info("peer registered", zap.String("url", target))
		}
		metrics.Peers(s.engine.Registry().Len())
		respond(w, http.StatusOK, model.StatusResponse{Status: "registered"})
	}
}

func (s *HttpServer) PostMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sealed, ok := decodeMessage(w, r)
		if !ok {
			return
		}

		err := s.engine.Accept(r.Context(), sealed)
		switch {
		case errors.Is(err, sealer.ErrTooShort):
			respond(w, http.StatusBadRequest, model.StatusResponse{Error: "message too short"})
		case err != nil:
			log.Error("accept message failed", zap.Error(err))
			respond(w, http.StatusInternalServerError, model.StatusResponse{Error: "could not store message"})
		default:
			respond(w, http.StatusOK, model.StatusResponse{Status: "ok"})
		}
	}
}

func (s *HttpServer) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := int64(0)
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				respond(w, http.StatusBadRequest, model.StatusResponse{Error: "since must be an integer"})
				return
			}
			since = n
		}

		entries, next, err := s.chatLog.ReadSince(s.engine.Session().ChatCode(), chatlog.Cursor(since))
		if errors.Is(err, chatlog.ErrInvalidCursor) {
			respond(w, http.StatusRequestedRangeNotSatisfiable, model.StatusResponse{Error: err.Error()})
			return
		}
		if err != nil {
			log.Error("read messages failed", zap.Error(err))
			respond(w, http.StatusInternalServerError, model.StatusResponse{Error: "could not read messages"})
			return
		}

		res := model.MessagesResponse{
			Messages: make([]string, 0, len(entries)),
			Cursor:   int64(next),
		}
		for _, entry := range entries {
			res.Messages = append(res.Messages, base64.StdEncoding.EncodeToString(entry))
		}
		respond(w, http.StatusOK, res)
	}
}

func (s *HttpServer) GetCursor() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.chatLog.Length(s.engine.Session().ChatCode())
		if err != nil {
			log.Error("read cursor failed", zap.Error(err))
			respond(w, http.StatusInternalServerError, model.StatusResponse{Error: "could not read cursor"})
			return
		}
		respond(w, http.StatusOK, model.CursorResponse{Cursor: int64(n)})
	}
}

// Shutdown also closes every open stream.
func (s *HttpServer) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.runner.Shutdown(ctx)
}

// NormalizeCallback turns a bare "host:port" or a URL without a path into
// the full client callback URL.
func NormalizeCallback(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = ClientPath
	}
	return u.String(), nil
}

func (r *runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ln, err := net.Listen("tcp", r.srv.Addr)
	if err != nil {
		return err
	}
	r.ln = ln

	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.String("addr", ln.Addr().String()), zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once Start returned.
func (r *runner) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return r.srv.Addr
	}
	return r.ln.Addr().String()
}

func (r *runner) Shutdown(ctx context.Context) error {
	return r.srv.Shutdown(ctx)
}

func limit(l *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			metrics.RateLimited()
			respond(w, http.StatusTooManyRequests, model.StatusResponse{Error: "rate limited"})
			return
		}
		next(w, r)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

func decodeMessage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var req model.MessageRequest
	if err := decode(w, r, &req); err != nil || req.Message == "" {
		respond(w, http.StatusBadRequest, model.StatusResponse{Error: "message is required"})
		return nil, false
	}

	sealed, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		respond(w, http.StatusBadRequest, model.StatusResponse{Error: "message is not base64"})
		return nil, false
	}
	return sealed, true
}

func respond(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
