package server

import (
	"net/http"
	"time"

	"pq_chat/internal/metrics"
	"pq_chat/internal/model"
	"pq_chat/internal/service/syncer"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type (
	// Receiver is the callback listener a client runs so the server can
	// push messages to it.
	Receiver struct {
		runner
		engine  *syncer.Engine
		limiter *rate.Limiter
	}
)

func NewReceiver(cfg Config, engine *syncer.Engine) *Receiver {
	r := &Receiver{
		engine:  engine,
		limiter: newLimiter(cfg),
	}
	r.runner.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return r
}

func (r *Receiver) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(ClientPath, limit(r.limiter, r.ClientMessage())).Methods(http.MethodPost)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return router
}

// ClientMessage answers ok for anything well-formed, whether or not it
// opens, so a caller learns nothing about the payload.
func (r *Receiver) ClientMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sealed, ok := decodeMessage(w, req)
		if !ok {
			return
		}
		r.engine.ReceivePushed(req.Context(), sealed)
		respond(w, http.StatusOK, model.StatusResponse{Status: "ok"})
	}
}
