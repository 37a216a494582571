package brokercluster

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/nemosupremo/brokercluster/membership"
	"github.com/nemosupremo/brokercluster/telemetry"
	log "github.com/sirupsen/logrus"
)

func (e *Engine) Serve(srv *http.Server) {
	log.Infof("Starting HTTP Server on %v", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("HTTP Server stopped: %v", err)
	}
}

func (e *Engine) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(NewLogger(log.StandardLogger()))

	r.Method(http.MethodGet, "/metrics", telemetry.Instrument("metrics", telemetry.MetricsHandler()))

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Add("Content-Type", "application/json")
				next.ServeHTTP(w, r)
			})
		})
		r.Method(http.MethodGet, "/ping", telemetry.Instrument("ping", http.HandlerFunc(e.StatusPing)))
		r.Method(http.MethodGet, "/members", telemetry.Instrument("members", http.HandlerFunc(e.Members)))
	})

	return r
}

// NewLogger logs one line per request through logrus.
func NewLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request")
		})
	}
}

func (e *Engine) Error(w http.ResponseWriter, err error, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{code, err.Error()})
}

func (e *Engine) StatusPing(w http.ResponseWriter, r *http.Request) {
	pong := e.Status()
	if !pong.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(pong)
}

func (e *Engine) Members(w http.ResponseWriter, r *http.Request) {
	pong := e.Status()
	if !pong.OK {
		e.Error(w, ErrGroupClosed, http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(struct {
		Members membership.Entries    `json:"members"`
		Joiners membership.Entries    `json:"joiners"`
		Alive   []membership.MemberID `json:"alive"`
	}{pong.Members, pong.Joiners, pong.Alive})
}
