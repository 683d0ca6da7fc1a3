package runtime

import (
	_ "embed"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-live/internal/stream"
)

//go:embed index.html
var indexHTML []byte

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", r.handleIndex)
	mux.HandleFunc("GET /start", r.handleStart)
	mux.HandleFunc("GET /stop", r.handleStop)
	mux.HandleFunc("GET /listen", r.handleListen)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	return mux
}

func (r *Runtime) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (r *Runtime) handleStart(w http.ResponseWriter, _ *http.Request) {
	r.ctrl.Start()
	writeText(w, http.StatusOK, "started")
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	r.ctrl.Stop()
	writeText(w, http.StatusOK, "stopped")
}

func (r *Runtime) handleListen(w http.ResponseWriter, req *http.Request) {
	err := r.pipeline.Listen(req.Context(), stream.NewEmitter(w))
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrSessionActive):
		writeText(w, http.StatusConflict, err.Error())
	default:
		r.logger.Debug("listen request ended", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if r.store != nil && !r.store.Healthy(req.Context()) {
		writeText(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	if r.bus != nil && !r.bus.Healthy() {
		writeText(w, http.StatusServiceUnavailable, "bus disconnected")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
