// Package httpserv exposes the two HTTP surfaces of the process: the
// serve-mode stream endpoint that fans encoded video out to clients, and
// the control API with stats, runtime bitrate changes and Prometheus
// metrics.
package httpserv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/bridge"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/pipeline"
)

const (
	shutdownTimeout = 5 * time.Second
	samplePoll      = 100 * time.Millisecond
	keyframeWait    = 10 * time.Second
)

// Pipeline is the controller surface the HTTP layer needs.
type Pipeline interface {
	State() pipeline.State
	Status() pipeline.Status
	SetBitrate(targetKbps, maxKbps uint32) error
	RequestRestart(reason string) bool
}

// Server wraps one http.Server with context-driven graceful shutdown.
type Server struct {
	name string
	srv  *http.Server
}

func newServer(name, addr string, handler http.Handler) *Server {
	return &Server{
		name: name,
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then drains connections for up to
// shutdownTimeout. Returns nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpserv: listening", "server", s.name, "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s server: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("httpserv: forced close after drain timeout", "server", s.name, "error", err)
		s.srv.Close()
	}
	<-errCh
	slog.Info("httpserv: stopped", "server", s.name)
	return nil
}

// NewStreamServer builds the serve-mode egress endpoint: a single GET route
// at the configured path delivering a raw H.264 byte-stream per client.
func NewStreamServer(cfg *config.Config, b *bridge.Bridge) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(cfg.Output.Path, StreamHandler(b))
	return newServer("stream", fmt.Sprintf(":%d", cfg.Output.Port), r)
}

// NewControlServer builds the control API: stats, bitrate control, health
// and Prometheus metrics.
func NewControlServer(cfg *config.Config, pipe Pipeline, reg *prometheus.Registry) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", HealthzHandler(pipe))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", StatsHandler(pipe))
		r.Post("/bitrate", BitrateHandler(pipe, cfg))
		r.Post("/restart", RestartHandler(pipe))
	})
	return newServer("control", fmt.Sprintf(":%d", cfg.API.Port), r)
}

// StreamHandler subscribes a client to the delivery bridge and writes
// encoded access units as a chunked raw byte-stream. The client joins at
// the next keyframe so its decoder starts clean.
func StreamHandler(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		session, err := b.Subscribe()
		if err != nil {
			http.Error(w, "stream shutting down", http.StatusServiceUnavailable)
			return
		}
		defer session.Close()

		w.Header().Set("Content-Type", "video/h264")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		slog.Info("httpserv: client connected",
			"session", session.ID(),
			"remote", r.RemoteAddr,
		)
		started := time.Now()
		var sent uint64

		synced := false
		deadline := time.Now().Add(keyframeWait)
		for {
			sample, err := session.Next(samplePoll)
			switch {
			case errors.Is(err, bridge.ErrTimeout):
				select {
				case <-r.Context().Done():
					logDisconnect(session, r, started, sent)
					return
				default:
				}
				if !synced && time.Now().After(deadline) {
					slog.Warn("httpserv: no keyframe within wait window, dropping client",
						"session", session.ID(),
					)
					return
				}
				continue
			case errors.Is(err, bridge.ErrClosed):
				logDisconnect(session, r, started, sent)
				return
			case err != nil:
				logDisconnect(session, r, started, sent)
				return
			}

			if !synced {
				if !sample.Keyframe {
					continue
				}
				synced = true
			}
			if _, err := w.Write(sample.Data); err != nil {
				logDisconnect(session, r, started, sent)
				return
			}
			flusher.Flush()
			sent++
		}
	}
}

func logDisconnect(s *bridge.Session, r *http.Request, started time.Time, sent uint64) {
	slog.Info("httpserv: client disconnected",
		"session", s.ID(),
		"remote", r.RemoteAddr,
		"duration", time.Since(started).Round(time.Millisecond),
		"frames_sent", sent,
		"frames_dropped", s.Drops(),
	)
}

// StatsHandler returns the live pipeline status as JSON.
func StatsHandler(pipe Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pipe.Status())
	}
}

// HealthzHandler reports 200 while the pipeline is running or recovering,
// 503 once it has failed terminally or was stopped.
func HealthzHandler(pipe Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := pipe.State()
		code := http.StatusOK
		if state == pipeline.StateFailed || state == pipeline.StateStopped {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"state": state.String()})
	}
}

// bitrateRequest is the body of POST /api/v1/bitrate.
type bitrateRequest struct {
	TargetKbps uint32 `json:"target_kbps"`
	MaxKbps    uint32 `json:"max_kbps"`
}

// BitrateHandler retunes the encoder at runtime. The same bounds as the
// static configuration apply; max defaults to the configured ceiling when
// omitted.
func BitrateHandler(pipe Pipeline, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bitrateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.MaxKbps == 0 {
			req.MaxKbps = cfg.Encoder.MaxBitrateKbps
		}
		if err := pipe.SetBitrate(req.TargetKbps, req.MaxKbps); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		slog.Info("httpserv: bitrate updated",
			"target_kbps", req.TargetKbps,
			"max_kbps", req.MaxKbps,
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"target_kbps": req.TargetKbps,
			"max_kbps":    req.MaxKbps,
		})
	}
}

// RestartHandler forces a graph rebuild, mainly for operators chasing a
// wedged camera.
func RestartHandler(pipe Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !pipe.RequestRestart("api request") {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "pipeline not running"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	}
}

// requestLogger logs each control API request on completion. The stream
// endpoint handles its own connect/disconnect logging and does not use it.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("httpserv: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started).Round(time.Microsecond),
			"remote", r.RemoteAddr,
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpserv: response write failed", "error", err)
	}
}
