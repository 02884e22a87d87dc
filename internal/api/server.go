// Package api serves the controller's state over HTTP and streams its events
// over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

// Version is reported by the health endpoint.
var Version = "dev"

// StatusProvider exposes the controller state.
type StatusProvider interface {
	Status() controller.Status
}

// ProcessProbe reports whether the render process is running.
type ProcessProbe func(ctx context.Context) (bool, error)

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	status   StatusProvider
	probe    ProcessProbe
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. probe may be nil.
func NewServer(status StatusProvider, hub *Hub, probe ProcessProbe) *Server {
	s := &Server{
		router: mux.NewRouter(),
		status: status,
		probe:  probe,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/monitors", s.handleMonitors).Methods("GET")
	api.HandleFunc("/regions/{region}", s.handleRegion).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	log := logger.WithComponent("api")

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Status API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": Version,
	}

	if s.probe != nil {
		running, err := s.probe(r.Context())
		if err != nil {
			resp["render_process_error"] = err.Error()
		} else {
			resp["render_process_running"] = running
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

type monitorReport struct {
	visibility.MonitorSnapshot
	Percent float64 `json:"percent"`
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	monitors := s.status.Status().Monitors
	out := make([]monitorReport, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, monitorReport{MonitorSnapshot: m, Percent: m.Percent()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	key := visibility.RegionKey(mux.Vars(r)["region"])
	for _, region := range s.status.Status().Regions {
		if region.Region == key {
			writeJSON(w, http.StatusOK, region)
			return
		}
	}
	http.Error(w, fmt.Sprintf("unknown region %q", key), http.StatusNotFound)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(events)

	// Detect client close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	// Current state first so clients need not poll /status
	if err := conn.WriteJSON(s.status.Status()); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}
