// Package api serves the JSON HTTP API over the registry, task store and monitor.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/botmanager"
	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/queue"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
)

// Store interface for database operations
type Store interface {
	Ping(ctx context.Context) error
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error)
	TransitionTask(ctx context.Context, id string, to domain.TaskStatus) (*domain.Task, error)
	CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	FindActiveStoreAccount(ctx context.Context, userID string, storeType domain.StoreType) (*domain.StoreAccount, error)
	GetStoreAccount(ctx context.Context, id string) (*domain.StoreAccount, error)
	GetWatchlistItem(ctx context.Context, id string) (*domain.WatchlistItem, error)
	UpdateWatchStatus(ctx context.Context, id string, status domain.WatchStatus) error
}

// Registry is the bot registry view the API reports on
type Registry interface {
	ListBots() []botmanager.Info
	HealthCheck() []botmanager.Health
	GetSystemMetrics() botmanager.SystemMetrics
}

// Monitor schedules per-item watchlist checks
type Monitor interface {
	ScheduleItem(ctx context.Context, item *domain.WatchlistItem) error
	UnscheduleItem(ctx context.Context, itemID string) error
}

// Server is the HTTP API server
type Server struct {
	store   Store
	bots    Registry
	broker  queue.Broker
	monitor Monitor
	log     *logrus.Logger
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
	started time.Time
}

// NewServer creates a new API server. monitor may be nil when monitoring is disabled.
func NewServer(store Store, bots Registry, broker queue.Broker, monitor Monitor, addr string, log *logrus.Logger) *Server {
	s := &Server{
		store:   store,
		bots:    bots,
		broker:  broker,
		monitor: monitor,
		log:     log,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/bots", s.listBotsHandler())
	s.mux.HandleFunc("GET /api/metrics", s.metricsHandler())
	s.mux.HandleFunc("GET /api/health", s.healthHandler())
	s.mux.HandleFunc("GET /api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("POST /api/tasks", s.createTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTaskHandler())
	s.mux.HandleFunc("POST /api/watchlist/{id}/schedule", s.scheduleWatchHandler())
	s.mux.HandleFunc("DELETE /api/watchlist/{id}/schedule", s.unscheduleWatchHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
}

// SetMonitor attaches the watchlist scheduler. It must be called before Run.
func (s *Server) SetMonitor(m Monitor) {
	s.monitor = m
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{Addr: s.addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// storeError maps store errors to a status code
func storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
