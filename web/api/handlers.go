package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Lunary1/lunar-bot/internal/botmanager"
	"github.com/Lunary1/lunar-bot/internal/domain"
	"github.com/Lunary1/lunar-bot/internal/monitor"
	"github.com/Lunary1/lunar-bot/internal/pipeline"
	"github.com/Lunary1/lunar-bot/internal/taskstore"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	ProductID      string   `json:"product_id"`
	StoreAccountID string   `json:"store_account_id"`
	ProxyID        string   `json:"proxy_id,omitempty"`
	Priority       int      `json:"priority"`
	Quantity       int      `json:"quantity"`
	MaxPrice       *float64 `json:"max_price,omitempty"`
	Status         string   `json:"status"`
	RetryCount     int      `json:"retry_count"`
	OrderRef       string   `json:"order_ref,omitempty"`
	PricePaid      *float64 `json:"price_paid,omitempty"`
	Error          string   `json:"error,omitempty"`
	CreatedAt      string   `json:"created_at"`
	StartedAt      *string  `json:"started_at,omitempty"`
	CompletedAt    *string  `json:"completed_at,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Tasks       map[string]int `json:"tasks"`
	TotalTasks  int            `json:"total_tasks"`
	Bots        int            `json:"bots"`
	BotsRunning int            `json:"bots_running"`
	Uptime      string         `json:"uptime"`
}

// CreateTaskRequest is the body of POST /api/tasks
type CreateTaskRequest struct {
	UserID         string   `json:"user_id"`
	ProductID      string   `json:"product_id"`
	StoreAccountID string   `json:"store_account_id,omitempty"` // defaults to the user's active account for the store
	ProxyID        string   `json:"proxy_id,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	Quantity       int      `json:"quantity,omitempty"`
	MaxPrice       *float64 `json:"max_price,omitempty"`
}

// HealthResponse is the API response for health
type HealthResponse struct {
	Status   string              `json:"status"`
	Database string              `json:"database"`
	Bots     []botmanager.Health `json:"bots"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		UserID:         t.UserID,
		ProductID:      t.ProductID,
		StoreAccountID: t.StoreAccountID,
		ProxyID:        t.ProxyID,
		Priority:       int(t.Priority),
		Quantity:       t.Quantity,
		MaxPrice:       t.MaxPrice,
		Status:         string(t.Status),
		RetryCount:     t.RetryCount,
		OrderRef:       t.OrderRef,
		PricePaid:      t.PricePaid,
		Error:          t.ErrorMessage,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		StartedAt:      formatTime(t.StartedAt),
		CompletedAt:    formatTime(t.CompletedAt),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.store.CountTasksByStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Tasks:  make(map[string]int, len(counts)),
			Uptime: time.Since(s.started).Round(time.Second).String(),
		}
		for st, n := range counts {
			status.Tasks[string(st)] = n
			status.TotalTasks += n
		}
		for _, b := range s.bots.ListBots() {
			status.Bots++
			if b.State == botmanager.StateRunning {
				status.BotsRunning++
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) listBotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bots := s.bots.ListBots()
		if bots == nil {
			bots = []botmanager.Info{}
		}
		writeJSON(w, bots)
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.bots.GetSystemMetrics())
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Database: "ok", Bots: s.bots.HealthCheck()}
		if resp.Bots == nil {
			resp.Bots = []botmanager.Health{}
		}
		code := http.StatusOK
		if err := s.store.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSONStatus(w, code, resp)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := taskstore.ListOptions{
			UserID: q.Get("user_id"),
			Status: domain.TaskStatus(q.Get("status")),
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			opts.Limit = n
		}

		tasks, err := s.store.ListTasks(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]TaskResponse, len(tasks))
		for i, t := range tasks {
			responses[i] = taskToResponse(t)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			storeError(w, err, "task")
			return
		}
		writeJSON(w, taskToResponse(task))
	}
}

func (s *Server) createTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.UserID == "" || req.ProductID == "" {
			writeError(w, http.StatusBadRequest, "user_id and product_id are required")
			return
		}
		ctx := r.Context()

		product, err := s.store.GetProduct(ctx, req.ProductID)
		if err != nil {
			storeError(w, err, "product")
			return
		}
		accountID := req.StoreAccountID
		if accountID != "" {
			account, err := s.store.GetStoreAccount(ctx, accountID)
			if errors.Is(err, taskstore.ErrNotFound) {
				writeError(w, http.StatusUnprocessableEntity, "store account not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			switch {
			case account.UserID != req.UserID:
				writeError(w, http.StatusForbidden, "store account belongs to another user")
				return
			case account.StoreType != product.StoreType:
				writeError(w, http.StatusUnprocessableEntity, "store account is for "+string(account.StoreType)+", product is on "+string(product.StoreType))
				return
			case !account.IsActive:
				writeError(w, http.StatusUnprocessableEntity, "store account is inactive")
				return
			}
		} else {
			account, err := s.store.FindActiveStoreAccount(ctx, req.UserID, product.StoreType)
			if errors.Is(err, taskstore.ErrNotFound) {
				writeError(w, http.StatusUnprocessableEntity, "no active store account for "+string(product.StoreType))
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			accountID = account.ID
		}

		priority := domain.Priority(req.Priority)
		if priority == 0 {
			priority = domain.PriorityNormal
		}
		task := &domain.Task{
			UserID:         req.UserID,
			ProductID:      req.ProductID,
			StoreAccountID: accountID,
			ProxyID:        req.ProxyID,
			Priority:       priority,
			Quantity:       req.Quantity,
			MaxPrice:       req.MaxPrice,
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if _, err := pipeline.Submit(ctx, s.broker, pipeline.PayloadFor(task, "")); err != nil {
			if _, terr := s.store.TransitionTask(ctx, task.ID, domain.TaskFailed); terr != nil {
				s.log.WithError(terr).WithField("task_id", task.ID).Warn("Failed to fail unsubmitted task")
			}
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		resp := taskToResponse(task)
		s.Broadcast(SSEEvent{Type: "task_update", Data: resp})
		writeJSONStatus(w, http.StatusCreated, resp)
	}
}

func (s *Server) cancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.store.TransitionTask(r.Context(), r.PathValue("id"), domain.TaskCancelled)
		if err != nil {
			storeError(w, err, "task")
			return
		}
		resp := taskToResponse(task)
		s.Broadcast(SSEEvent{Type: "task_update", Data: resp})
		writeJSON(w, resp)
	}
}

func (s *Server) scheduleWatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.monitor == nil {
			writeError(w, http.StatusServiceUnavailable, "monitoring is disabled")
			return
		}
		ctx := r.Context()
		item, err := s.store.GetWatchlistItem(ctx, r.PathValue("id"))
		if err != nil {
			storeError(w, err, "watchlist item")
			return
		}
		if item.Status == domain.WatchPaused {
			if err := s.store.UpdateWatchStatus(ctx, item.ID, domain.WatchMonitoring); err != nil {
				storeError(w, err, "watchlist item")
				return
			}
			item.Status = domain.WatchMonitoring
		}
		if err := s.monitor.ScheduleItem(ctx, item); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "scheduled", "job_id": monitor.ItemJobID(item.ID)})
	}
}

func (s *Server) unscheduleWatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.monitor == nil {
			writeError(w, http.StatusServiceUnavailable, "monitoring is disabled")
			return
		}
		ctx := r.Context()
		id := r.PathValue("id")
		if err := s.store.UpdateWatchStatus(ctx, id, domain.WatchPaused); err != nil {
			storeError(w, err, "watchlist item")
			return
		}
		if err := s.monitor.UnscheduleItem(ctx, id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "paused"})
	}
}
