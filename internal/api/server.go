package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"cronhook/internal/domain"
	"cronhook/internal/scheduler"
	"cronhook/internal/store"
)

// SchedulerStatus is the read-only view of the scheduler exposed on /health.
type SchedulerStatus interface {
	IsRunning() bool
	LastCheck() time.Time
}

type Options struct {
	APIToken    string   // empty disables authentication
	Debug       bool     // mounts pprof under /debug/pprof
	CORSOrigins []string // browser origins allowed to call the API; empty disables CORS
}

type Server struct {
	r     *chi.Mux
	repo  store.Repository
	sched SchedulerStatus
}

func NewServer(repo store.Repository, sched SchedulerStatus, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s := &Server{r: r, repo: repo, sched: sched}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(opts.APIToken))

		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Put("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Get("/tasks/{id}/logs", s.listLogsByTask)

		r.Post("/task-logs", s.createLog)
		r.Get("/task-logs", s.listLogs)
		r.Get("/task-logs/{id}", s.getLog)
		r.Put("/task-logs/{id}", s.updateLog)
		r.Delete("/task-logs/{id}", s.deleteLog)
	})

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "invalid or missing token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.sched != nil {
		resp["scheduler_running"] = s.sched.IsRunning()
		if lc := s.sched.LastCheck(); !lc.IsZero() {
			resp["last_check"] = lc.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	running := 0
	if s.sched != nil && s.sched.IsRunning() {
		running = 1
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "cronhook_up 1\ncronhook_scheduler_running %d\n", running)
}

type taskReq struct {
	Name       *string         `json:"name"`
	Schedule   *string         `json:"schedule"`
	WebhookURL *string         `json:"webhook_url"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetry   *int            `json:"max_retry"`
	Status     *string         `json:"status"`
}

type taskListResp struct {
	Tasks []domain.Task `json:"tasks"`
	Total int           `json:"total"`
	Skip  int           `json:"skip"`
	Limit int           `json:"limit"`
}

type logListResp struct {
	TaskLogs []domain.TaskLog `json:"task_logs"`
	Total    int              `json:"total"`
	Skip     int              `json:"skip"`
	Limit    int              `json:"limit"`
}

// apply copies the fields present in req onto t and validates the result.
func (req taskReq) apply(t *domain.Task) error {
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Schedule != nil {
		if err := scheduler.ValidateCronExpression(*req.Schedule); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		t.Schedule = *req.Schedule
	}
	if req.WebhookURL != nil {
		if !strings.HasPrefix(*req.WebhookURL, "http://") && !strings.HasPrefix(*req.WebhookURL, "https://") {
			return errors.New("webhook_url must be an http(s) URL")
		}
		t.WebhookURL = *req.WebhookURL
	}
	if req.Payload != nil {
		p, err := normalizePayload(req.Payload)
		if err != nil {
			return err
		}
		t.Payload = p
	}
	if req.MaxRetry != nil {
		if *req.MaxRetry <= 0 {
			return errors.New("max_retry must be positive")
		}
		t.MaxRetry = *req.MaxRetry
	}
	if req.Status != nil {
		st := domain.TaskStatus(*req.Status)
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", *req.Status)
		}
		t.Status = st
	}
	return nil
}

// normalizePayload accepts a JSON object or null.
func normalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == nil || req.Schedule == nil || req.WebhookURL == nil {
		http.Error(w, "name, schedule and webhook_url are required", http.StatusBadRequest)
		return
	}

	t := domain.Task{MaxRetry: domain.DefaultMaxRetry, Status: domain.TaskActive}
	if err := req.apply(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := s.repo.CreateTask(r.Context(), t)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Info().Str("task_id", created.ID).Str("task_name", created.Name).Str("schedule", created.Schedule).Msg("task created")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	skip, limit := pageParams(r)
	f := store.TaskFilter{
		Status: domain.TaskStatus(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
		Skip:   skip,
		Limit:  limit,
	}
	tasks, total, err := s.repo.ListTasks(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, taskListResp{Tasks: tasks, Total: total, Skip: skip, Limit: limit})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	// Get existing task
	t, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.apply(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := s.repo.UpdateTask(r.Context(), t)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteTask(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Info().Str("task_id", id).Msg("task deleted")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted successfully"})
}

func (s *Server) listLogsByTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetTask(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.writeLogs(w, r, id)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	s.writeLogs(w, r, r.URL.Query().Get("task_id"))
}

func (s *Server) writeLogs(w http.ResponseWriter, r *http.Request, taskID string) {
	skip, limit := pageParams(r)
	logs, total, err := s.repo.ListTaskLogs(r.Context(), store.LogFilter{
		TaskID: taskID,
		Status: domain.LogStatus(r.URL.Query().Get("status")),
		Skip:   skip,
		Limit:  limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.TaskLog{}
	}
	writeJSON(w, http.StatusOK, logListResp{TaskLogs: logs, Total: total, Skip: skip, Limit: limit})
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	l, err := s.repo.GetTaskLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type logReq struct {
	TaskID        *string    `json:"task_id"`
	ExecutionTime *time.Time `json:"execution_time"`
	Status        *string    `json:"status"`
	RetryCount    *int       `json:"retry_count"`
	Message       *string    `json:"message"`
}

func (req logReq) apply(l *domain.TaskLog) {
	if req.TaskID != nil {
		l.TaskID = *req.TaskID
	}
	if req.ExecutionTime != nil {
		l.ExecutionTime = *req.ExecutionTime
	}
	if req.Status != nil {
		l.Status = domain.LogStatus(*req.Status)
	}
	if req.RetryCount != nil {
		l.RetryCount = *req.RetryCount
	}
	if req.Message != nil {
		l.Message = *req.Message
	}
}

// checkLogTask makes sure the log points at an existing task.
func (s *Server) checkLogTask(w http.ResponseWriter, r *http.Request, taskID string) bool {
	_, err := s.repo.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, fmt.Sprintf("task %q does not exist", taskID), http.StatusBadRequest)
		return false
	}
	if err != nil {
		writeStoreError(w, err)
		return false
	}
	return true
}

func (s *Server) createLog(w http.ResponseWriter, r *http.Request) {
	var req logReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TaskID == nil || req.Status == nil {
		http.Error(w, "task_id and status are required", http.StatusBadRequest)
		return
	}

	var l domain.TaskLog
	req.apply(&l)
	if err := store.ValidateTaskLog(l); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.checkLogTask(w, r, l.TaskID) {
		return
	}
	id, err := s.repo.AppendTaskLog(r.Context(), l)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	created, err := s.repo.GetTaskLog(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateLog(w http.ResponseWriter, r *http.Request) {
	l, err := s.repo.GetTaskLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req logReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prevTask := l.TaskID
	req.apply(&l)
	if err := store.ValidateTaskLog(l); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if l.TaskID != prevTask && !s.checkLogTask(w, r, l.TaskID) {
		return
	}

	updated, err := s.repo.UpdateTaskLog(r.Context(), l)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteLog(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteTaskLog(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task log deleted successfully"})
}

const defaultPageLimit = 100

func pageParams(r *http.Request) (skip, limit int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	if skip < 0 {
		skip = 0
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}
	return skip, limit
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTask), errors.Is(err, store.ErrInvalidLog):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("store error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
