package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"cronflow/internal/cronexpr"
	"cronflow/internal/dispatch"
	"cronflow/internal/domain"
)

type Registrar interface {
	Register(ctx context.Context, req dispatch.Registration) (string, bool, error)
}

type Engine interface {
	Delete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (map[domain.Status]int, error)
	ExecutorType() string
}

type Reader interface {
	FindByID(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.Filter, p domain.Page) (domain.PageResult, error)
	ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error)
	FindActiveByOwner(ctx context.Context, owner, key string) (domain.Task, error)
	CountActiveByOwner(ctx context.Context, owner string) (int, error)
}

type Options struct {
	InputValidation  bool
	AuditLogging     bool
	MaxMessageLength int
	MaxTasksPerOwner int
	// RateLimit caps task registrations per second; zero disables it.
	RateLimit float64
	RateBurst int
	Debug     bool
}

type Server struct {
	r      *chi.Mux
	reg    Registrar
	engine Engine
	reader Reader
	opts   Options
}

func NewServer(reg Registrar, engine Engine, reader Reader, opts Options) http.Handler {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 1000
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, reg: reg, engine: engine, reader: reader, opts: opts}

	r.Get("/ping", s.ping)
	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/tasks", func(r chi.Router) {
		r.With(rateLimit(opts.RateLimit, opts.RateBurst)).Post("/", s.registerTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Get("/{id}/attempts", s.listAttempts)
		r.Delete("/{id}", s.deleteTask)
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
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func rateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "DOWN",
			"error":  err.Error(),
		})
		return
	}
	resp := map[string]any{
		"status":        "UP",
		"executor":      s.engine.ExecutorType(),
		"pending_tasks": stats[domain.StatusPending],
		"running_tasks": stats[domain.StatusRunning],
		"failed_tasks":  stats[domain.StatusFailed],
		"total_tasks":   sum(stats),
		"last_check":    time.Now().UTC().Format(time.RFC3339),
	}
	// many running tasks usually means they are stuck
	if running := stats[domain.StatusRunning]; running > 10 {
		resp["status"] = "WARN"
		resp["warning"] = fmt.Sprintf("high number of running tasks: %d", running)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	keys := make([]string, 0, len(stats))
	for st := range stats {
		keys = append(keys, string(st))
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("cronflow_up 1\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "cronflow_tasks{status=%q} %d\n", k, stats[domain.Status(k)])
	}
	fmt.Fprintf(&b, "cronflow_executor_info{type=%q} 1\n", s.engine.ExecutorType())

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type registerReq struct {
	Owner          string `json:"owner"`
	Message        string `json:"message"`
	Schedule       string `json:"schedule"`
	IdempotencyKey string `json:"idempotency_key"`
}

type registerResp struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

func (s *Server) registerTask(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	req.Owner = strings.TrimSpace(req.Owner)
	req.Schedule = strings.TrimSpace(req.Schedule)

	if err := s.validateRegistration(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Schedule != "" {
		if err := cronexpr.Validate(req.Schedule); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if s.opts.MaxTasksPerOwner > 0 {
		n, err := s.reader.CountActiveByOwner(r.Context(), req.Owner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n >= s.opts.MaxTasksPerOwner {
			// an idempotent replay of an existing registration is still fine
			if _, err := s.reader.FindActiveByOwner(r.Context(), req.Owner, req.IdempotencyKey); err != nil {
				http.Error(w, fmt.Sprintf("owner has reached the limit of %d tasks", s.opts.MaxTasksPerOwner), http.StatusConflict)
				return
			}
		}
	}

	id, created, err := s.reg.Register(r.Context(), dispatch.Registration{
		Owner:    req.Owner,
		Payload:  req.Message,
		Key:      req.IdempotencyKey,
		Schedule: req.Schedule,
	})
	if err != nil {
		log.Error().Err(err).Str("owner", req.Owner).Msg("register task failed")
		http.Error(w, "failed to register task", http.StatusInternalServerError)
		return
	}
	s.audit("register", req.Owner, fmt.Sprintf("task_id=%s created=%t", id, created))

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, registerResp{ID: id, Created: created})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid task id (UUID expected)", http.StatusBadRequest)
		return
	}
	deleted, err := s.engine.Delete(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("delete task failed")
		http.Error(w, "failed to delete task", http.StatusInternalServerError)
		return
	}
	if !deleted {
		log.Warn().Str("task_id", id).Msg("delete: not found or already deleted")
	}
	s.audit("delete", "", fmt.Sprintf("task_id=%s deleted=%t", id, deleted))
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

type taskView struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Message        string     `json:"message"`
	Schedule       string     `json:"schedule"`
	Status         string     `json:"status"`
	ExecutionCount int        `json:"execution_count"`
	Failures       int        `json:"failures"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func viewOf(t domain.Task) taskView {
	return taskView{
		ID:             t.ID,
		Owner:          t.Owner,
		IdempotencyKey: t.IdempotencyKey,
		Message:        t.Payload,
		Schedule:       t.Schedule,
		Status:         strings.ToUpper(string(t.Status)),
		ExecutionCount: t.ExecutionCount,
		Failures:       t.Failures,
		NextFireAt:     t.NextFireAt,
		LastExecutedAt: t.LastExecutedAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

type listResp struct {
	Tasks    []taskView `json:"tasks"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	HasNext  bool       `json:"has_next"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.Filter
	f.Owner = q.Get("owner")
	if raw := q.Get("status"); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			http.Error(w, "invalid status filter", http.StatusBadRequest)
			return
		}
		f.Status = st
	}
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	if size > 100 {
		size = 100
	}

	res, err := s.reader.List(r.Context(), f, domain.Page{Number: page, Size: size})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := listResp{Tasks: make([]taskView, 0, len(res.Tasks)), Total: res.Total, Page: res.Page, PageSize: res.Size, HasNext: res.HasNext}
	for _, t := range res.Tasks {
		out.Tasks = append(out.Tasks, viewOf(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.reader.FindByID(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

type attemptView struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.reader.FindByID(r.Context(), id); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := s.reader.ListAttempts(r.Context(), id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{StartedAt: a.StartedAt, FinishedAt: a.FinishedAt, Success: a.Success, Error: a.Error})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) audit(op, owner, details string) {
	if !s.opts.AuditLogging {
		return
	}
	log.Info().
		Bool("audit", true).
		Str("operation", op).
		Str("owner", owner).
		Str("details", details).
		Msg("audit")
}

func sum(m map[domain.Status]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
