package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"auto_feed_publisher/cycle"
	"auto_feed_publisher/generator"
	"auto_feed_publisher/metrics"
	"auto_feed_publisher/model"
	"auto_feed_publisher/queue"
)

// Pinger checks the feed credentials.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API exposes. Feed and Running may be nil.
type Deps struct {
	Queue   *queue.Store
	Cycles  *cycle.Controller
	Prompts *generator.PromptStore
	LLM     *generator.ClientCell
	Feed    Pinger
	Running func() bool
	Logger  *log.Logger
	Verbose bool
}

type Server struct {
	d Deps
}

func New(d Deps) (*Server, error) {
	if d.Queue == nil || d.Cycles == nil {
		return nil, errors.New("queue and cycle controller required")
	}
	if d.Prompts == nil || d.LLM == nil {
		return nil, errors.New("prompt store and llm cell required")
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	return &Server{d: d}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/posts", s.handlePostCreate)
	mux.HandleFunc("GET /api/posts", s.handlePostList)
	mux.HandleFunc("GET /api/posts/stats", s.handlePostStats)
	mux.HandleFunc("GET /api/posts/{id}", s.handlePostGet)
	mux.HandleFunc("PUT /api/posts/{id}", s.handlePostUpdate)
	mux.HandleFunc("DELETE /api/posts/{id}", s.handlePostDelete)
	mux.HandleFunc("POST /api/posts/{id}/reschedule", s.handlePostReschedule)

	mux.HandleFunc("POST /api/cycles", s.handleCycleCreate)
	mux.HandleFunc("GET /api/cycles", s.handleCycleList)
	mux.HandleFunc("GET /api/cycles/{id}", s.handleCycleGet)
	mux.HandleFunc("POST /api/cycles/{id}/start", s.handleCycleStart)
	mux.HandleFunc("POST /api/cycles/{id}/stop", s.handleCycleStop)
	mux.HandleFunc("POST /api/cycles/{id}/reset", s.handleCycleReset)

	mux.HandleFunc("GET /api/prompts", s.handlePromptList)
	mux.HandleFunc("PUT /api/prompts/{key}", s.handlePromptSet)
	mux.HandleFunc("POST /api/prompts/current", s.handlePromptSelect)

	mux.HandleFunc("GET /api/llm", s.handleLLMGet)
	mux.HandleFunc("POST /api/llm", s.handleLLMSet)

	mux.HandleFunc("POST /api/feed/ping", s.handleFeedPing)
	return s.logMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := false
	if s.d.Running != nil {
		running = s.d.Running()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "dispatcher_running": running})
}

// --- Posts ---

type postCreateReq struct {
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	TopicID     string            `json:"topic_id"`
	Category    string            `json:"category"`
	TopicName   string            `json:"topic_name"`
	TopicLink   string            `json:"topic_link"`
	PublishMode model.PublishMode `json:"publish_mode"`
	Delay       *queue.DelayRange `json:"delay,omitempty"`
}

type postUpdateReq struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type rescheduleReq struct {
	DelayMinutes *int `json:"delay_minutes"`
}

func (s *Server) handlePostCreate(w http.ResponseWriter, r *http.Request) {
	var req postCreateReq
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.PublishMode != "" && !req.PublishMode.Valid() {
		writeError(w, http.StatusBadRequest, "unknown publish_mode")
		return
	}
	if req.Delay != nil && !req.Delay.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("delay bounds must be between 0 and %d minutes", queue.MaxDelayMinutes))
		return
	}
	item := &model.ScheduledItem{
		Title: strings.TrimSpace(req.Title),
		Body:  req.Content,
		Target: model.Target{
			TopicID:   req.TopicID,
			Category:  req.Category,
			TopicName: req.TopicName,
			TopicLink: req.TopicLink,
		},
		PublishMode: req.PublishMode,
	}
	id, err := s.d.Queue.EnqueueManual(r.Context(), item, req.Delay)
	if err != nil {
		s.fail(w, err)
		return
	}
	metrics.RecordEnqueue("manual")
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "scheduled_at": item.ScheduledAt})
}

func (s *Server) handlePostList(w http.ResponseWriter, r *http.Request) {
	status := model.ItemStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusPending, model.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending or failed")
		return
	}
	items, err := s.d.Queue.List(r.Context(), status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePostStats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.d.Queue.PendingCount(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	failed, err := s.d.Queue.FailedCount(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": pending, "failed": failed})
}

func (s *Server) handlePostGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.d.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePostUpdate(w http.ResponseWriter, r *http.Request) {
	var req postUpdateReq
	if !decode(w, r, &req) {
		return
	}
	if req.Title == nil && req.Content == nil {
		writeError(w, http.StatusBadRequest, "title or content is required")
		return
	}
	if req.Content != nil && strings.TrimSpace(*req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if err := s.d.Queue.Update(r.Context(), r.PathValue("id"), req.Title, req.Content); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePostDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Queue.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePostReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleReq
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if d := req.DelayMinutes; d != nil && (*d < 0 || *d > queue.MaxDelayMinutes) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("delay_minutes must be between 0 and %d", queue.MaxDelayMinutes))
		return
	}
	id := r.PathValue("id")
	if err := s.d.Queue.Reschedule(r.Context(), id, req.DelayMinutes); err != nil {
		s.fail(w, err)
		return
	}
	item, err := s.d.Queue.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// --- Cycles ---

func (s *Server) handleCycleCreate(w http.ResponseWriter, r *http.Request) {
	var gc model.GenerationCycle
	if !decode(w, r, &gc) {
		return
	}
	if gc.MaxPosts == 0 {
		gc.MaxPosts = model.Unbounded
	}
	if err := s.d.Cycles.CreateCycle(r.Context(), &gc); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gc)
}

func (s *Server) handleCycleList(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.d.Cycles.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleCycleGet(w http.ResponseWriter, r *http.Request) {
	gc, err := s.d.Cycles.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gc)
}

func (s *Server) handleCycleStart(w http.ResponseWriter, r *http.Request) {
	// Generation can outlive the request; the round is bounded by its own timeout.
	ctx := context.WithoutCancel(r.Context())
	s.cycleAction(w, r, func(id string) error { return s.d.Cycles.StartCycle(ctx, id) })
}

func (s *Server) handleCycleStop(w http.ResponseWriter, r *http.Request) {
	s.cycleAction(w, r, func(id string) error { return s.d.Cycles.StopCycle(r.Context(), id) })
}

func (s *Server) handleCycleReset(w http.ResponseWriter, r *http.Request) {
	s.cycleAction(w, r, func(id string) error { return s.d.Cycles.ResetCounters(r.Context(), id) })
}

func (s *Server) cycleAction(w http.ResponseWriter, r *http.Request, action func(id string) error) {
	id := r.PathValue("id")
	if err := action(id); err != nil {
		s.fail(w, err)
		return
	}
	gc, err := s.d.Cycles.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gc)
}

// --- Prompts ---

type promptSetReq struct {
	Text string `json:"text"`
}

type promptSelectReq struct {
	Key string `json:"key"`
}

func (s *Server) handlePromptList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Prompts.List())
}

func (s *Server) handlePromptSet(w http.ResponseWriter, r *http.Request) {
	var req promptSetReq
	if !decode(w, r, &req) {
		return
	}
	if err := s.d.Prompts.Set(r.PathValue("key"), req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePromptSelect(w http.ResponseWriter, r *http.Request) {
	var req promptSelectReq
	if !decode(w, r, &req) {
		return
	}
	if err := s.d.Prompts.Select(req.Key); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- LLM ---

func (s *Server) handleLLMGet(w http.ResponseWriter, r *http.Request) {
	settings, ok := s.d.LLM.Settings()
	writeJSON(w, http.StatusOK, map[string]any{"configured": ok, "settings": settings})
}

func (s *Server) handleLLMSet(w http.ResponseWriter, r *http.Request) {
	var req generator.LLMSettings
	if !decode(w, r, &req) {
		return
	}
	client, err := generator.NewLLM(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.d.LLM.Set(client, req)
	s.d.Logger.Printf("[HTTP] llm switched to %s/%s", req.Provider, req.Model)
	settings, _ := s.d.LLM.Settings()
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleFeedPing(w http.ResponseWriter, r *http.Request) {
	if s.d.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "feed publisher not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.d.Feed.Ping(ctx); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Helpers ---

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, cycle.ErrNotFound), errors.Is(err, generator.ErrUnknownPrompt):
		status = http.StatusNotFound
	case errors.Is(err, cycle.ErrCapReached), errors.Is(err, cycle.ErrInactive), errors.Is(err, cycle.ErrOutstanding):
		status = http.StatusConflict
	case errors.Is(err, cycle.ErrConfig):
		status = http.StatusBadRequest
	case errors.Is(err, cycle.ErrGeneration):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.d.Logger.Printf("[HTTP] ERROR: %v", err)
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.d.Verbose || rec.status >= http.StatusInternalServerError {
			s.d.Logger.Printf("[HTTP] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
		}
	})
}
