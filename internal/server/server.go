// Package server exposes the dashboard HTTP API: task tracking,
// conversation and lesson indexes, memory document management, and a
// WebSocket feed of live status snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mobyclaw/dashboard/internal/config"
	"github.com/mobyclaw/dashboard/internal/data"
	"github.com/mobyclaw/dashboard/internal/memory"
)

// Server is the dashboard HTTP server.
type Server struct {
	cfg    *config.Config
	store  *data.Store
	engine *memory.Engine
	live   *LiveHub

	httpServer *http.Server
	startedAt  time.Time
}

// New creates a dashboard server over the given stores.
func New(cfg *config.Config, store *data.Store, engine *memory.Engine) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		startedAt: time.Now(),
	}
	s.live = NewLiveHub(s.statusSnapshot, cfg.Server.LiveInterval)
	return s
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.withCORS(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.live.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.cfg.Server.Port).Msg("dashboard server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("dashboard server stopped")
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.requireAuth(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.requireAuth(s.handleUpdateTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", s.requireAuth(s.handleDeleteTask))
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.requireAuth(s.handleRetryTask))

	// Conversations and lessons
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("POST /api/conversations", s.requireAuth(s.handleLogConversation))
	mux.HandleFunc("GET /api/lessons", s.handleListLessons)
	mux.HandleFunc("POST /api/lessons", s.requireAuth(s.handleAddLesson))

	// Memory document
	mux.HandleFunc("GET /api/memory", s.handleGetMemory)
	mux.HandleFunc("POST /api/memory", s.requireAuth(s.handleReplaceMemory))
	mux.HandleFunc("POST /api/memory/compress", s.requireAuth(s.handleCompressMemory))
	mux.HandleFunc("GET /api/memory/context", s.handleMemoryContext)

	// Status and live feed
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/settings", s.handleSettings)
	mux.HandleFunc("GET /api/live", s.live.HandleWebSocket)

	// Dashboard static assets
	if s.cfg.Server.StaticDir != "" {
		if _, err := os.Stat(s.cfg.Server.StaticDir); err == nil {
			mux.Handle("/", http.FileServer(http.Dir(s.cfg.Server.StaticDir)))
		}
	}
}

// withCORS allows cross-origin access for the browser dashboard.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// TASK HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// handleListTasks serves GET /api/tasks with optional status, priority,
// tag, parent_id, and limit query parameters.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := data.TaskFilter{
		Status:   q.Get("status"),
		Priority: q.Get("priority"),
		Tag:      q.Get("tag"),
		ParentID: q.Get("parent_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	if tasks == nil {
		tasks = []*data.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task data.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := s.store.CreateTask(r.Context(), &task); err != nil {
		writeError(w, http.StatusBadRequest, "CREATE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "GET_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var update data.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	task, err := s.store.UpdateTask(r.Context(), r.PathValue("id"), &update)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "UPDATE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "DELETE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.RetryTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusConflict, "RETRY_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STATS_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION AND LESSON HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// handleConversations serves GET /api/conversations. With a q query
// parameter it searches; otherwise it returns the most recent entries.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var convs []*data.Conversation
	var err error
	if query := r.URL.Query().Get("q"); query != "" {
		convs, err = s.store.SearchConversations(r.Context(), query, limit)
	} else {
		convs, err = s.store.RecentConversations(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	if convs == nil {
		convs = []*data.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs, "count": len(convs)})
}

func (s *Server) handleLogConversation(w http.ResponseWriter, r *http.Request) {
	var conv data.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := s.store.LogConversation(r.Context(), &conv); err != nil {
		writeError(w, http.StatusBadRequest, "LOG_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &conv)
}

func (s *Server) handleListLessons(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	lessons, err := s.store.ListLessons(r.Context(), r.URL.Query().Get("category"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	if lessons == nil {
		lessons = []*data.Lesson{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lessons": lessons, "count": len(lessons)})
}

func (s *Server) handleAddLesson(w http.ResponseWriter, r *http.Request) {
	var lesson data.Lesson
	if err := json.NewDecoder(r.Body).Decode(&lesson); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := s.store.AddLesson(r.Context(), &lesson); err != nil {
		writeError(w, http.StatusBadRequest, "ADD_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &lesson)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Document()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "READ_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content": doc,
		"tokens":  memory.EstimateTokens(doc),
	})
}

func (s *Server) handleReplaceMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := s.engine.ReplaceDocument(req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, "WRITE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "saved",
		"tokens": memory.EstimateTokens(req.Content),
	})
}

func (s *Server) handleCompressMemory(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Compress()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "COMPRESS_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMemoryContext serves GET /api/memory/context with optional
// query and budget parameters.
func (s *Server) handleMemoryContext(w http.ResponseWriter, r *http.Request) {
	budget := 0
	if v := r.URL.Query().Get("budget"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_BUDGET", "budget must be a non-negative integer")
			return
		}
		budget = n
	}

	result, err := s.engine.BuildContext(r.URL.Query().Get("q"), budget)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CONTEXT_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// StatusSnapshot is the payload of /api/status and the live feed.
type StatusSnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Tasks         *data.TaskStats `json:"tasks"`
	Conversations int             `json:"conversations"`
	Lessons       int             `json:"lessons"`
	MemoryTokens  int             `json:"memory_tokens"`
	LiveClients   int             `json:"live_clients"`
}

func (s *Server) statusSnapshot(ctx context.Context) (*StatusSnapshot, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	_, convs, lessons, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	memTokens := 0
	if doc, err := s.engine.Document(); err == nil {
		memTokens = memory.EstimateTokens(doc)
	}

	return &StatusSnapshot{
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Tasks:         stats,
		Conversations: convs,
		Lessons:       lessons,
		MemoryTokens:  memTokens,
		LiveClients:   s.live.ClientCount(),
	}, nil
}

// handleSettings serves a read-only view of the effective deployment
// settings for the dashboard's settings page.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	_, _, lessons, err := s.store.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SETTINGS_FAILED", err.Error())
		return
	}

	fileSize := func(path string) int64 {
		info, err := os.Stat(path)
		if err != nil {
			return 0
		}
		return info.Size()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data_dir":              s.cfg.DataDir,
		"db_path":               filepath.Join(s.cfg.DBDir(), "tasks.db"),
		"db_size":               fileSize(filepath.Join(s.cfg.DBDir(), "tasks.db")),
		"memory_path":           s.cfg.Memory.Path,
		"memory_size":           fileSize(s.cfg.Memory.Path),
		"archive_dir":           s.cfg.Memory.ArchiveDir,
		"default_budget_tokens": s.cfg.Memory.DefaultBudgetTokens,
		"lessons_count":         lessons,
		"auth_enabled":          s.cfg.Server.APITokenHash != "",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.statusSnapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STATUS_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
