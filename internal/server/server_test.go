package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mobyclaw/dashboard/internal/config"
	"github.com/mobyclaw/dashboard/internal/data"
	"github.com/mobyclaw/dashboard/internal/memory"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Memory.Path = filepath.Join(dir, "MEMORY.md")
	cfg.Memory.ArchiveDir = filepath.Join(dir, "archives")
	cfg.Memory.InnerStatePath = filepath.Join(dir, "inner-state.md")

	store, err := data.NewDB(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	docs := memory.NewDocumentStore(cfg.Memory.Path, cfg.Memory.ArchiveDir, cfg.Memory.InnerStatePath)
	engine := memory.NewEngine(docs, memory.DefaultConfig())

	srv := New(cfg, store, engine)
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	ts := httptest.NewServer(srv.withCORS(mux))
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestTaskEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	var created data.Task
	t.Run("create", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/tasks", map[string]interface{}{
			"title":    "deploy dashboard",
			"priority": "high",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		decodeBody(t, resp, &created)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "todo", created.Status)
	})

	t.Run("create rejects empty title", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/tasks", map[string]interface{}{})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/tasks?priority=high")
		require.NoError(t, err)
		var body struct {
			Tasks []*data.Task `json:"tasks"`
			Count int          `json:"count"`
		}
		decodeBody(t, resp, &body)
		assert.Equal(t, 1, body.Count)
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/tasks/" + created.ID)
		require.NoError(t, err)
		var task data.Task
		decodeBody(t, resp, &task)
		assert.Equal(t, "deploy dashboard", task.Title)
		assert.NotEmpty(t, task.History)
	})

	t.Run("get missing returns 404", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/tasks/task_nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("update", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"status": "done"})
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/tasks/"+created.ID, bytes.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		var task data.Task
		decodeBody(t, resp, &task)
		assert.Equal(t, "done", task.Status)
		assert.NotNil(t, task.CompletedAt)
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/tasks/stats")
		require.NoError(t, err)
		var stats data.TaskStats
		decodeBody(t, resp, &stats)
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, 1, stats.ByStatus["done"])
	})

	t.Run("retry refuses non-failed", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/tasks/"+created.ID+"/retry", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/tasks/"+created.ID, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		getResp, err := http.Get(ts.URL + "/api/tasks/" + created.ID)
		require.NoError(t, err)
		defer getResp.Body.Close()
		assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	})
}

func TestConversationEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]interface{}{
		"summary": "discussed retry backoff",
		"topics":  []string{"retries"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	searchResp, err := http.Get(ts.URL + "/api/conversations?q=backoff")
	require.NoError(t, err)
	var body struct {
		Count int `json:"count"`
	}
	decodeBody(t, searchResp, &body)
	assert.Equal(t, 1, body.Count)
}

func TestLessonEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/lessons", map[string]interface{}{
		"lesson":   "verify archives before compressing",
		"category": "memory",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp, err := http.Get(ts.URL + "/api/lessons?category=memory")
	require.NoError(t, err)
	var body struct {
		Lessons []*data.Lesson `json:"lessons"`
	}
	decodeBody(t, listResp, &body)
	require.Len(t, body.Lessons, 1)
	assert.Equal(t, "info", body.Lessons[0].Severity)
}

func TestMemoryEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	doc := "## Identity\nI am the dashboard agent.\n\n" +
		"## Active Task (cleanup)\n**Status:** DONE\nFinished.\n\n" +
		"## Research Log\nNotes from 2026-01-15.\n"

	t.Run("replace", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/memory", map[string]string{"content": doc})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/memory")
		require.NoError(t, err)
		var body struct {
			Content string `json:"content"`
			Tokens  int    `json:"tokens"`
		}
		decodeBody(t, resp, &body)
		assert.Equal(t, doc, body.Content)
		assert.Equal(t, len(doc)/4, body.Tokens)
	})

	t.Run("context", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/memory/context?q=research&budget=1000")
		require.NoError(t, err)
		var result memory.ContextResult
		decodeBody(t, resp, &result)
		assert.Equal(t, 1000, result.BudgetTokens)
		assert.Equal(t, 3, result.SectionsTotal)
		assert.NotEmpty(t, result.Context)
	})

	t.Run("context rejects bad budget", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/memory/context?budget=nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("compress archives terminal tasks", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/memory/compress", nil)
		var result memory.CompressResult
		decodeBody(t, resp, &result)
		assert.Equal(t, 1, result.Archived)

		getResp, err := http.Get(ts.URL + "/api/memory")
		require.NoError(t, err)
		var body struct {
			Content string `json:"content"`
		}
		decodeBody(t, getResp, &body)
		assert.NotContains(t, body.Content, "Active Task (cleanup)")
	})
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]string{"title": "one"})
	resp.Body.Close()

	statusResp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	var snapshot StatusSnapshot
	decodeBody(t, statusResp, &snapshot)
	assert.Equal(t, 1, snapshot.Tasks.Total)
	assert.Equal(t, 0, snapshot.LiveClients)
	assert.False(t, snapshot.Timestamp.IsZero())
}

func TestSettingsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/settings")
	require.NoError(t, err)
	var settings map[string]interface{}
	decodeBody(t, resp, &settings)
	assert.NotEmpty(t, settings["data_dir"])
	assert.Equal(t, false, settings["auth_enabled"])
	assert.Equal(t, float64(0), settings["lessons_count"])
}

func TestAuthMiddleware(t *testing.T) {
	srv, ts := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	require.NoError(t, err)
	srv.cfg.Server.APITokenHash = string(hash)

	t.Run("mutations rejected without token", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/tasks", map[string]string{"title": "x"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/tasks", bytes.NewReader([]byte(`{"title":"x"}`)))
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token accepted", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/tasks", bytes.NewReader([]byte(`{"title":"x"}`)))
		req.Header.Set("Authorization", "Bearer secret-token")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("reads stay open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/tasks")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStaticDirMissingIsIgnored(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Server.StaticDir = filepath.Join(os.TempDir(), "does-not-exist-"+time.Now().Format("150405"))

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
