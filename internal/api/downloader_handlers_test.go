package api_test

// Integration tests for the downloader API endpoints, run against a full
// core.App with a fake source.
import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mango-archiver/internal/api"
	"github.com/vrsandeep/mango-archiver/internal/core"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/testutil"
)

type testEnv struct {
	app    *core.App
	src    *testutil.FakeSource
	router http.Handler
}

func setupTestServer(t *testing.T, chapters, pages int) *testEnv {
	t.Helper()
	app := testutil.StartTestApp(t)
	src := testutil.NewFakeSource(t, "fake", chapters, pages)
	app.RegisterProvider(src)
	return &testEnv{app: app, src: src, router: api.NewServer(app).Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) schedule(t *testing.T, payload map[string]any) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/downloads", payload)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.IDs, 1)
	return resp.IDs[0]
}

func (e *testEnv) await(t *testing.T, id string) *models.DownloadRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := e.app.Downloads().Await(ctx, id)
	require.NoError(t, err)
	return rec
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestProviderHandlers(t *testing.T) {
	env := setupTestServer(t, 3, 2)

	t.Run("List Providers", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/providers", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		list := decode[[]models.ProviderInfo](t, rr)
		var ids []string
		for _, p := range list {
			ids = append(ids, p.ID)
		}
		assert.Equal(t, []string{"fake", "mangadex", "mockadex", "weebcentral"}, ids)
	})

	t.Run("Search", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/providers/fake/search?q=anything", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		results := decode[[]models.SearchResult](t, rr)
		require.Len(t, results, 1)
		assert.Equal(t, "/manga/1", results[0].URL)
	})

	t.Run("Search requires a query", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/providers/fake/search", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Unknown provider", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/providers/nope/search?q=x", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Get Details", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/providers/fake/manga?url=/manga/1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		manga := decode[models.Manga](t, rr)
		assert.Equal(t, "Fake Manga", manga.Title)
		assert.Len(t, manga.Chapters, 3)
	})
}

func TestDownloadLifecycle(t *testing.T) {
	env := setupTestServer(t, 3, 2)

	id := env.schedule(t, map[string]any{"provider_id": "fake", "url": "/manga/1"})
	rec := env.await(t, id)
	require.Equal(t, models.StatusCompleted, rec.Status, rec.Message)

	t.Run("Get Download", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/downloads/"+id, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		got := decode[models.DownloadRecord](t, rr)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.ElementsMatch(t, []int64{1, 2, 3}, got.DownloadedChapters)
	})

	t.Run("List Downloads by status", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/downloads?status=completed", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[[]models.DownloadRecord](t, rr), 1)

		rr = env.do(t, http.MethodGet, "/api/downloads?status=queued", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
	})

	t.Run("Read Back Archive", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/archives/1", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode[struct {
			Path  string       `json:"path"`
			Manga models.Manga `json:"manga"`
		}](t, rr)
		assert.True(t, strings.HasSuffix(resp.Path, "Fake Manga.cbz"), resp.Path)
		assert.Len(t, resp.Manga.Chapters, 3)
	})

	t.Run("Control Finished Task", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/downloads/"+id+"/action", map[string]string{"action": "pause"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("Remove Completed", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/downloads/action", map[string]string{"action": "remove_completed"})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, float64(1), decode[map[string]any](t, rr)["removed"])

		rr = env.do(t, http.MethodGet, "/api/downloads/"+id, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestScheduleSelection(t *testing.T) {
	env := setupTestServer(t, 4, 1)

	t.Run("First Chapters", func(t *testing.T) {
		id := env.schedule(t, map[string]any{
			"provider_id": "fake",
			"url":         "/manga/1",
			"selection":   map[string]any{"type": "first_chapters", "count": 2, "branch": "en"},
		})
		rec := env.await(t, id)
		require.Equal(t, models.StatusCompleted, rec.Status, rec.Message)
		assert.Equal(t, []int64{1, 2}, rec.Task.ChapterIDs)
	})

	t.Run("Unread Chapters", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/history", map[string]int64{"manga_id": 1, "chapter_id": 2})
		require.Equal(t, http.StatusNoContent, rr.Code)

		rr = env.do(t, http.MethodGet, "/api/history", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, map[string]int64{"1": 2}, decode[map[string]int64](t, rr))

		id := env.schedule(t, map[string]any{
			"provider_id": "fake",
			"url":         "/manga/1",
			"format":      "dir",
			"selection":   map[string]any{"type": "unread_chapters", "count": 5},
		})
		rec := env.await(t, id)
		require.Equal(t, models.StatusCompleted, rec.Status, rec.Message)
		assert.Equal(t, []int64{2, 3, 4}, rec.Task.ChapterIDs)

		rr = env.do(t, http.MethodGet, "/api/archives/1?format=dir", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("Invalid Requests", func(t *testing.T) {
		cases := []struct {
			name    string
			payload map[string]any
			code    int
		}{
			{"missing url", map[string]any{"provider_id": "fake"}, http.StatusBadRequest},
			{"unknown provider", map[string]any{"provider_id": "nope", "url": "/manga/1"}, http.StatusNotFound},
			{"bad format", map[string]any{"provider_id": "fake", "url": "/manga/1", "format": "pdf"}, http.StatusBadRequest},
			{"bad selection", map[string]any{"provider_id": "fake", "url": "/manga/1", "selection": map[string]any{"type": "random"}}, http.StatusBadRequest},
			{"empty branch", map[string]any{"provider_id": "fake", "url": "/manga/1", "selection": map[string]any{"type": "whole_branch", "branch": "fr"}}, http.StatusBadRequest},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				rr := env.do(t, http.MethodPost, "/api/downloads", tc.payload)
				assert.Equal(t, tc.code, rr.Code, rr.Body.String())
			})
		}
	})
}

func TestTaskControl(t *testing.T) {
	env := setupTestServer(t, 2, 2)

	id := env.schedule(t, map[string]any{"provider_id": "fake", "url": "/manga/1", "is_paused": true})

	rr := env.do(t, http.MethodGet, "/api/downloads/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusPaused, decode[models.DownloadRecord](t, rr).Status)

	t.Run("Invalid Action", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/downloads/"+id+"/action", map[string]string{"action": "explode"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Unknown Task", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/downloads/missing/action", map[string]string{"action": "pause"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Resume", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/downloads/"+id+"/action", map[string]string{"action": "resume"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		rec := env.await(t, id)
		assert.Equal(t, models.StatusCompleted, rec.Status, rec.Message)
	})

	t.Run("Cancel All", func(t *testing.T) {
		other := env.schedule(t, map[string]any{
			"provider_id": "fake",
			"url":         "/manga/1",
			"is_paused":   true,
			"selection":   map[string]any{"type": "first_chapters", "count": 1, "branch": "en"},
		})
		rr := env.do(t, http.MethodPost, "/api/downloads/action", map[string]string{"action": "cancel_all"})
		require.Equal(t, http.StatusOK, rr.Code)
		rec := env.await(t, other)
		assert.Equal(t, models.StatusCancelled, rec.Status)
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/api/downloads/"+id, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		rr = env.do(t, http.MethodDelete, "/api/downloads/"+id, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = env.do(t, http.MethodDelete, "/api/downloads", map[string][]string{"ids": {}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestArchiveNotDownloaded(t *testing.T) {
	env := setupTestServer(t, 1, 1)

	rr := env.do(t, http.MethodGet, "/api/archives/99", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/archives/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	require.NoError(t, env.app.Store().SaveManga(env.src.Manga(false)))
	rr = env.do(t, http.MethodGet, fmt.Sprintf("/api/archives/%d", 1), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
