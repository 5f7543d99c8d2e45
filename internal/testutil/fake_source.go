package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vrsandeep/mango-archiver/internal/models"
)

// pngHeader makes served pages sniff as image/png.
const pngHeader = "\x89PNG\r\n\x1a\n"

// FakeSource is an in-process manga source backed by an httptest server.
// Chapter i has ID i and pages are served at /pages/<chapter>/<page>.
// Individual paths can be scripted to fail a number of times.
type FakeSource struct {
	ID       string
	Server   *httptest.Server
	chapters int
	pages    int

	mu       sync.Mutex
	fetches  map[string]int
	failures map[string]failure
	hook     func(path string)
}

type failure struct {
	status int
	times  int
}

// NewFakeSource starts a source serving the given number of chapters, each
// with the same number of pages. The server is closed with the test.
func NewFakeSource(t *testing.T, id string, chapters, pages int) *FakeSource {
	t.Helper()
	f := &FakeSource{
		ID:       id,
		chapters: chapters,
		pages:    pages,
		fetches:  make(map[string]int),
		failures: make(map[string]failure),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeSource) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.fetches[r.URL.Path]++
	hook := f.hook
	fail, failing := f.failures[r.URL.Path]
	if failing {
		fail.times--
		if fail.times <= 0 {
			delete(f.failures, r.URL.Path)
		} else {
			f.failures[r.URL.Path] = fail
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(r.URL.Path)
	}
	if failing {
		http.Error(w, "scripted failure", fail.status)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	fmt.Fprintf(w, "%s%s", pngHeader, r.URL.Path)
}

// Manga returns the manga served by the source, without its chapters when
// withChapters is false so that details must be fetched.
func (f *FakeSource) Manga(withChapters bool) *models.Manga {
	m := &models.Manga{
		ID:       1,
		Title:    "Fake Manga",
		URL:      "/manga/1",
		CoverURL: f.Server.URL + "/cover.png",
		Source:   f.ID,
	}
	if withChapters {
		m.Chapters = f.chapterList()
	}
	return m
}

func (f *FakeSource) chapterList() []models.Chapter {
	chapters := make([]models.Chapter, 0, f.chapters)
	for i := 1; i <= f.chapters; i++ {
		chapters = append(chapters, models.Chapter{
			ID:     int64(i),
			Name:   fmt.Sprintf("Chapter %d", i),
			Number: float64(i),
			Branch: "en",
			URL:    fmt.Sprintf("/chapter/%d", i),
			Source: f.ID,
		})
	}
	return chapters
}

// PagePath returns the server path of a page.
func (f *FakeSource) PagePath(chapter int64, page int) string {
	return fmt.Sprintf("/pages/%d/%d", chapter, page)
}

// Fail makes the next times requests for path answer with status.
func (f *FakeSource) Fail(path string, status, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = failure{status: status, times: times}
}

// OnFetch installs a callback run for every request before it is answered.
func (f *FakeSource) OnFetch(hook func(path string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Fetches returns how many times path was requested.
func (f *FakeSource) Fetches(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[path]
}

// PageFetches returns the total number of page requests.
func (f *FakeSource) PageFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for p, c := range f.fetches {
		if strings.HasPrefix(p, "/pages/") {
			n += c
		}
	}
	return n
}

// GetInfo implements models.Provider.
func (f *FakeSource) GetInfo() models.ProviderInfo {
	return models.ProviderInfo{ID: f.ID, Name: "Fake " + f.ID}
}

// Search implements models.Provider.
func (f *FakeSource) Search(_ context.Context, query string) ([]models.SearchResult, error) {
	return []models.SearchResult{{Title: "Fake Manga", Identifier: "1", URL: "/manga/1"}}, nil
}

// GetDetails implements models.Provider.
func (f *FakeSource) GetDetails(ctx context.Context, manga *models.Manga) (*models.Manga, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	details := *manga
	base := f.Manga(false)
	if details.ID == 0 {
		details.ID = base.ID
	}
	if details.Title == "" {
		details.Title = base.Title
	}
	if details.CoverURL == "" {
		details.CoverURL = base.CoverURL
	}
	details.Source = f.ID
	details.Description = "A manga served by a test server."
	details.Chapters = f.chapterList()
	return &details, nil
}

// GetPages implements models.Provider.
func (f *FakeSource) GetPages(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages := make([]models.Page, 0, f.pages)
	for i := 1; i <= f.pages; i++ {
		pages = append(pages, models.Page{
			ID:     chapter.ID*1000 + int64(i),
			URL:    f.PagePath(chapter.ID, i),
			Source: f.ID,
		})
	}
	return pages, nil
}

// GetPageURL implements models.Provider.
func (f *FakeSource) GetPageURL(_ context.Context, page models.Page) (string, error) {
	return f.Server.URL + page.URL, nil
}
