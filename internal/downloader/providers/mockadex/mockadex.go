// A mock provider for development and testing purposes. It simulates
// searching and fetching from a real site without making network calls.
package mockadex

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/vrsandeep/mango-archiver/internal/models"
)

const (
	sourceID      = "mockadex"
	chapterCount  = 25
	searchResults = 10
)

type MockadexProvider struct {
	// epoch anchors upload dates so results are deterministic.
	epoch time.Time
}

func New() *MockadexProvider {
	return &MockadexProvider{epoch: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (p *MockadexProvider) GetInfo() models.ProviderInfo {
	return models.ProviderInfo{
		ID:      sourceID,
		Name:    "Mockadex",
		Domains: []string{"placehold.co"},
	}
}

func (p *MockadexProvider) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []models.SearchResult
	for i := 1; i <= searchResults; i++ {
		results = append(results, models.SearchResult{
			Title:      fmt.Sprintf("%s - Result %d", query, i),
			CoverURL:   fmt.Sprintf("https://placehold.co/400x600/2a2a2a/f0f0f0?text=Cover+%d", i),
			Identifier: fmt.Sprintf("mock-series-%d", i),
			URL:        fmt.Sprintf("/series/mock-series-%d", i),
		})
	}
	return results, nil
}

func (p *MockadexProvider) GetDetails(ctx context.Context, manga *models.Manga) (*models.Manga, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	series := path.Base(manga.URL)
	details := *manga
	if details.ID == 0 {
		details.ID = models.GenerateUID(sourceID, manga.URL)
	}
	if details.Title == "" {
		details.Title = "Mock Series " + strings.TrimPrefix(series, "mock-series-")
	}
	details.Source = sourceID
	details.Author = "Mock Author"
	details.Description = "A deterministic series used for development."
	details.State = "ongoing"
	details.Tags = []models.Tag{{Key: "action", Title: "Action", Source: sourceID}}
	if details.CoverURL == "" {
		details.CoverURL = "https://placehold.co/400x600?text=" + series
	}
	details.Chapters = nil
	for i := 1; i <= chapterCount; i++ {
		u := fmt.Sprintf("/chapter/%s/%d", series, i)
		details.Chapters = append(details.Chapters, models.Chapter{
			ID:         models.GenerateUID(sourceID, u),
			Name:       fmt.Sprintf("Chapter %d: The Mocking", i),
			Number:     float64(i),
			Volume:     (i-1)/10 + 1,
			Branch:     "en",
			Scanlator:  "mock-group",
			UploadDate: p.epoch.AddDate(0, 0, i),
			URL:        u,
			Source:     sourceID,
		})
	}
	return &details, nil
}

func (p *MockadexProvider) GetPages(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(path.Base(chapter.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid mock chapter url %q", chapter.URL)
	}
	var pages []models.Page
	for i := 1; i <= 20+n%5; i++ {
		u := fmt.Sprintf("https://placehold.co/800x1200.png?text=%d-%d", n, i)
		pages = append(pages, models.Page{ID: models.GenerateUID(sourceID, u), URL: u, Source: sourceID})
	}
	return pages, nil
}

func (p *MockadexProvider) GetPageURL(_ context.Context, page models.Page) (string, error) {
	return page.URL, nil
}
