package mangadex

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/network"
)

const (
	sourceID  = "mangadex"
	feedLimit = 500
)

// MangaDexProvider implements the Provider interface for MangaDex.
type MangaDexProvider struct {
	client          *network.Client
	apiBaseURL      string
	coverArtBaseURL string
	language        string
}

// New creates a new instance of the MangaDexProvider.
func New(client *network.Client) *MangaDexProvider {
	return NewWithBaseURL(client, "https://api.mangadex.org", "https://uploads.mangadex.org")
}

// NewWithBaseURL creates a provider talking to the given API and cover hosts.
func NewWithBaseURL(client *network.Client, apiBaseURL, coverArtBaseURL string) *MangaDexProvider {
	return &MangaDexProvider{
		client:          client,
		apiBaseURL:      strings.TrimRight(apiBaseURL, "/"),
		coverArtBaseURL: strings.TrimRight(coverArtBaseURL, "/"),
		language:        "en",
	}
}

// GetInfo returns static information about this provider.
func (p *MangaDexProvider) GetInfo() models.ProviderInfo {
	return models.ProviderInfo{
		ID:      sourceID,
		Name:    "MangaDex",
		Domains: []string{"api.mangadex.org"},
	}
}

func (p *MangaDexProvider) coverURL(mangaID string, rels []Relationship, size string) string {
	for _, rel := range rels {
		if rel.Type == "cover_art" && rel.Attributes.FileName != "" {
			return fmt.Sprintf("%s/covers/%s/%s%s", p.coverArtBaseURL, mangaID, rel.Attributes.FileName, size)
		}
	}
	return ""
}

// Search sends a request to the MangaDex API to search for manga.
func (p *MangaDexProvider) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	q := url.Values{}
	q.Add("title", query)
	q.Add("limit", "25")
	q.Add("includes[]", "cover_art")

	var apiResponse MangaListResponse
	if err := p.client.GetJSON(ctx, sourceID, p.apiBaseURL+"/manga?"+q.Encode(), &apiResponse); err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(apiResponse.Data))
	for _, mangaData := range apiResponse.Data {
		results = append(results, models.SearchResult{
			Title:      mangaData.Attributes.Title.Get(p.language),
			CoverURL:   p.coverURL(mangaData.ID, mangaData.Relationships, ".256.jpg"),
			Identifier: mangaData.ID,
			URL:        "/manga/" + mangaData.ID,
		})
	}
	return results, nil
}

// GetDetails fetches the metadata and the full chapter feed of a manga.
// manga.URL is "/manga/<uuid>".
func (p *MangaDexProvider) GetDetails(ctx context.Context, manga *models.Manga) (*models.Manga, error) {
	id := path.Base(manga.URL)
	if id == "" || id == "." || id == "/" {
		return nil, fmt.Errorf("invalid mangadex url %q", manga.URL)
	}

	q := url.Values{}
	q.Add("includes[]", "cover_art")
	q.Add("includes[]", "author")
	var resp MangaResponse
	if err := p.client.GetJSON(ctx, sourceID, fmt.Sprintf("%s/manga/%s?%s", p.apiBaseURL, id, q.Encode()), &resp); err != nil {
		return nil, err
	}

	details := *manga
	attrs := resp.Data.Attributes
	details.Source = sourceID
	if details.ID == 0 {
		details.ID = models.GenerateUID(sourceID, manga.URL)
	}
	details.Title = attrs.Title.Get(p.language)
	if len(attrs.AltTitles) > 0 {
		details.AltTitle = attrs.AltTitles[0].Get(p.language)
	}
	details.PublicURL = "https://mangadex.org/title/" + id
	details.Description = attrs.Description.Get(p.language)
	details.State = attrs.Status
	details.NSFW = attrs.ContentRating == "erotica" || attrs.ContentRating == "pornographic"
	details.CoverURL = p.coverURL(id, resp.Data.Relationships, ".256.jpg")
	details.LargeCoverURL = p.coverURL(id, resp.Data.Relationships, "")
	details.Tags = nil
	for _, tag := range attrs.Tags {
		details.Tags = append(details.Tags, models.Tag{Key: tag.ID, Title: tag.Attributes.Name.Get(p.language), Source: sourceID})
	}
	for _, rel := range resp.Data.Relationships {
		if rel.Type == "author" {
			details.Author = rel.Attributes.Name
			break
		}
	}

	chapters, err := p.feed(ctx, id)
	if err != nil {
		return nil, err
	}
	details.Chapters = chapters
	return &details, nil
}

func (p *MangaDexProvider) feed(ctx context.Context, mangaID string) ([]models.Chapter, error) {
	var chapters []models.Chapter
	for offset := 0; ; offset += feedLimit {
		q := url.Values{}
		q.Add("limit", strconv.Itoa(feedLimit))
		q.Add("offset", strconv.Itoa(offset))
		q.Add("order[volume]", "asc")
		q.Add("order[chapter]", "asc")
		q.Add("translatedLanguage[]", p.language)
		q.Add("includes[]", "scanlation_group")

		var apiResponse ChapterFeedResponse
		if err := p.client.GetJSON(ctx, sourceID, fmt.Sprintf("%s/manga/%s/feed?%s", p.apiBaseURL, mangaID, q.Encode()), &apiResponse); err != nil {
			return nil, err
		}

		for _, c := range apiResponse.Data {
			chapterURL := "/chapter/" + c.ID
			number, _ := strconv.ParseFloat(c.Attributes.Chapter, 64)
			volume, _ := strconv.Atoi(c.Attributes.Volume)
			name := c.Attributes.Title
			if name == "" {
				name = "Chapter " + c.Attributes.Chapter
			}
			scanlator := ""
			for _, rel := range c.Relationships {
				if rel.Type == "scanlation_group" {
					scanlator = rel.Attributes.Name
					break
				}
			}
			chapters = append(chapters, models.Chapter{
				ID:         models.GenerateUID(sourceID, chapterURL),
				Name:       name,
				Number:     number,
				Volume:     volume,
				Branch:     c.Attributes.TranslatedLanguage,
				Scanlator:  scanlator,
				UploadDate: c.Attributes.PublishAt,
				URL:        chapterURL,
				Source:     sourceID,
			})
		}

		if len(apiResponse.Data) < feedLimit {
			break
		}
	}

	sort.SliceStable(chapters, func(i, j int) bool {
		if chapters[i].Volume != chapters[j].Volume {
			return chapters[i].Volume < chapters[j].Volume
		}
		return chapters[i].Number < chapters[j].Number
	})
	return chapters, nil
}

// GetPages retrieves the pages of a chapter from the MangaDex@Home network.
func (p *MangaDexProvider) GetPages(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	id := path.Base(chapter.URL)
	var apiResponse AtHomeServerResponse
	if err := p.client.GetJSON(ctx, sourceID, fmt.Sprintf("%s/at-home/server/%s", p.apiBaseURL, id), &apiResponse); err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(apiResponse.BaseURL, "/")
	hash := apiResponse.Chapter.Hash
	pages := make([]models.Page, 0, len(apiResponse.Chapter.Data))
	for _, pageFile := range apiResponse.Chapter.Data {
		u := fmt.Sprintf("%s/data/%s/%s", baseURL, hash, pageFile)
		pages = append(pages, models.Page{ID: models.GenerateUID(sourceID, u), URL: u, Source: sourceID})
	}
	return pages, nil
}

// GetPageURL returns the page url, which is already absolute.
func (p *MangaDexProvider) GetPageURL(_ context.Context, page models.Page) (string, error) {
	return page.URL, nil
}
