package weebcentral

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/network"
)

const sourceID = "weebcentral"

var chapterRegex = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// WeebCentralProvider implements the Provider interface for WeebCentral.
type WeebCentralProvider struct {
	client  *network.Client
	baseURL string
}

func New(client *network.Client) *WeebCentralProvider {
	return NewWithBaseURL(client, "https://weebcentral.com")
}

// NewWithBaseURL creates a provider scraping the site at baseURL.
func NewWithBaseURL(client *network.Client, baseURL string) *WeebCentralProvider {
	return &WeebCentralProvider{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *WeebCentralProvider) GetInfo() models.ProviderInfo {
	return models.ProviderInfo{
		ID:      sourceID,
		Name:    "WeebCentral",
		Domains: []string{"weebcentral.com"},
	}
}

// document fetches rawURL as an htmx fragment and parses it.
func (p *WeebCentralProvider) document(ctx context.Context, rawURL, currentURL, target string) (*goquery.Document, error) {
	header := http.Header{}
	header.Set("HX-Request", "true")
	header.Set("HX-Current-URL", currentURL)
	header.Set("Referer", currentURL)
	if target != "" {
		header.Set("HX-Target", target)
	}
	resp, err := p.client.Get(ctx, sourceID, rawURL, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return goquery.NewDocumentFromReader(resp.Body)
}

func (p *WeebCentralProvider) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	q := url.Values{}
	q.Set("text", query)
	q.Set("sort", "Best Match")
	q.Set("order", "Ascending")
	q.Set("display_mode", "Minimal Display")
	doc, err := p.document(ctx, p.baseURL+"/search/data?"+q.Encode(), p.baseURL+"/search", "search-results")
	if err != nil {
		return nil, err
	}

	var results []models.SearchResult
	doc.Find("a[href*='/series/']").Each(func(i int, s *goquery.Selection) {
		link, _ := s.Attr("href")
		id := seriesID(link)
		if id == "" {
			return
		}
		title := strings.TrimSpace(s.Find(".flex-1").First().Text())
		if title == "" {
			title = strings.TrimSpace(s.Text())
		}
		var image string
		if src, ok := s.Find("source").Attr("srcset"); ok {
			image = src
		} else if src, ok := s.Find("img").Attr("src"); ok {
			image = src
		}
		results = append(results, models.SearchResult{
			Title:      title,
			CoverURL:   image,
			Identifier: id,
			URL:        "/series/" + id,
		})
	})
	return results, nil
}

// GetDetails scrapes the series page and its full chapter list. manga.URL is
// "/series/<id>" optionally followed by a slug.
func (p *WeebCentralProvider) GetDetails(ctx context.Context, manga *models.Manga) (*models.Manga, error) {
	id := seriesID(manga.URL)
	if id == "" {
		return nil, fmt.Errorf("invalid weebcentral url %q", manga.URL)
	}
	seriesURL := fmt.Sprintf("%s/series/%s", p.baseURL, id)
	doc, err := p.document(ctx, seriesURL, seriesURL, "")
	if err != nil {
		return nil, err
	}

	details := *manga
	details.Source = sourceID
	if details.ID == 0 {
		details.ID = models.GenerateUID(sourceID, manga.URL)
	}
	details.PublicURL = seriesURL
	if title := strings.TrimSpace(doc.Find("h1").First().Text()); title != "" {
		details.Title = title
	}
	details.Description = strings.TrimSpace(doc.Find("p.whitespace-pre-wrap").First().Text())
	if src, ok := doc.Find("picture source").Attr("srcset"); ok {
		details.CoverURL = src
	} else if src, ok := doc.Find("picture img").Attr("src"); ok {
		details.CoverURL = src
	}
	details.LargeCoverURL = details.CoverURL
	details.Tags = nil
	doc.Find("ul li").Each(func(i int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Find("strong").First().Text())
		switch {
		case strings.HasPrefix(label, "Author"):
			details.Author = strings.TrimSpace(s.Find("a").First().Text())
		case strings.HasPrefix(label, "Status"):
			details.State = strings.ToLower(strings.TrimSpace(s.Find("a").First().Text()))
		case strings.HasPrefix(label, "Tags"):
			s.Find("a").Each(func(_ int, a *goquery.Selection) {
				name := strings.TrimSpace(a.Text())
				details.Tags = append(details.Tags, models.Tag{Key: strings.ToLower(name), Title: name, Source: sourceID})
			})
		case strings.HasPrefix(label, "Adult Content"):
			details.NSFW = strings.EqualFold(strings.TrimSpace(s.Find("a").First().Text()), "yes")
		}
	})

	chapters, err := p.chapterList(ctx, id, seriesURL)
	if err != nil {
		return nil, err
	}
	details.Chapters = chapters
	return &details, nil
}

func (p *WeebCentralProvider) chapterList(ctx context.Context, id, seriesURL string) ([]models.Chapter, error) {
	doc, err := p.document(ctx, seriesURL+"/full-chapter-list", seriesURL, "chapter-list")
	if err != nil {
		return nil, err
	}

	var chapters []models.Chapter
	doc.Find("div.flex.items-center").Each(func(i int, s *goquery.Selection) {
		a := s.Find("a")
		chapterLink, exists := a.Attr("href")
		if !exists {
			return
		}
		parts := strings.Split(chapterLink, "/chapters/")
		if len(parts) < 2 || parts[1] == "" {
			return
		}
		chapterURL := "/chapters/" + parts[1]
		chapterTitle := strings.TrimSpace(a.Find("span.grow > span").First().Text())
		var number float64
		if match := chapterRegex.FindStringSubmatch(chapterTitle); len(match) > 1 {
			number, _ = strconv.ParseFloat(match[1], 64)
		}
		var publishedAt time.Time
		if datetime, ok := s.Find("time").Attr("datetime"); ok {
			if parsed, err := time.Parse(time.RFC3339, datetime); err == nil {
				publishedAt = parsed
			}
		}
		chapters = append(chapters, models.Chapter{
			ID:         models.GenerateUID(sourceID, chapterURL),
			Name:       chapterTitle,
			Number:     number,
			Branch:     "en",
			UploadDate: publishedAt,
			URL:        chapterURL,
			Source:     sourceID,
		})
	})
	if len(chapters) == 0 {
		return nil, errors.New("no chapters found")
	}
	// The site lists newest first.
	sort.SliceStable(chapters, func(i, j int) bool {
		return chapters[i].Number < chapters[j].Number
	})
	return chapters, nil
}

func (p *WeebCentralProvider) GetPages(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	chapterURL := p.baseURL + chapter.URL
	doc, err := p.document(ctx, chapterURL+"/images?is_prev=False&reading_style=long_strip", chapterURL, "")
	if err != nil {
		return nil, err
	}
	var urls []string
	collect := func(sel string) {
		doc.Find(sel).Each(func(i int, s *goquery.Selection) {
			if src, ok := s.Attr("src"); ok && src != "" {
				urls = append(urls, src)
			}
		})
	}
	collect("section.flex-1 img")
	if len(urls) == 0 {
		collect("img")
	}
	if len(urls) == 0 {
		return nil, errors.New("no pages found")
	}
	pages := make([]models.Page, 0, len(urls))
	for _, u := range urls {
		pages = append(pages, models.Page{ID: models.GenerateUID(sourceID, u), URL: u, Source: sourceID})
	}
	return pages, nil
}

// GetPageURL resolves relative image paths against the site.
func (p *WeebCentralProvider) GetPageURL(_ context.Context, page models.Page) (string, error) {
	u, err := url.Parse(page.URL)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return page.URL, nil
	}
	base, err := url.Parse(p.baseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

// seriesID extracts the id from a link of the form ".../series/{id}/...".
func seriesID(link string) string {
	parts := strings.Split(link, "/series/")
	if len(parts) < 2 {
		return ""
	}
	return strings.Split(parts[1], "/")[0]
}
