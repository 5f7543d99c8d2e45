package models

import "context"

// ProviderInfo contains static information about a provider.
type ProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Domains lists the mirrors serving this source, preferred first.
	Domains []string `json:"domains,omitempty"`
}

// SearchResult represents a single series found by a provider.
type SearchResult struct {
	Title      string `json:"title"`
	CoverURL   string `json:"cover_url"`
	Identifier string `json:"identifier"` // Unique ID for the series on the source site
	URL        string `json:"url"`
}

// Provider is the remote parsing layer contract. Implementations turn a
// manga reference into its chapter list and a chapter into its pages.
// Errors may be rate-limit or auth failures which callers interpret.
type Provider interface {
	GetInfo() ProviderInfo
	Search(ctx context.Context, query string) ([]SearchResult, error)
	// GetDetails returns the manga with all metadata and chapters filled in.
	GetDetails(ctx context.Context, manga *Manga) (*Manga, error)
	GetPages(ctx context.Context, chapter Chapter) ([]Page, error)
	// GetPageURL resolves a page into an absolute image URL.
	GetPageURL(ctx context.Context, page Page) (string, error)
}
