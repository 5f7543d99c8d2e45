// This file defines the core data structures (models) describing remote
// content: a manga with its ordered chapter list, and the pages of a chapter.

package models

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Manga is the immutable remote identity of a titled work.
type Manga struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	AltTitle      string    `json:"alt_title,omitempty"`
	URL           string    `json:"url"`
	PublicURL     string    `json:"public_url,omitempty"`
	Author        string    `json:"author,omitempty"`
	CoverURL      string    `json:"cover_url,omitempty"`
	LargeCoverURL string    `json:"large_cover_url,omitempty"`
	Description   string    `json:"description,omitempty"`
	Tags          []Tag     `json:"tags,omitempty"`
	Rating        float64   `json:"rating"`
	NSFW          bool      `json:"nsfw"`
	State         string    `json:"state,omitempty"` // e.g. "ongoing", "finished"
	Source        string    `json:"source"`
	Chapters      []Chapter `json:"chapters,omitempty"` // omitempty hides it when not loaded
}

// Tag is a genre or category label attached to a manga by its source.
type Tag struct {
	Key    string `json:"key"`
	Title  string `json:"title"`
	Source string `json:"source,omitempty"`
}

// Chapter is an addressable unit of content within a manga. Chapters that
// share a Branch belong to the same translation track.
type Chapter struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Number     float64   `json:"number"`
	Volume     int       `json:"volume"`
	Branch     string    `json:"branch,omitempty"`
	Scanlator  string    `json:"scanlator,omitempty"`
	UploadDate time.Time `json:"upload_date"`
	URL        string    `json:"url"`
	Source     string    `json:"source"`
}

// Page is a single image of a chapter as described by the remote source.
// URL may be an intermediate reference that the provider still has to
// resolve into an absolute image URL.
type Page struct {
	ID      int64  `json:"id"`
	URL     string `json:"url"`
	Preview string `json:"preview,omitempty"`
	Source  string `json:"source"`
}

// FindChapter returns the chapter with the given id, if present.
func (m *Manga) FindChapter(id int64) (Chapter, bool) {
	for _, ch := range m.Chapters {
		if ch.ID == id {
			return ch, true
		}
	}
	return Chapter{}, false
}

// GenerateUID derives a stable numeric id for a remote entity from its
// source and url. Ids are stable across sessions as long as the url is.
func GenerateUID(source, url string) int64 {
	h := xxhash.New()
	h.WriteString(source)
	h.WriteString("\x00")
	h.WriteString(url)
	// Keep ids positive so they read well in file names and JSON.
	return int64(h.Sum64() >> 1)
}

// FormatID renders an id the way it is keyed in JSON maps.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
