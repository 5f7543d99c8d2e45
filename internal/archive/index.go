package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/util"
)

const (
	// IndexVersion is written into every index. Readers accept any 1.x.
	IndexVersion = "1.0.0"
	// IndexName is the name of the index entry inside an archive.
	IndexName = "index.json"

	appID = "mango-archiver"
)

var supportedIndex = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// ErrCorrupted is returned when an index cannot be read.
var ErrCorrupted = errors.New("archive index is corrupted")

// Index is the metadata stored next to the images of an archive.
type Index struct {
	AppID       string                  `json:"app_id"`
	Version     string                  `json:"version"`
	ID          int64                   `json:"id"`
	Title       string                  `json:"title"`
	TitleAlt    string                  `json:"title_alt,omitempty"`
	URL         string                  `json:"url"`
	PublicURL   string                  `json:"public_url,omitempty"`
	Author      string                  `json:"author,omitempty"`
	Cover       string                  `json:"cover,omitempty"`
	CoverLarge  string                  `json:"cover_large,omitempty"`
	CoverEntry  string                  `json:"cover_entry,omitempty"`
	Description string                  `json:"description,omitempty"`
	Tags        []models.Tag            `json:"tags,omitempty"`
	Rating      float64                 `json:"rating"`
	NSFW        bool                    `json:"nsfw"`
	State       string                  `json:"state,omitempty"`
	Source      string                  `json:"source"`
	Chapters    map[string]IndexChapter `json:"chapters"`
}

// IndexChapter describes one committed chapter. Entries is a regular
// expression matching the names of the chapter's images.
type IndexChapter struct {
	Number    float64 `json:"number"`
	Volume    int     `json:"volume"`
	URL       string  `json:"url"`
	Name      string  `json:"name"`
	Uploaded  int64   `json:"uploaded"` // unix milliseconds
	Scanlator string  `json:"scanlator,omitempty"`
	Branch    string  `json:"branch,omitempty"`
	Entries   string  `json:"entries"`
	Pages     int     `json:"pages"`
}

func newIndex(m *models.Manga) *Index {
	idx := &Index{Chapters: make(map[string]IndexChapter)}
	idx.setManga(m)
	return idx
}

// setManga replaces the manga fields, keeping chapters.
func (idx *Index) setManga(m *models.Manga) {
	idx.AppID = appID
	idx.Version = IndexVersion
	idx.ID = m.ID
	idx.Title = m.Title
	idx.TitleAlt = m.AltTitle
	idx.URL = m.URL
	idx.PublicURL = m.PublicURL
	idx.Author = m.Author
	idx.Cover = m.CoverURL
	idx.CoverLarge = m.LargeCoverURL
	idx.Description = m.Description
	idx.Tags = m.Tags
	idx.Rating = m.Rating
	idx.NSFW = m.NSFW
	idx.State = m.State
	idx.Source = m.Source
}

func (idx *Index) hasChapter(id int64) bool {
	_, ok := idx.Chapters[models.FormatID(id)]
	return ok
}

func (idx *Index) addChapter(ch models.Chapter, pattern string, pages int) {
	var uploaded int64
	if !ch.UploadDate.IsZero() {
		uploaded = ch.UploadDate.UnixMilli()
	}
	idx.Chapters[models.FormatID(ch.ID)] = IndexChapter{
		Number:    ch.Number,
		Volume:    ch.Volume,
		URL:       ch.URL,
		Name:      ch.Name,
		Uploaded:  uploaded,
		Scanlator: ch.Scanlator,
		Branch:    ch.Branch,
		Entries:   pattern,
		Pages:     pages,
	}
}

// mangaInfo returns the manga described by the index without chapters.
func (idx *Index) mangaInfo() *models.Manga {
	return &models.Manga{
		ID:            idx.ID,
		Title:         idx.Title,
		AltTitle:      idx.TitleAlt,
		URL:           idx.URL,
		PublicURL:     idx.PublicURL,
		Author:        idx.Author,
		CoverURL:      idx.Cover,
		LargeCoverURL: idx.CoverLarge,
		Description:   idx.Description,
		Tags:          idx.Tags,
		Rating:        idx.Rating,
		NSFW:          idx.NSFW,
		State:         idx.State,
		Source:        idx.Source,
	}
}

// manga returns the manga with the chapters that have at least one image
// among entries. A chapter listed in the index without any image is not
// trusted.
func (idx *Index) manga(entries []string) *models.Manga {
	m := idx.mangaInfo()
	for key, c := range idx.Chapters {
		if !anyMatch(c.Entries, entries) {
			continue
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		var uploaded time.Time
		if c.Uploaded > 0 {
			uploaded = time.UnixMilli(c.Uploaded).UTC()
		}
		m.Chapters = append(m.Chapters, models.Chapter{
			ID:         id,
			Name:       c.Name,
			Number:     c.Number,
			Volume:     c.Volume,
			Branch:     c.Branch,
			Scanlator:  c.Scanlator,
			UploadDate: uploaded,
			URL:        c.URL,
			Source:     idx.Source,
		})
	}
	sort.Slice(m.Chapters, func(i, j int) bool {
		a, b := m.Chapters[i], m.Chapters[j]
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		if a.Name != b.Name {
			return util.NaturalSortLess(a.Name, b.Name)
		}
		return a.ID < b.ID
	})
	return m
}

func anyMatch(pattern string, entries []string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if re.MatchString(e) {
			return true
		}
	}
	return false
}

func (idx *Index) marshal() ([]byte, error) {
	return json.MarshalIndent(idx, "", "  ")
}

func parseIndex(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	v, err := semver.NewVersion(idx.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: bad version %q", ErrCorrupted, idx.Version)
	}
	if !supportedIndex.Check(v) {
		return nil, fmt.Errorf("%w: unsupported version %s", ErrCorrupted, v)
	}
	if idx.Chapters == nil {
		idx.Chapters = make(map[string]IndexChapter)
	}
	return &idx, nil
}

// BranchHash maps a branch name to the number used in entry names.
func BranchHash(branch string) uint64 {
	return xxhash.Sum64String(branch) % 100_000_000
}

// ChapterHash maps a chapter id to the number used in entry names. Names
// stay stable when the source inserts chapters between runs.
func ChapterHash(id int64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return xxhash.Sum64(b[:]) % 100_000_000
}

func entryPrefix(ch models.Chapter) string {
	return fmt.Sprintf("%08d_%08d", BranchHash(ch.Branch), ChapterHash(ch.ID))
}

// EntryName is the file name of one page of a chapter, without extension.
func EntryName(ch models.Chapter, page int) string {
	return fmt.Sprintf("%s%04d", entryPrefix(ch), page%10_000)
}

// ChapterPattern is the expression stored in the index for a chapter.
func ChapterPattern(ch models.Chapter) string {
	return "^" + entryPrefix(ch) + `\d{4}\.`
}
