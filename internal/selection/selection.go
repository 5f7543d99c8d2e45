// Package selection turns a user intent ("whole manga", "next N unread", ...)
// into a concrete set of chapter ids.
package selection

import (
	"github.com/vrsandeep/mango-archiver/internal/models"
)

// Macro resolves a selection against a literal chapter list. A nil result
// means "all chapters, no filtering". A non-nil result is always a subset of
// the ids present in chapters, in list order.
type Macro interface {
	Resolve(mangaID int64, chapters []models.Chapter) []int64
}

// WholeManga selects every chapter.
type WholeManga struct{}

func (WholeManga) Resolve(int64, []models.Chapter) []int64 { return nil }

// WholeBranch selects every chapter of one translation branch.
type WholeBranch struct {
	Branch string
}

func (m WholeBranch) Resolve(_ int64, chapters []models.Chapter) []int64 {
	ids := make([]int64, 0, len(chapters))
	for _, ch := range chapters {
		if ch.Branch == m.Branch {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}

// FirstChapters selects the first Count chapters of a branch.
type FirstChapters struct {
	Count  int
	Branch string
}

func (m FirstChapters) Resolve(_ int64, chapters []models.Chapter) []int64 {
	ids := make([]int64, 0, max(m.Count, 0))
	for _, ch := range chapters {
		if len(ids) >= m.Count {
			break
		}
		if ch.Branch == m.Branch {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}

// UnreadChapters selects up to Count chapters starting at the last read
// chapter of each manga. CurrentChapters maps manga id to the id of the
// chapter the reader is on; mangas without an entry start at the first
// chapter.
type UnreadChapters struct {
	Count           int
	CurrentChapters map[int64]int64
}

func (m UnreadChapters) Resolve(mangaID int64, chapters []models.Chapter) []int64 {
	if len(chapters) == 0 {
		return nil
	}
	start := 0
	if current, ok := m.CurrentChapters[mangaID]; ok {
		start = -1
		for i, ch := range chapters {
			if ch.ID == current {
				start = i
				break
			}
		}
		if start < 0 {
			// The recorded chapter is gone from the source; select nothing
			// rather than guessing a position.
			return []int64{}
		}
	}
	branch := chapters[start].Branch
	ids := make([]int64, 0, max(m.Count, 0))
	for _, ch := range chapters[start:] {
		if len(ids) >= m.Count {
			break
		}
		if ch.Branch == branch {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}
