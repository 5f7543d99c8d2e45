package models

import (
	"fmt"
	"slices"
	"time"
)

// ArchiveFormat selects the on-disk container for a downloaded manga.
type ArchiveFormat string

const (
	// FormatCBZ writes one zip container per manga.
	FormatCBZ ArchiveFormat = "cbz"
	// FormatDirectory writes a plain directory per manga.
	FormatDirectory ArchiveFormat = "dir"
)

// ParseArchiveFormat validates a user supplied format name. An empty name
// selects the default.
func ParseArchiveFormat(s string, def ArchiveFormat) (ArchiveFormat, error) {
	switch ArchiveFormat(s) {
	case "":
		return def, nil
	case FormatCBZ, FormatDirectory:
		return ArchiveFormat(s), nil
	default:
		return "", fmt.Errorf("unsupported archive format: %q", s)
	}
}

// DownloadTask is a download request. A nil ChapterIDs means all chapters.
type DownloadTask struct {
	MangaID             int64         `json:"manga_id"`
	ChapterIDs          []int64       `json:"chapter_ids,omitempty"`
	Destination         string        `json:"destination,omitempty"` // empty selects the default directory
	Format              ArchiveFormat `json:"format"`
	IsPaused            bool          `json:"is_paused"` // start in paused state
	IsSilent            bool          `json:"is_silent"`
	AllowMeteredNetwork bool          `json:"allow_metered_network"`
}

// Equal reports whether two tasks describe the same request.
func (t DownloadTask) Equal(o DownloadTask) bool {
	if t.MangaID != o.MangaID || t.Destination != o.Destination || t.Format != o.Format ||
		t.IsPaused != o.IsPaused || t.IsSilent != o.IsSilent || t.AllowMeteredNetwork != o.AllowMeteredNetwork {
		return false
	}
	if (t.ChapterIDs == nil) != (o.ChapterIDs == nil) {
		return false
	}
	a := slices.Clone(t.ChapterIDs)
	b := slices.Clone(o.ChapterIDs)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Phase is the coarse state of a download derived from DownloadState.
type Phase string

const (
	PhaseStopped   Phase = "stopped" // queued, not yet running
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseFailed    Phase = "failed"
	PhaseSucceeded Phase = "succeeded"
)

// DownloadState is a live or terminal snapshot of one download.
type DownloadState struct {
	TaskID             string        `json:"task_id"`
	Manga              *Manga        `json:"manga,omitempty"`
	TotalChapters      int           `json:"total_chapters"`
	CurrentChapter     int           `json:"current_chapter"`
	TotalPages         int           `json:"total_pages"`
	CurrentPage        int           `json:"current_page"`
	DownloadedChapters []int64       `json:"downloaded_chapters"`
	IsIndeterminate    bool          `json:"is_indeterminate"`
	IsPaused           bool          `json:"is_paused"`
	IsStopped          bool          `json:"is_stopped"`
	Error              string        `json:"error,omitempty"`
	ETA                time.Duration `json:"eta"`
	LocalArchive       string        `json:"local_archive,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Phase returns which of the mutually exclusive phases the state describes.
// Terminal fields take precedence over the transient flags.
func (s DownloadState) Phase() Phase {
	switch {
	case s.Error != "" && !s.IsPaused:
		return PhaseFailed
	case s.LocalArchive != "":
		return PhaseSucceeded
	case s.IsPaused:
		return PhasePaused
	case s.IsStopped:
		return PhaseStopped
	default:
		return PhaseRunning
	}
}

// IsTerminal reports whether the download has finished, one way or another.
func (s DownloadState) IsTerminal() bool {
	p := s.Phase()
	return p == PhaseFailed || p == PhaseSucceeded
}

// Percent returns overall progress in [0, 100], or -1 when indeterminate.
func (s DownloadState) Percent() float64 {
	if s.IsIndeterminate || s.TotalChapters == 0 {
		return -1
	}
	chapterShare := 1 / float64(s.TotalChapters)
	done := float64(s.CurrentChapter) * chapterShare
	if s.TotalPages > 0 {
		done += chapterShare * float64(s.CurrentPage) / float64(s.TotalPages)
	}
	if done > 1 {
		done = 1
	}
	return done * 100
}

// IsChapterDownloaded reports whether the chapter id was already committed.
func (s DownloadState) IsChapterDownloaded(id int64) bool {
	return slices.Contains(s.DownloadedChapters, id)
}

// Clone returns a copy that does not share the downloaded chapter slice.
func (s DownloadState) Clone() DownloadState {
	s.DownloadedChapters = slices.Clone(s.DownloadedChapters)
	return s
}
