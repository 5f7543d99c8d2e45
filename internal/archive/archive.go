// Package archive implements the local, resumable archive of one manga.
//
// While a download runs, the archive lives in a staging directory next to
// its destination:
//
//	<dest>/.staging/<manga-id>/index.json          committed index
//	<dest>/.staging/<manga-id>/entries/            committed images and cover
//	<dest>/.staging/<manga-id>/pending/<chapter>/  images of unflushed chapters
//	<dest>/.staging/<manga-id>/tmp/                scratch files
//
// Finish packs the staging directory into <dest>/<title>.cbz (or a plain
// <dest>/<title>/ directory) and atomically replaces the previous version.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/util"
)

// ErrConflict is returned by Open when the destination holds another manga.
var ErrConflict = errors.New("destination is occupied by a different manga")

const (
	stagingRoot = ".staging"
	entriesDir  = "entries"
	pendingDir  = "pending"
	tmpDir      = "tmp"
	coverName   = "cover"
)

// Archive is the local archive of one manga. Callers are expected to hold
// the manga's entity lock; the internal mutex only keeps the in-memory state
// consistent.
type Archive struct {
	mu       sync.Mutex
	manga    *models.Manga
	format   models.ArchiveFormat
	dest     string
	path     string
	stage    string
	index    *Index
	entries  map[string]string           // entry name without extension -> file name
	pending  map[int64]map[string]string // chapter id -> same as entries
	finished bool
	log      zerolog.Logger
}

// FinalPath returns where the finished archive of manga is stored in dest.
func FinalPath(dest string, manga *models.Manga, format models.ArchiveFormat) string {
	name := util.SanitizeFilename(manga.Title)
	if format == models.FormatCBZ {
		name += ".cbz"
	}
	return filepath.Join(dest, name)
}

// Open binds to the archive of manga in dest, creating the staging area or
// resuming an existing one. It fails with ErrConflict when the final archive
// path already holds a different manga.
func Open(dest string, manga *models.Manga, format models.ArchiveFormat, logger zerolog.Logger) (*Archive, error) {
	a := &Archive{
		manga:   manga,
		format:  format,
		dest:    dest,
		path:    FinalPath(dest, manga, format),
		stage:   filepath.Join(dest, stagingRoot, models.FormatID(manga.ID)),
		entries: make(map[string]string),
		pending: make(map[int64]map[string]string),
		log: logger.With().Str("component", "archive").
			Int64("manga_id", manga.ID).Logger(),
	}

	if _, err := os.Stat(a.path); err == nil {
		existing, _, err := ReadIndex(a.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s is not a managed archive", ErrConflict, a.path)
		case err != nil:
			return nil, err
		case existing.ID != manga.ID:
			return nil, fmt.Errorf("%w: %s holds %q", ErrConflict, a.path, existing.Title)
		}
	}

	for _, dir := range []string{entriesDir, pendingDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(a.stage, dir), 0o755); err != nil {
			return nil, err
		}
	}
	if err := a.loadStage(); err != nil {
		return nil, err
	}
	a.index.setManga(manga)
	if err := a.saveIndex(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) loadStage() error {
	data, err := os.ReadFile(filepath.Join(a.stage, IndexName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		a.index = newIndex(a.manga)
	case err != nil:
		return err
	default:
		idx, perr := parseIndex(data)
		if perr != nil || idx.ID != a.manga.ID {
			// The staging area is private scratch space; start over.
			a.log.Warn().Err(perr).Msg("Discarding unusable staging area")
			for _, dir := range []string{entriesDir, pendingDir} {
				p := filepath.Join(a.stage, dir)
				if err := os.RemoveAll(p); err != nil {
					return err
				}
				if err := os.MkdirAll(p, 0o755); err != nil {
					return err
				}
			}
			idx = newIndex(a.manga)
		}
		a.index = idx
	}

	files, err := os.ReadDir(filepath.Join(a.stage, entriesDir))
	if err != nil {
		return err
	}
	for _, f := range files {
		a.entries[trimExt(f.Name())] = f.Name()
	}

	chapters, err := os.ReadDir(filepath.Join(a.stage, pendingDir))
	if err != nil {
		return err
	}
	for _, c := range chapters {
		var id int64
		if _, err := fmt.Sscanf(c.Name(), "%d", &id); err != nil || !c.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(a.stage, pendingDir, c.Name()))
		if err != nil {
			return err
		}
		pages := make(map[string]string, len(files))
		for _, f := range files {
			pages[trimExt(f.Name())] = f.Name()
		}
		a.pending[id] = pages
	}
	return nil
}

// Path returns the final location of the archive.
func (a *Archive) Path() string { return a.path }

// AddCover stores the cover image read from the file at src.
func (a *Archive) AddCover(src, ext string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := coverName + normalizeExt(ext)
	if err := a.copyIn(src, filepath.Join(a.stage, entriesDir, name)); err != nil {
		return fmt.Errorf("failed to store cover: %w", err)
	}
	if old := a.index.CoverEntry; old != "" && old != name {
		os.Remove(filepath.Join(a.stage, entriesDir, old))
	}
	a.entries[coverName] = name
	a.index.CoverEntry = name
	return a.saveIndex()
}

// HasCover reports whether a cover has been stored.
func (a *Archive) HasCover() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[coverName]
	return ok && a.index.CoverEntry != ""
}

// AddPage stages one page of a chapter from the file at src. Adding a page
// that is already staged or committed is a no-op.
func (a *Archive) AddPage(ch models.Chapter, src string, page int, ext string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := EntryName(ch, page)
	if a.hasPageLocked(ch.ID, base) {
		return nil
	}
	dir := filepath.Join(a.stage, pendingDir, models.FormatID(ch.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := base + normalizeExt(ext)
	if err := a.copyIn(src, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to stage page %d: %w", page, err)
	}
	if a.pending[ch.ID] == nil {
		a.pending[ch.ID] = make(map[string]string)
	}
	a.pending[ch.ID][base] = name
	return nil
}

// HasPage reports whether the page is already staged or committed.
func (a *Archive) HasPage(ch models.Chapter, page int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasPageLocked(ch.ID, EntryName(ch, page))
}

func (a *Archive) hasPageLocked(chapterID int64, base string) bool {
	if _, ok := a.pending[chapterID][base]; ok {
		return true
	}
	_, ok := a.entries[base]
	return ok
}

// HasChapter reports whether the chapter is committed to the index.
func (a *Archive) HasChapter(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.hasChapter(id)
}

// FlushChapter commits the staged pages of ch and records the chapter in the
// index. The images are moved before the index is written, so the index
// never lists a chapter whose pages are missing. It reports whether anything
// new was committed.
func (a *Archive) FlushChapter(ch models.Chapter) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := filepath.Join(a.stage, pendingDir, models.FormatID(ch.ID))
	staged := a.pending[ch.ID]
	moved := len(staged)
	for base, name := range staged {
		if old, ok := a.entries[base]; ok && old != name {
			os.Remove(filepath.Join(a.stage, entriesDir, old))
		}
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(a.stage, entriesDir, name)); err != nil {
			return false, fmt.Errorf("failed to commit page %s: %w", name, err)
		}
		a.entries[base] = name
	}
	delete(a.pending, ch.ID)
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}

	prefix := entryPrefix(ch)
	pages := 0
	for base := range a.entries {
		if strings.HasPrefix(base, prefix) {
			pages++
		}
	}
	if pages == 0 || (moved == 0 && !a.changed(ch, pages)) {
		return false, nil
	}
	a.index.addChapter(ch, ChapterPattern(ch), pages)
	if err := a.saveIndex(); err != nil {
		return false, err
	}
	return true, nil
}

// changed reports whether the index entry for ch differs from what a flush
// would write.
func (a *Archive) changed(ch models.Chapter, pages int) bool {
	cur, ok := a.index.Chapters[models.FormatID(ch.ID)]
	return !ok || cur.Pages != pages || cur.Entries != ChapterPattern(ch)
}

// Manga returns the manga with the chapters committed so far. It works on an
// unfinished archive.
func (a *Archive) Manga() *models.Manga {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.manga(a.entryNames())
}

// Info returns the manga metadata without chapters.
func (a *Archive) Info() *models.Manga {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.mangaInfo()
}

func (a *Archive) entryNames() []string {
	names := make([]string, 0, len(a.entries))
	for _, n := range a.entries {
		names = append(names, n)
	}
	return names
}

// Cleanup removes scratch files. After a successful Finish it removes the
// whole staging area; otherwise committed chapters and staged pages are kept
// so a later run can resume.
func (a *Archive) Cleanup() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		if err := os.RemoveAll(a.stage); err != nil {
			return err
		}
		// Only succeeds when no other manga is staged here.
		os.Remove(filepath.Join(a.dest, stagingRoot))
		return nil
	}
	return os.RemoveAll(filepath.Join(a.stage, tmpDir))
}

func (a *Archive) saveIndex() error {
	data, err := a.index.marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(a.stage, tmpDir), "index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(a.stage, IndexName))
}

// copyIn copies src to dst through a scratch file so dst is never partial.
func (a *Archive) copyIn(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return a.writeIn(in, dst)
}

func (a *Archive) writeIn(r io.Reader, dst string) error {
	tmp, err := os.CreateTemp(filepath.Join(a.stage, tmpDir), "entry-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
