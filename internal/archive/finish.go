package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mholt/archives"
	"github.com/vrsandeep/mango-archiver/internal/models"
)

// ReadIndex reads the index and entry names of a finished archive, either a
// cbz file or a directory. A missing index yields an error wrapping
// os.ErrNotExist.
func ReadIndex(p string) (*Index, []string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return readDirIndex(p)
	}
	return readZipIndex(context.Background(), p)
}

// Load returns the manga stored in a finished archive with the chapters
// that have images.
func Load(p string) (*models.Manga, error) {
	idx, names, err := ReadIndex(p)
	if err != nil {
		return nil, err
	}
	return idx.manga(names), nil
}

func readDirIndex(dir string) (*Index, []string, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexName))
	if err != nil {
		return nil, nil, err
	}
	idx, err := parseIndex(data)
	if err != nil {
		return nil, nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var names []string
	for _, f := range files {
		if !f.IsDir() && f.Name() != IndexName {
			names = append(names, f.Name())
		}
	}
	return idx, names, nil
}

func readZipIndex(ctx context.Context, p string) (*Index, []string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var data []byte
	var names []string
	err = archives.Zip{}.Extract(ctx, f, func(ctx context.Context, fi archives.FileInfo) error {
		if fi.IsDir() {
			return nil
		}
		if fi.NameInArchive != IndexName {
			names = append(names, fi.NameInArchive)
			return nil
		}
		rc, err := fi.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data == nil {
		return nil, nil, fmt.Errorf("%s in %s: %w", IndexName, p, os.ErrNotExist)
	}
	idx, err := parseIndex(data)
	if err != nil {
		return nil, nil, err
	}
	return idx, names, nil
}

// MergeWithExisting copies into the staging area the chapters of a
// previously finished archive at the same path that this run did not
// commit. Chapters committed by this run take precedence, including over an
// older chapter that used the same entry names.
func (a *Archive) MergeWithExisting(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := os.Stat(a.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	existing, _, err := ReadIndex(a.path)
	if err != nil {
		return err
	}
	if existing.ID != a.manga.ID {
		return fmt.Errorf("%w: %s holds %q", ErrConflict, a.path, existing.Title)
	}

	taken := make(map[string]bool, len(a.index.Chapters))
	for _, c := range a.index.Chapters {
		taken[c.Entries] = true
	}
	wanted := make(map[string]*regexp.Regexp)
	for key, c := range existing.Chapters {
		if _, ok := a.index.Chapters[key]; ok || taken[c.Entries] {
			continue
		}
		re, err := regexp.Compile(c.Entries)
		if err != nil {
			a.log.Warn().Str("chapter", key).Msg("Skipping chapter with invalid entry pattern")
			continue
		}
		wanted[key] = re
	}
	wantCover := a.index.CoverEntry == "" && existing.CoverEntry != ""
	if len(wanted) == 0 && !wantCover {
		return nil
	}

	imported := make(map[string]bool)
	copyEntry := func(name string, open func() (io.ReadCloser, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		base := path.Base(name)
		if base != name || strings.HasPrefix(base, ".") {
			return nil
		}
		matched := ""
		for key, re := range wanted {
			if re.MatchString(base) {
				matched = key
				break
			}
		}
		isCover := wantCover && base == existing.CoverEntry
		if matched == "" && !isCover {
			return nil
		}
		if _, ok := a.entries[trimExt(base)]; ok {
			if matched != "" {
				imported[matched] = true
			}
			return nil
		}
		rc, err := open()
		if err != nil {
			return err
		}
		defer rc.Close()
		if err := a.writeIn(rc, filepath.Join(a.stage, entriesDir, base)); err != nil {
			return err
		}
		a.entries[trimExt(base)] = base
		if matched != "" {
			imported[matched] = true
		}
		if isCover {
			a.index.CoverEntry = base
		}
		return nil
	}

	info, err := os.Stat(a.path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		files, err := os.ReadDir(a.path)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() || f.Name() == IndexName {
				continue
			}
			full := filepath.Join(a.path, f.Name())
			if err := copyEntry(f.Name(), func() (io.ReadCloser, error) { return os.Open(full) }); err != nil {
				return err
			}
		}
	} else {
		f, err := os.Open(a.path)
		if err != nil {
			return err
		}
		defer f.Close()
		err = archives.Zip{}.Extract(ctx, f, func(ctx context.Context, fi archives.FileInfo) error {
			if fi.IsDir() || fi.NameInArchive == IndexName {
				return nil
			}
			return copyEntry(fi.NameInArchive, func() (io.ReadCloser, error) { return fi.Open() })
		})
		if err != nil {
			return fmt.Errorf("failed to read existing archive: %w", err)
		}
	}

	for key := range imported {
		a.index.Chapters[key] = existing.Chapters[key]
	}
	a.log.Debug().Int("chapters", len(imported)).Msg("Merged chapters from existing archive")
	return a.saveIndex()
}

// Finish writes the final archive next to its destination and renames it
// into place. On failure the previous archive, if any, is left untouched and
// no temporary file remains.
func (a *Archive) Finish(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	var err error
	switch a.format {
	case models.FormatDirectory:
		err = a.finishDir(ctx)
	default:
		err = a.finishZip(ctx)
	}
	if err != nil {
		return "", err
	}
	a.finished = true
	a.log.Info().Str("path", a.path).Int("chapters", len(a.index.Chapters)).Msg("Archive finished")
	return a.path, nil
}

func (a *Archive) finishZip(ctx context.Context) error {
	files := make(map[string]string, len(a.entries)+1)
	for _, name := range a.entries {
		files[filepath.Join(a.stage, entriesDir, name)] = name
	}
	files[filepath.Join(a.stage, IndexName)] = IndexName

	infos, err := archives.FilesFromDisk(ctx, nil, files)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(a.dest, "."+filepath.Base(a.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := (archives.Zip{}).Archive(ctx, tmp, infos); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), a.path)
}

func (a *Archive) finishDir(ctx context.Context) error {
	tmp, err := os.MkdirTemp(a.dest, "."+filepath.Base(a.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	copyFile := func(src, dst string) error {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}

	for _, name := range a.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(a.stage, entriesDir, name), filepath.Join(tmp, name)); err != nil {
			return err
		}
	}
	if err := copyFile(filepath.Join(a.stage, IndexName), filepath.Join(tmp, IndexName)); err != nil {
		return err
	}

	// A directory cannot be renamed over a non-empty one, so the old
	// version is moved aside first and restored if the swap fails.
	var backup string
	if _, err := os.Stat(a.path); err == nil {
		backup = tmp + ".old"
		if err := os.Rename(a.path, backup); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, a.path); err != nil {
		if backup != "" {
			os.Rename(backup, a.path)
		}
		return err
	}
	if backup != "" {
		os.RemoveAll(backup)
	}
	return nil
}
