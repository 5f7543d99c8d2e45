package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mango-archiver/internal/models"
)

func testManga(id int64, title string, chapters int) *models.Manga {
	m := &models.Manga{ID: id, Title: title, URL: "/manga/" + title, Source: "mockadex"}
	for i := 1; i <= chapters; i++ {
		m.Chapters = append(m.Chapters, models.Chapter{
			ID:     id*100 + int64(i),
			Name:   fmt.Sprintf("Chapter %d", i),
			Number: float64(i),
			Branch: "en",
			URL:    fmt.Sprintf("/chapter/%d", i),
		})
	}
	return m
}

// writeSource creates a file to be copied into the archive.
func writeSource(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func addChapter(t *testing.T, a *Archive, ch models.Chapter, pages int) {
	t.Helper()
	for p := 1; p <= pages; p++ {
		src := writeSource(t, fmt.Sprintf("chapter %d page %d", ch.ID, p))
		require.NoError(t, a.AddPage(ch, src, p, ".jpg"))
	}
	flushed, err := a.FlushChapter(ch)
	require.NoError(t, err)
	require.True(t, flushed)
}

func chapterIDs(m *models.Manga) []int64 {
	var ids []int64
	for _, ch := range m.Chapters {
		ids = append(ids, ch.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestEntryNames(t *testing.T) {
	m := testManga(1, "Naming", 3)
	m.Chapters[1].Branch = "es"

	name := EntryName(m.Chapters[2], 7)
	assert.Equal(t, fmt.Sprintf("%08d_%08d%04d", BranchHash("en"), ChapterHash(m.Chapters[2].ID), 7), name)
	assert.Regexp(t, ChapterPattern(m.Chapters[2]), name+".png")
	assert.NotRegexp(t, ChapterPattern(m.Chapters[0]), name+".png")
	assert.Equal(t, fmt.Sprintf("%08d_%08d0001", BranchHash("es"), ChapterHash(m.Chapters[1].ID)), EntryName(m.Chapters[1], 1))

	// Names do not depend on where the chapter sits in the list.
	shifted := append([]models.Chapter{{ID: 150, Number: 0.5, Branch: "en"}}, m.Chapters...)
	m.Chapters = shifted
	assert.Equal(t, name, EntryName(m.Chapters[3], 7))
	assert.NotEqual(t, ChapterPattern(m.Chapters[0]), ChapterPattern(m.Chapters[1]))
}

func TestAddPageAndFlush(t *testing.T) {
	dest := t.TempDir()
	m := testManga(1, "Flush Test", 3)
	a, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	defer a.Cleanup()

	ch := m.Chapters[0]
	src := writeSource(t, "page one")
	require.NoError(t, a.AddPage(ch, src, 1, "jpg"))
	require.NoError(t, a.AddPage(ch, src, 1, "jpg"), "adding a page twice is a no-op")
	require.NoError(t, a.AddPage(ch, src, 2, ".PNG"))
	assert.True(t, a.HasPage(ch, 1))
	assert.False(t, a.HasChapter(ch.ID), "chapter must not be indexed before flush")
	assert.Empty(t, a.Manga().Chapters)

	flushed, err := a.FlushChapter(ch)
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.True(t, a.HasChapter(ch.ID))
	assert.True(t, a.HasPage(ch, 2))

	entries, err := os.ReadDir(filepath.Join(a.stage, entriesDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, strings.HasSuffix(entries[1].Name(), ".png"))

	t.Run("flush is idempotent", func(t *testing.T) {
		before, _ := os.ReadFile(filepath.Join(a.stage, IndexName))
		flushed, err := a.FlushChapter(ch)
		require.NoError(t, err)
		assert.False(t, flushed)
		after, _ := os.ReadFile(filepath.Join(a.stage, IndexName))
		assert.Equal(t, before, after)
		entries, _ := os.ReadDir(filepath.Join(a.stage, entriesDir))
		assert.Len(t, entries, 2)
		assert.Len(t, a.Manga().Chapters, 1)
	})

	t.Run("flush without pages commits nothing", func(t *testing.T) {
		flushed, err := a.FlushChapter(m.Chapters[1])
		require.NoError(t, err)
		assert.False(t, flushed)
		assert.False(t, a.HasChapter(m.Chapters[1].ID))
	})
}

func TestInterruptedChapterIsNotIndexed(t *testing.T) {
	dest := t.TempDir()
	m := testManga(2, "Interrupted", 3)

	a, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	addChapter(t, a, m.Chapters[0], 2)
	// Chapter two is cut off after its first page.
	require.NoError(t, a.AddPage(m.Chapters[1], writeSource(t, "partial"), 1, ".jpg"))
	require.NoError(t, a.Cleanup())

	resumed, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	defer resumed.Cleanup()

	assert.Equal(t, []int64{m.Chapters[0].ID}, chapterIDs(resumed.Manga()))
	assert.True(t, resumed.HasChapter(m.Chapters[0].ID))
	assert.False(t, resumed.HasChapter(m.Chapters[1].ID))
	assert.True(t, resumed.HasPage(m.Chapters[1], 1), "staged pages survive for the next run")
	assert.False(t, resumed.HasPage(m.Chapters[1], 2))

	require.NoError(t, resumed.AddPage(m.Chapters[1], writeSource(t, "p2"), 2, ".jpg"))
	flushed, err := resumed.FlushChapter(m.Chapters[1])
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, 2, resumed.index.Chapters[models.FormatID(m.Chapters[1].ID)].Pages)
}

func TestFinishCBZ(t *testing.T) {
	dest := t.TempDir()
	m := testManga(3, "Zip Me", 2)

	a, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.AddCover(writeSource(t, "cover"), ".jpg"))
	addChapter(t, a, m.Chapters[0], 3)
	addChapter(t, a, m.Chapters[1], 2)

	p, err := a.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Cleanup())
	assert.Equal(t, filepath.Join(dest, "Zip Me.cbz"), p)

	_, err = os.Stat(filepath.Join(dest, stagingRoot))
	assert.True(t, os.IsNotExist(err), "staging area should be removed after a finished run")

	idx, names, err := ReadIndex(p)
	require.NoError(t, err)
	assert.Equal(t, m.ID, idx.ID)
	assert.Equal(t, IndexVersion, idx.Version)
	assert.Equal(t, "cover.jpg", idx.CoverEntry)
	assert.Len(t, names, 6)
	assert.Contains(t, names, "cover.jpg")

	loaded, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "Zip Me", loaded.Title)
	assert.Equal(t, []int64{m.Chapters[0].ID, m.Chapters[1].ID}, chapterIDs(loaded))
}

func TestFinishDirectory(t *testing.T) {
	dest := t.TempDir()
	m := testManga(4, "Plain", 1)

	a, err := Open(dest, m, models.FormatDirectory, zerolog.Nop())
	require.NoError(t, err)
	addChapter(t, a, m.Chapters[0], 2)
	p, err := a.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Cleanup())

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	files, _ := os.ReadDir(p)
	assert.Len(t, files, 3)

	// Finishing again replaces the directory.
	b, err := Open(dest, m, models.FormatDirectory, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.MergeWithExisting(context.Background()))
	_, err = b.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Cleanup())
	loaded, err := Load(p)
	require.NoError(t, err)
	assert.Len(t, loaded.Chapters, 1)
}

func TestOpen_Conflict(t *testing.T) {
	dest := t.TempDir()
	m := testManga(5, "Same Title", 1)
	a, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	addChapter(t, a, m.Chapters[0], 1)
	_, err = a.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Cleanup())

	other := testManga(6, "Same Title", 1)
	_, err = Open(dest, other, models.FormatCBZ, zerolog.Nop())
	assert.ErrorIs(t, err, ErrConflict)

	// A foreign file at the destination is not overwritten either.
	foreign := testManga(7, "Foreign", 1)
	require.NoError(t, os.Mkdir(filepath.Join(dest, "Foreign"), 0o755))
	_, err = Open(dest, foreign, models.FormatDirectory, zerolog.Nop())
	assert.ErrorIs(t, err, ErrConflict)
}

func TestOpen_CorruptedFinalIndex(t *testing.T) {
	dest := t.TempDir()
	m := testManga(8, "Broken", 1)
	dir := filepath.Join(dest, "Broken")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexName), []byte(`{"version":`), 0o644))

	_, err := Open(dest, m, models.FormatDirectory, zerolog.Nop())
	assert.ErrorIs(t, err, ErrCorrupted)

	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexName), []byte(`{"version":"2.0.0","id":8}`), 0o644))
	_, err = Open(dest, m, models.FormatDirectory, zerolog.Nop())
	assert.ErrorIs(t, err, ErrCorrupted, "a newer major index version is not understood")
}

func TestMergeWithExisting(t *testing.T) {
	dest := t.TempDir()
	m := testManga(9, "Merge", 4)

	first, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.AddCover(writeSource(t, "old cover"), ".png"))
	addChapter(t, first, m.Chapters[0], 2)
	addChapter(t, first, m.Chapters[1], 2)
	_, err = first.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Cleanup())

	second, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	// Chapter two is downloaded again with new content, chapter three is new.
	for p := 1; p <= 2; p++ {
		require.NoError(t, second.AddPage(m.Chapters[1], writeSource(t, "fresh"), p, ".jpg"))
	}
	_, err = second.FlushChapter(m.Chapters[1])
	require.NoError(t, err)
	addChapter(t, second, m.Chapters[2], 1)

	require.NoError(t, second.MergeWithExisting(context.Background()))
	assert.True(t, second.HasCover())
	p, err := second.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, second.Cleanup())

	loaded, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []int64{m.Chapters[0].ID, m.Chapters[1].ID, m.Chapters[2].ID}, chapterIDs(loaded))

	idx, names, err := ReadIndex(p)
	require.NoError(t, err)
	assert.Equal(t, "cover.png", idx.CoverEntry)
	assert.Len(t, names, 1+2+2+1)
}

func TestMergeWithExisting_ChapterInsertedBefore(t *testing.T) {
	dest := t.TempDir()
	m := testManga(13, "Shifted", 3)

	first, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	for _, ch := range m.Chapters {
		addChapter(t, first, ch, 2)
	}
	_, err = first.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Cleanup())

	// The source now lists a new chapter ahead of the archived ones.
	inserted := models.Chapter{ID: 1350, Name: "Prologue", Number: 0.5, Branch: "en", URL: "/chapter/0"}
	updated := *m
	updated.Chapters = append([]models.Chapter{inserted}, m.Chapters...)

	second, err := Open(dest, &updated, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, second.HasPage(inserted, 1), "pages of another chapter are not mistaken for the new one")
	addChapter(t, second, inserted, 2)
	require.NoError(t, second.MergeWithExisting(context.Background()))
	p, err := second.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, second.Cleanup())

	loaded, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []int64{m.Chapters[0].ID, m.Chapters[1].ID, m.Chapters[2].ID, inserted.ID}, chapterIDs(loaded))
	_, names, err := ReadIndex(p)
	require.NoError(t, err)
	assert.Len(t, names, 4*2)
}

func TestMergeWithExisting_NoArchive(t *testing.T) {
	m := testManga(10, "Fresh", 1)
	a, err := Open(t.TempDir(), m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	defer a.Cleanup()
	assert.NoError(t, a.MergeWithExisting(context.Background()))
}

func TestFinish_CancelledKeepsPreviousArchive(t *testing.T) {
	dest := t.TempDir()
	m := testManga(11, "Keep", 2)

	first, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	addChapter(t, first, m.Chapters[0], 1)
	p, err := first.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Cleanup())
	before, err := os.ReadFile(p)
	require.NoError(t, err)

	second, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	addChapter(t, second, m.Chapters[1], 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = second.Finish(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, second.Cleanup())

	after, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	files, _ := os.ReadDir(dest)
	for _, f := range files {
		assert.NotContains(t, f.Name(), ".tmp-")
	}
	// The committed chapter of the cancelled run is still staged.
	resumed, err := Open(dest, m, models.FormatCBZ, zerolog.Nop())
	require.NoError(t, err)
	defer resumed.Cleanup()
	assert.True(t, resumed.HasChapter(m.Chapters[1].ID))
}

func TestLoad_IgnoresChaptersWithoutImages(t *testing.T) {
	dest := t.TempDir()
	m := testManga(12, "Sparse", 2)
	a, err := Open(dest, m, models.FormatDirectory, zerolog.Nop())
	require.NoError(t, err)
	addChapter(t, a, m.Chapters[0], 1)
	addChapter(t, a, m.Chapters[1], 1)
	p, err := a.Finish(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Cleanup())

	require.NoError(t, os.Remove(filepath.Join(p, EntryName(m.Chapters[1], 1)+".jpg")))
	loaded, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []int64{m.Chapters[0].ID}, chapterIDs(loaded))
}
