package downloader_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mango-archiver/internal/archive"
	"github.com/vrsandeep/mango-archiver/internal/cache"
	"github.com/vrsandeep/mango-archiver/internal/control"
	"github.com/vrsandeep/mango-archiver/internal/downloader"
	"github.com/vrsandeep/mango-archiver/internal/locks"
	"github.com/vrsandeep/mango-archiver/internal/mirrors"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/network"
	"github.com/vrsandeep/mango-archiver/internal/testutil"
)

type providerSet map[string]models.Provider

func (p providerSet) Get(id string) (models.Provider, bool) {
	v, ok := p[id]
	return v, ok
}

func newWorker(t *testing.T, src *testutil.FakeSource, dest string) *downloader.Worker {
	t.Helper()
	log := zerolog.Nop()
	pageCache, err := cache.New(cache.Options{Dir: t.TempDir(), FreeSpaceFraction: 0.5, MinSize: 8 << 20, MaxSize: 8 << 20}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pageCache.Close() })
	client := network.NewClient(5*time.Second, mirrors.NewRegistry(log), log)
	return downloader.NewWorker(providerSet{src.ID: src}, client, pageCache, locks.New(), downloader.Options{
		Destination:      dest,
		Format:           models.FormatCBZ,
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
	}, log)
}

// stateLog records published states.
type stateLog struct {
	mu     sync.Mutex
	states []models.DownloadState
}

func (l *stateLog) publish(s models.DownloadState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []models.DownloadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.DownloadState(nil), l.states...)
}

func archivedChapters(t *testing.T, p string) []int64 {
	t.Helper()
	m, err := archive.Load(p)
	require.NoError(t, err)
	var ids []int64
	for _, ch := range m.Chapters {
		ids = append(ids, ch.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestWorker_DownloadsSelectedChapters(t *testing.T) {
	src := testutil.NewFakeSource(t, "fake", 5, 3)
	dest := t.TempDir()
	w := newWorker(t, src, dest)
	// Two failures stay within the retry budget.
	src.Fail(src.PagePath(2, 1), http.StatusServiceUnavailable, 2)

	var log stateLog
	manga := src.Manga(false)
	state, err := w.Run(context.Background(), downloader.Job{
		ID:      "task-1",
		Manga:   manga,
		Task:    models.DownloadTask{MangaID: manga.ID, ChapterIDs: []int64{1, 2, 3}},
		Publish: log.publish,
	})
	require.NoError(t, err)

	assert.Equal(t, models.PhaseSucceeded, state.Phase())
	assert.ElementsMatch(t, []int64{1, 2, 3}, state.DownloadedChapters)
	assert.Equal(t, archive.FinalPath(dest, manga, models.FormatCBZ), state.LocalArchive)
	assert.Equal(t, 3, src.Fetches(src.PagePath(2, 1)))
	assert.Zero(t, src.Fetches(src.PagePath(4, 1)), "unselected chapters are not fetched")

	assert.Equal(t, []int64{1, 2, 3}, archivedChapters(t, state.LocalArchive))
	idx, names, err := archive.ReadIndex(state.LocalArchive)
	require.NoError(t, err)
	require.NotEmpty(t, idx.CoverEntry)
	assert.Contains(t, names, idx.CoverEntry)
	assert.Len(t, names, 3*3+1, "pages and cover")

	states := log.all()
	require.NotEmpty(t, states)
	assert.True(t, states[0].IsIndeterminate)
	assert.Equal(t, models.PhaseSucceeded, states[len(states)-1].Phase())
	for _, s := range states {
		assert.NotEqual(t, models.PhaseFailed, s.Phase())
		assert.False(t, s.IsPaused)
	}
}

func TestWorker_PauseAndResume(t *testing.T) {
	src := testutil.NewFakeSource(t, "fake", 3, 4)
	w := newWorker(t, src, t.TempDir())
	signal := control.NewSignal(false)
	src.OnFetch(func(path string) {
		if path == src.PagePath(2, 2) {
			signal.Pause()
		}
	})

	var log stateLog
	paused := make(chan struct{})
	var once sync.Once
	publish := func(s models.DownloadState) {
		log.publish(s)
		if s.IsPaused {
			once.Do(func() { close(paused) })
		}
	}

	type result struct {
		state models.DownloadState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s, err := w.Run(context.Background(), downloader.Job{
			ID:      "task-2",
			Manga:   src.Manga(true),
			Task:    models.DownloadTask{MangaID: 1},
			Signal:  signal,
			Publish: publish,
		})
		done <- result{s, err}
	}()

	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not pause")
	}
	// Chapter 1 and the first two pages of chapter 2.
	assert.Equal(t, 6, src.PageFetches())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, src.PageFetches(), "a paused download fetches nothing")
	assert.Zero(t, src.Fetches(src.PagePath(2, 3)))

	signal.Resume()
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish after resume")
	}
	require.NoError(t, res.err)
	assert.Equal(t, models.PhaseSucceeded, res.state.Phase())
	for ch := int64(1); ch <= 3; ch++ {
		for p := 1; p <= 4; p++ {
			assert.Equal(t, 1, src.Fetches(src.PagePath(ch, p)), "chapter %d page %d", ch, p)
		}
	}

	var sawPaused, resumedAfter bool
	for _, s := range log.all() {
		if s.IsPaused {
			sawPaused = true
			assert.Empty(t, s.Error, "a user pause carries no error")
			assert.Equal(t, models.PhasePaused, s.Phase())
		} else if sawPaused {
			resumedAfter = true
		}
	}
	assert.True(t, sawPaused)
	assert.True(t, resumedAfter)
}

func TestWorker_ResumesFromCommittedChapters(t *testing.T) {
	src := testutil.NewFakeSource(t, "fake", 3, 2)
	dest := t.TempDir()
	manga := src.Manga(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.OnFetch(func(path string) {
		if path == src.PagePath(2, 1) {
			cancel()
		}
	})
	first, err := newWorker(t, src, dest).Run(ctx, downloader.Job{
		ID:    "task-3",
		Manga: manga,
		Task:  models.DownloadTask{MangaID: manga.ID},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, first.IsStopped)
	assert.Equal(t, []int64{1}, first.DownloadedChapters)
	assert.NoFileExists(t, archive.FinalPath(dest, manga, models.FormatCBZ))

	src.OnFetch(nil)
	// A fresh cache proves the committed chapter is not fetched again.
	second, err := newWorker(t, src, dest).Run(context.Background(), downloader.Job{
		ID:         "task-3",
		Manga:      manga,
		Task:       models.DownloadTask{MangaID: manga.ID},
		Downloaded: first.DownloadedChapters,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, src.Fetches(src.PagePath(1, 1)))
	assert.Equal(t, 1, src.Fetches(src.PagePath(1, 2)))
	assert.ElementsMatch(t, []int64{1, 2, 3}, second.DownloadedChapters)
	assert.Equal(t, []int64{1, 2, 3}, archivedChapters(t, second.LocalArchive))
}

func TestWorker_SameMangaRunsAreSerialized(t *testing.T) {
	src := testutil.NewFakeSource(t, "fake", 2, 1)
	dest := t.TempDir()
	w := newWorker(t, src, dest)
	manga := src.Manga(true)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src.OnFetch(func(path string) {
		if path != src.PagePath(1, 1) {
			return
		}
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	})

	run := func(id string, chapter int64) <-chan error {
		done := make(chan error, 1)
		go func() {
			_, err := w.Run(context.Background(), downloader.Job{
				ID:    id,
				Manga: manga,
				Task:  models.DownloadTask{MangaID: manga.ID, ChapterIDs: []int64{chapter}},
			})
			done <- err
		}()
		return done
	}

	first := run("task-9", 1)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first download did not start")
	}
	second := run("task-10", 2)

	assert.Never(t, func() bool { return src.Fetches(src.PagePath(2, 1)) > 0 },
		100*time.Millisecond, 10*time.Millisecond, "second run waits for the manga lock")
	select {
	case err := <-second:
		t.Fatalf("second run returned while the first held the lock: %v", err)
	default:
	}

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, 1, src.Fetches(src.PagePath(1, 1)))
	assert.Equal(t, 1, src.Fetches(src.PagePath(2, 1)))
	assert.Equal(t, []int64{1, 2}, archivedChapters(t, archive.FinalPath(dest, manga, models.FormatCBZ)))
}

func TestWorker_SkipsFailingPageAfterPause(t *testing.T) {
	src := testutil.NewFakeSource(t, "fake", 2, 2)
	w := newWorker(t, src, t.TempDir())
	src.Fail(src.PagePath(1, 2), http.StatusInternalServerError, 100)
	signal := control.NewSignal(false)

	var log stateLog
	publish := func(s models.DownloadState) {
		log.publish(s)
		if s.IsPaused && s.Error != "" {
			signal.Skip()
		}
	}
	state, err := w.Run(context.Background(), downloader.Job{
		ID:      "task-4",
		Manga:   src.Manga(true),
		Task:    models.DownloadTask{MangaID: 1},
		Signal:  signal,
		Publish: publish,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, src.Fetches(src.PagePath(1, 2)), "one attempt and three retries")
	assert.ElementsMatch(t, []int64{1, 2}, state.DownloadedChapters)

	var pausedWithError bool
	for _, s := range log.all() {
		if s.IsPaused && s.Error != "" {
			pausedWithError = true
			assert.Equal(t, "Server returned 500 Internal Server Error", s.Error)
		}
	}
	assert.True(t, pausedWithError)
}

func TestWorker_FatalErrors(t *testing.T) {
	src := testutil.NewFakeSource(t, "fake", 2, 1)

	t.Run("unknown chapters", func(t *testing.T) {
		w := newWorker(t, src, t.TempDir())
		state, err := w.Run(context.Background(), downloader.Job{
			ID:    "task-5",
			Manga: src.Manga(true),
			Task:  models.DownloadTask{MangaID: 1, ChapterIDs: []int64{7}},
		})
		assert.ErrorIs(t, err, downloader.ErrChaptersNotFound)
		assert.Equal(t, models.PhaseFailed, state.Phase())
		assert.Zero(t, src.PageFetches())
	})

	t.Run("unknown source", func(t *testing.T) {
		w := newWorker(t, src, t.TempDir())
		manga := src.Manga(true)
		manga.Source = "elsewhere"
		state, err := w.Run(context.Background(), downloader.Job{ID: "task-6", Manga: manga})
		assert.ErrorIs(t, err, downloader.ErrUnknownSource)
		assert.Equal(t, "The manga source is not supported", state.Error)
	})

	t.Run("unusable destination", func(t *testing.T) {
		dest := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dest, ".staging"), []byte("x"), 0o644))
		w := newWorker(t, src, dest)
		state, err := w.Run(context.Background(), downloader.Job{ID: "task-8", Manga: src.Manga(true)})
		assert.ErrorIs(t, err, downloader.ErrNoStorage)
		assert.NotErrorIs(t, err, downloader.ErrRetryLater)
		assert.Equal(t, models.PhaseFailed, state.Phase())
		assert.Equal(t, "No writable storage location is available", state.Error)
	})

	t.Run("server keeps failing without a controller", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		failing := testutil.NewFakeSource(t, "fake", 1, 1)
		failing.Fail(failing.PagePath(1, 1), http.StatusBadGateway, 1000)
		w := newWorker(t, failing, t.TempDir())
		signal := control.NewSignal(false)
		done := make(chan error, 1)
		go func() {
			_, err := w.Run(ctx, downloader.Job{ID: "task-7", Manga: failing.Manga(true), Signal: signal})
			done <- err
		}()
		assert.Eventually(t, signal.IsPaused, time.Second, 5*time.Millisecond, "repeated failures pause the download")
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}
