package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/archive"
	"github.com/vrsandeep/mango-archiver/internal/cache"
	"github.com/vrsandeep/mango-archiver/internal/control"
	"github.com/vrsandeep/mango-archiver/internal/locks"
	"github.com/vrsandeep/mango-archiver/internal/metrics"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/network"
	"github.com/vrsandeep/mango-archiver/internal/util"
	"golang.org/x/sync/singleflight"
)

// ProviderLookup finds the provider serving a source.
type ProviderLookup interface {
	Get(id string) (models.Provider, bool)
}

// Options tunes the download worker.
type Options struct {
	// Destination is used when a task does not name one.
	Destination string
	Format      models.ArchiveFormat
	// MaxAttempts is the number of retries of a unit before pausing.
	MaxAttempts      int
	RetryDelay       time.Duration
	ProgressInterval time.Duration
}

// Worker downloads one manga into its local archive. A single Worker can
// run many downloads concurrently; downloads of the same manga are
// serialized by the entity lock.
type Worker struct {
	providers ProviderLookup
	client    *network.Client
	cache     *cache.PageCache
	locks     *locks.MultiMutex
	opts      Options
	pages     singleflight.Group
	log       zerolog.Logger
}

// NewWorker creates a worker.
func NewWorker(providers ProviderLookup, client *network.Client, pageCache *cache.PageCache,
	entityLocks *locks.MultiMutex, opts Options, logger zerolog.Logger) *Worker {
	if opts.Format == "" {
		opts.Format = models.FormatCBZ
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	return &Worker{
		providers: providers,
		client:    client,
		cache:     pageCache,
		locks:     entityLocks,
		opts:      opts,
		log:       logger.With().Str("component", "downloader").Logger(),
	}
}

// Job is one invocation of a download task.
type Job struct {
	ID    string
	Manga *models.Manga
	Task  models.DownloadTask
	// Downloaded lists chapters committed by a previous attempt. They are
	// not fetched again.
	Downloaded []int64
	Signal     *control.Signal
	// Publish receives every state transition. Terminal states are always
	// delivered; intermediate ones are throttled.
	Publish func(models.DownloadState)
}

// run holds the mutable state of one download.
type run struct {
	w     *Worker
	job   Job
	state models.DownloadState
	pub   *publisher
	eta   *etaEstimator
	safe  *failsafe
	log   zerolog.Logger
}

// Run downloads the job and returns its final state. Cancelling ctx stops
// the download at the next suspension point; the returned error is then
// ctx.Err() and chapters flushed so far stay in the staging area for the
// next attempt.
func (w *Worker) Run(ctx context.Context, job Job) (models.DownloadState, error) {
	if job.Signal == nil {
		job.Signal = control.NewSignal(false)
	}
	emit := job.Publish
	if emit == nil {
		emit = func(models.DownloadState) {}
	}
	r := &run{
		w:   w,
		job: job,
		state: models.DownloadState{
			TaskID:             job.ID,
			Manga:              job.Manga,
			IsIndeterminate:    true,
			DownloadedChapters: slices.Clone(job.Downloaded),
		},
		pub: newPublisher(w.opts.ProgressInterval, emit),
		eta: newETA(),
		log: w.log.With().Str("task_id", job.ID).Int64("manga_id", job.Manga.ID).Logger(),
	}
	if r.state.DownloadedChapters == nil {
		r.state.DownloadedChapters = []int64{}
	}
	r.safe = &failsafe{
		maxAttempts: w.opts.MaxAttempts,
		delay:       w.opts.RetryDelay,
		signal:      job.Signal,
		pause:       r.onPaused,
		resume:      r.onResumed,
		log:         r.log,
	}
	defer r.pub.close()

	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	r.pub.publish(r.state, true)
	err := r.download(ctx)
	switch {
	case err == nil:
		r.log.Info().Str("archive", r.state.LocalArchive).Msg("Download finished")
	case ctx.Err() != nil:
		err = ctx.Err()
		r.state.IsPaused = false
		r.state.IsStopped = true
		r.log.Info().Msg("Download cancelled")
		r.pub.publish(r.state, true)
	case !IsFatal(err) && isIOError(err):
		err = fmt.Errorf("%w: %w", ErrRetryLater, err)
		r.state.IsPaused = false
		r.state.IsStopped = true
		r.log.Warn().Err(err).Msg("Download interrupted, will retry")
		r.pub.publish(r.state, true)
	default:
		r.state.IsPaused = false
		r.state.Error = ErrorMessage(err)
		r.log.Error().Err(err).Msg("Download failed")
		r.pub.publish(r.state, true)
	}
	return r.state.Clone(), err
}

// target returns the directory and format a task is written with.
func (w *Worker) target(task models.DownloadTask) (string, models.ArchiveFormat, error) {
	dest, err := util.ResolveDestination(task.Destination, w.opts.Destination)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNoStorage, err)
	}
	format := task.Format
	if format == "" {
		format = w.opts.Format
	}
	return dest, format, nil
}

// ArchivePath returns where the finished archive of manga is written for
// task.
func (w *Worker) ArchivePath(manga *models.Manga, task models.DownloadTask) (string, error) {
	dest, format, err := w.target(task)
	if err != nil {
		return "", err
	}
	return archive.FinalPath(dest, manga, format), nil
}

func (r *run) download(ctx context.Context) error {
	w := r.w
	dest, format, err := w.target(r.job.Task)
	if err != nil {
		return err
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	if err := w.locks.Lock(ctx, r.job.Manga.ID); err != nil {
		return err
	}
	defer w.locks.Unlock(r.job.Manga.ID)

	provider, ok := w.providers.Get(r.job.Manga.Source)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, r.job.Manga.Source)
	}

	manga := r.job.Manga
	if len(manga.Chapters) == 0 {
		err := r.safe.run(ctx, func(ctx context.Context) error {
			details, err := provider.GetDetails(ctx, manga)
			if err != nil {
				return err
			}
			manga = details
			return nil
		})
		if err != nil {
			if errors.Is(err, errSkipped) {
				return ErrNoChapters
			}
			return err
		}
		r.state.Manga = manga
	}

	chapters, err := selectChapters(manga, r.job.Task.ChapterIDs)
	if err != nil {
		return err
	}

	arc, err := archive.Open(dest, manga, format, r.log)
	if err != nil {
		return storageError(err)
	}
	// Cleanup must run even when ctx is already cancelled.
	defer func() {
		if err := arc.Cleanup(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to clean up archive staging area")
		}
	}()

	if err := r.fetchCover(ctx, arc, manga); err != nil {
		return err
	}

	r.state.TotalChapters = len(chapters)
	r.state.IsIndeterminate = false
	r.pub.publish(r.state, true)

	for i, ch := range chapters {
		r.state.CurrentChapter = i
		r.state.CurrentPage = 0
		r.state.TotalPages = 0
		if r.state.IsChapterDownloaded(ch.ID) {
			continue
		}
		if err := r.downloadChapter(ctx, provider, arc, ch); err != nil {
			if errors.Is(err, errSkipped) {
				r.log.Info().Int64("chapter_id", ch.ID).Msg("Chapter skipped")
				continue
			}
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := arc.MergeWithExisting(ctx); err != nil {
		return storageError(err)
	}
	p, err := arc.Finish(ctx)
	if err != nil {
		return storageError(err)
	}
	r.state.CurrentChapter = len(chapters)
	r.state.CurrentPage = 0
	r.state.TotalPages = 0
	r.state.ETA = 0
	r.state.LocalArchive = p
	r.pub.publish(r.state, true)
	return nil
}

// selectChapters returns the chapters of the task in list order.
func selectChapters(manga *models.Manga, ids []int64) ([]models.Chapter, error) {
	if len(manga.Chapters) == 0 {
		return nil, ErrNoChapters
	}
	if ids == nil {
		return manga.Chapters, nil
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var chapters []models.Chapter
	for _, ch := range manga.Chapters {
		if wanted[ch.ID] {
			chapters = append(chapters, ch)
			delete(wanted, ch.ID)
		}
	}
	if len(wanted) > 0 {
		missing := make([]int64, 0, len(wanted))
		for id := range wanted {
			missing = append(missing, id)
		}
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: %v", ErrChaptersNotFound, missing)
	}
	if len(chapters) == 0 {
		return nil, ErrNoChapters
	}
	return chapters, nil
}

// fetchCover stores the cover before any chapter so a resumed download
// always has one. A skipped cover is not an error.
func (r *run) fetchCover(ctx context.Context, arc *archive.Archive, manga *models.Manga) error {
	coverURL := manga.LargeCoverURL
	if coverURL == "" {
		coverURL = manga.CoverURL
	}
	if coverURL == "" || arc.HasCover() {
		return nil
	}
	err := r.safe.run(ctx, func(ctx context.Context) error {
		file, err := r.w.fetch(ctx, manga.Source, coverURL)
		if err != nil {
			return err
		}
		return arc.AddCover(file, imageExt(file, coverURL))
	})
	if errors.Is(err, errSkipped) {
		return nil
	}
	return err
}

func (r *run) downloadChapter(ctx context.Context, provider models.Provider, arc *archive.Archive, ch models.Chapter) error {
	log := r.log.With().Int64("chapter_id", ch.ID).Logger()

	var pages []models.Page
	err := r.safe.run(ctx, func(ctx context.Context) error {
		var err error
		pages, err = provider.GetPages(ctx, ch)
		return err
	})
	if err != nil {
		return err
	}
	r.state.TotalPages = len(pages)
	r.pub.publish(r.state, false)

	for i, page := range pages {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		n := i + 1
		if arc.HasPage(ch, n) {
			r.state.CurrentPage = n
			continue
		}
		err := r.safe.run(ctx, func(ctx context.Context) error {
			url, err := provider.GetPageURL(ctx, page)
			if err != nil {
				return err
			}
			source := page.Source
			if source == "" {
				source = ch.Source
			}
			file, err := r.w.fetch(ctx, source, url)
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return arc.AddPage(ch, file, n, imageExt(file, url))
		})
		switch {
		case errors.Is(err, errSkipped):
			log.Info().Int("page", n).Msg("Page skipped")
		case err != nil:
			return err
		default:
			metrics.PagesDownloaded.WithLabelValues(ch.Source).Inc()
		}
		r.state.CurrentPage = n
		r.publishProgress()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	flushed, err := arc.FlushChapter(ch)
	if err != nil {
		return storageError(err)
	}
	if flushed {
		metrics.ChaptersFlushed.Inc()
	}
	if !r.state.IsChapterDownloaded(ch.ID) {
		r.state.DownloadedChapters = append(r.state.DownloadedChapters, ch.ID)
	}
	log.Debug().Int("pages", len(pages)).Bool("flushed", flushed).Msg("Chapter committed")
	r.publishProgress()
	return nil
}

// checkpoint blocks while the user has paused the download.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.job.Signal.IsPaused() {
		return nil
	}
	r.state.IsPaused = true
	r.state.ETA = 0
	r.pub.publish(r.state, true)
	r.log.Info().Msg("Download paused")
	// Skip without a pending error is treated as resume.
	if _, err := r.job.Signal.AwaitResumed(ctx); err != nil {
		return err
	}
	r.onResumed()
	return nil
}

func (r *run) onPaused(err error) {
	r.state.IsPaused = true
	r.state.Error = ErrorMessage(err)
	r.state.ETA = 0
	r.pub.publish(r.state, true)
}

func (r *run) onResumed() {
	r.state.IsPaused = false
	r.state.Error = ""
	r.eta.reset(r.state.Percent())
	r.log.Info().Msg("Download resumed")
	r.pub.publish(r.state, true)
}

func (r *run) publishProgress() {
	r.state.ETA = r.eta.estimate(r.state.Percent())
	r.pub.publish(r.state, false)
}

// fetch returns a local file holding the bytes at url, consulting the page
// cache first. Concurrent fetches of the same url share one request.
func (w *Worker) fetch(ctx context.Context, source, url string) (string, error) {
	if p, ok := w.cache.Get(url); ok {
		return p, nil
	}
	v, err, _ := w.pages.Do(url, func() (any, error) {
		if p, ok := w.cache.Get(url); ok {
			return p, nil
		}
		resp, err := w.client.Get(ctx, source, url, http.Header{"Accept": {"image/*,*/*;q=0.8"}})
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		return w.cache.Put(url, resp.Body)
	})
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The shared request belonged to a cancelled download.
		return "", fmt.Errorf("shared page request aborted: %w", io.ErrUnexpectedEOF)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

var imageExts = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// imageExt picks the extension of a downloaded image from its content,
// falling back to the url.
func imageExt(file, url string) string {
	if f, err := os.Open(file); err == nil {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		f.Close()
		if ext, ok := imageExts[http.DetectContentType(head[:n])]; ok {
			return ext
		}
	}
	u := url
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if ext := strings.ToLower(path.Ext(u)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".jpg"
}
