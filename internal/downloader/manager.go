package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/control"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/store"
)

// Broadcaster pushes progress updates to interested clients.
type Broadcaster interface {
	BroadcastJSON(v any)
}

var activeStatuses = []models.TaskStatus{models.StatusQueued, models.StatusRunning, models.StatusPaused}

type runningTask struct {
	cancel        context.CancelFunc
	signal        *control.Signal
	userCancelled bool
	done          chan struct{}
}

// ManagerOptions tunes the download manager.
type ManagerOptions struct {
	Workers      int
	PollInterval time.Duration
	// RequeueDelay is how long a task that asked to be retried later waits
	// in the queue before it is picked up again.
	RequeueDelay time.Duration
}

// Manager runs persisted download tasks on a pool of workers and exposes
// the control surface used by the API, the CLI and signal files.
type Manager struct {
	store        *store.Store
	worker       *Worker
	hub          Broadcaster
	numWorkers   int
	pollInterval time.Duration
	requeueDelay time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	running map[string]*runningTask
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a manager. Call Start to begin processing the queue.
func NewManager(st *store.Store, worker *Worker, hub Broadcaster, opts ManagerOptions, logger zerolog.Logger) *Manager {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RequeueDelay < 0 {
		opts.RequeueDelay = 0
	}
	return &Manager{
		store:        st,
		worker:       worker,
		hub:          hub,
		numWorkers:   opts.Workers,
		pollInterval: opts.PollInterval,
		requeueDelay: opts.RequeueDelay,
		log:          logger.With().Str("component", "download-manager").Logger(),
		running:      make(map[string]*runningTask),
		wake:         make(chan struct{}, 1),
	}
}

// Start re-queues tasks interrupted by a previous shutdown and starts the
// dispatcher. It returns immediately; cancelling ctx stops all downloads,
// which are queued again on the next start.
func (m *Manager) Start(ctx context.Context) {
	if n, err := m.store.ResetRunningTasks(); err != nil {
		m.log.Error().Err(err).Msg("Failed to re-queue interrupted tasks")
	} else if n > 0 {
		m.log.Info().Int64("count", n).Msg("Re-queued interrupted downloads")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			m.dispatch(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-m.wake:
			}
		}
	}()
}

// Wait blocks until the dispatcher and all running downloads have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch claims as many queued tasks as there are free workers.
func (m *Manager) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	free := m.numWorkers - len(m.running)
	m.mu.Unlock()
	if free <= 0 {
		return
	}

	records, err := m.store.GetQueuedTasks(free)
	if err != nil {
		m.log.Error().Err(err).Msg("Error fetching queued tasks")
		return
	}
	for _, rec := range records {
		ok, err := m.store.ClaimTask(rec.ID)
		if err != nil {
			m.log.Error().Err(err).Str("task_id", rec.ID).Msg("Failed to claim task")
			continue
		}
		if !ok {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		rt := &runningTask{cancel: cancel, signal: control.NewSignal(false), done: make(chan struct{})}
		m.mu.Lock()
		m.running[rec.ID] = rt
		m.mu.Unlock()

		m.wg.Add(1)
		go func(rec *models.DownloadRecord) {
			defer m.wg.Done()
			m.execute(taskCtx, rec, rt)
		}(rec)
	}
}

func (m *Manager) execute(ctx context.Context, rec *models.DownloadRecord, rt *runningTask) {
	defer func() {
		rt.cancel()
		m.mu.Lock()
		delete(m.running, rec.ID)
		m.mu.Unlock()
		close(rt.done)
		m.notify()
	}()
	log := m.log.With().Str("task_id", rec.ID).Logger()

	manga, err := m.store.GetManga(rec.MangaID)
	if err != nil {
		log.Error().Err(err).Msg("Cannot load manga of task")
		m.finish(rec.ID, models.StatusFailed, ErrorMessage(err), nil)
		return
	}

	state, err := m.worker.Run(ctx, Job{
		ID:         rec.ID,
		Manga:      manga,
		Task:       rec.Task,
		Downloaded: rec.DownloadedChapters,
		Signal:     rt.signal,
		Publish:    m.publisher(rec.ID),
	})

	m.mu.Lock()
	userCancelled := rt.userCancelled
	m.mu.Unlock()

	switch {
	case err == nil:
		m.finish(rec.ID, models.StatusCompleted, "Downloaded to "+state.LocalArchive, &state)
	case errors.Is(err, context.Canceled) && userCancelled:
		m.finish(rec.ID, models.StatusCancelled, "Cancelled by user", &state)
	case errors.Is(err, context.Canceled):
		// Shutdown; pick it up again on the next start.
		m.finish(rec.ID, models.StatusQueued, "Interrupted by shutdown", nil)
	case errors.Is(err, ErrRetryLater):
		m.requeue(rec.ID, ErrorMessage(err))
	default:
		m.finish(rec.ID, models.StatusFailed, ErrorMessage(err), &state)
	}
}

// requeue puts a task back in the queue for a later attempt.
func (m *Manager) requeue(id, message string) {
	retryAt := time.Now().Add(m.requeueDelay)
	m.log.Warn().Str("task_id", id).Time("retry_at", retryAt).Str("reason", message).Msg("Download will be retried")
	if err := m.store.RequeueTask(id, message, retryAt); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.Error().Err(err).Str("task_id", id).Msg("Failed to re-queue task")
	}
	m.broadcast(id, models.StatusQueued, message, nil, false)
}

// finish records the outcome of a run and broadcasts it.
func (m *Manager) finish(id string, status models.TaskStatus, message string, state *models.DownloadState) {
	if err := m.store.UpdateTaskStatus(id, status, message); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.Error().Err(err).Str("task_id", id).Msg("Failed to update task status")
	}
	m.broadcast(id, status, message, state, status.IsFinal())
}

// publisher returns the callback receiving the states of one run. States
// are persisted so progress survives a restart.
func (m *Manager) publisher(id string) func(models.DownloadState) {
	mangaSaved := false
	lastPaused := false
	return func(state models.DownloadState) {
		if state.Manga != nil && len(state.Manga.Chapters) > 0 && !mangaSaved {
			if err := m.store.SaveManga(state.Manga); err != nil {
				m.log.Warn().Err(err).Str("task_id", id).Msg("Failed to save manga details")
			}
			mangaSaved = true
		}
		if err := m.store.UpdateTaskState(id, state); err != nil {
			m.log.Warn().Err(err).Str("task_id", id).Msg("Failed to persist download state")
		}

		status := models.StatusRunning
		message := ""
		if state.IsPaused {
			status = models.StatusPaused
			message = state.Error
		}
		if state.IsPaused != lastPaused && !state.IsTerminal() && !state.IsStopped {
			from := []models.TaskStatus{models.StatusRunning, models.StatusPaused}
			if _, err := m.store.TransitionTask(id, from, status, message); err != nil {
				m.log.Warn().Err(err).Str("task_id", id).Msg("Failed to update task status")
			}
			lastPaused = state.IsPaused
		}
		if state.IsTerminal() || state.IsStopped {
			// The final status is broadcast by finish.
			return
		}
		m.broadcast(id, status, message, &state, false)
	}
}

func (m *Manager) broadcast(id string, status models.TaskStatus, message string, state *models.DownloadState, done bool) {
	if m.hub == nil {
		return
	}
	update := models.ProgressUpdate{
		JobID:   "download",
		TaskID:  id,
		Status:  status,
		Message: message,
		Done:    done,
	}
	if state != nil {
		s := state.Clone()
		s.Manga = nil
		update.State = &s
		update.Phase = s.Phase()
		update.Progress = s.Percent()
		if update.Message == "" {
			update.Message = progressMessage(s)
		}
	}
	m.hub.BroadcastJSON(update)
}

func progressMessage(s models.DownloadState) string {
	switch {
	case s.IsIndeterminate:
		return "Preparing download..."
	case s.TotalPages > 0:
		return fmt.Sprintf("Chapter %d/%d, page %d/%d", s.CurrentChapter+1, s.TotalChapters, s.CurrentPage, s.TotalPages)
	default:
		return fmt.Sprintf("Chapter %d/%d", s.CurrentChapter+1, s.TotalChapters)
	}
}

// Schedule stores manga and queues one task per request. A request equal to
// an active task of the same manga is not queued twice; the id of the
// existing task is returned instead.
func (m *Manager) Schedule(manga *models.Manga, tasks ...models.DownloadTask) ([]string, error) {
	if err := m.store.SaveManga(manga); err != nil {
		return nil, fmt.Errorf("failed to save manga: %w", err)
	}
	active, err := m.store.ListTasks(activeStatuses...)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		task.MangaID = manga.ID
		if task.ChapterIDs != nil && len(task.ChapterIDs) == 0 {
			return ids, ErrNoChapters
		}
		if existing := findEqual(active, task); existing != "" {
			ids = append(ids, existing)
			continue
		}
		status := models.StatusQueued
		if task.IsPaused {
			status = models.StatusPaused
		}
		rec, err := m.store.CreateTask(uuid.NewString(), task, status)
		if err != nil {
			return ids, err
		}
		active = append(active, rec)
		ids = append(ids, rec.ID)
		m.broadcast(rec.ID, status, "Queued", &models.DownloadState{
			TaskID:          rec.ID,
			IsIndeterminate: true,
			IsStopped:       !task.IsPaused,
			IsPaused:        task.IsPaused,
		}, false)
		m.log.Info().Str("task_id", rec.ID).Int64("manga_id", manga.ID).Str("status", string(status)).Msg("Download scheduled")
	}
	m.notify()
	return ids, nil
}

func findEqual(records []*models.DownloadRecord, task models.DownloadTask) string {
	for _, rec := range records {
		if rec.Task.Equal(task) {
			return rec.ID
		}
	}
	return ""
}

func (m *Manager) lookup(id string) *runningTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

// Cancel stops a task. A running download is interrupted at its next
// suspension point; its flushed chapters are kept for a later retry.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	rt, ok := m.running[id]
	if ok {
		rt.userCancelled = true
	}
	m.mu.Unlock()
	if ok {
		rt.cancel()
		return nil
	}
	changed, err := m.store.TransitionTask(id, []models.TaskStatus{models.StatusQueued, models.StatusPaused}, models.StatusCancelled, "Cancelled by user")
	if err != nil {
		return err
	}
	if !changed {
		return m.notActive(id)
	}
	m.broadcast(id, models.StatusCancelled, "Cancelled by user", nil, true)
	return nil
}

// CancelAll cancels every active task.
func (m *Manager) CancelAll() error {
	records, err := m.store.ListTasks(activeStatuses...)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range records {
		if err := m.Cancel(rec.ID); err != nil && !errors.Is(err, ErrNotActive) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrNotActive is returned by control operations on finished tasks.
var ErrNotActive = errors.New("task is not active")

func (m *Manager) notActive(id string) error {
	if _, err := m.store.GetTask(id); err != nil {
		return err
	}
	return fmt.Errorf("task %s: %w", id, ErrNotActive)
}

// Pause pauses a task. A running download stops before its next page.
func (m *Manager) Pause(id string) error {
	if rt := m.lookup(id); rt != nil {
		rt.signal.Pause()
		_, err := m.store.TransitionTask(id, []models.TaskStatus{models.StatusRunning}, models.StatusPaused, "Paused by user")
		return err
	}
	changed, err := m.store.TransitionTask(id, []models.TaskStatus{models.StatusQueued}, models.StatusPaused, "Paused by user")
	if err != nil {
		return err
	}
	if !changed {
		rec, err := m.store.GetTask(id)
		if err != nil {
			return err
		}
		if rec.Status == models.StatusPaused {
			return nil
		}
		return fmt.Errorf("task %s: %w", id, ErrNotActive)
	}
	m.broadcast(id, models.StatusPaused, "Paused by user", nil, false)
	return nil
}

// Resume continues a paused task, retrying the unit that failed if the
// pause was caused by errors.
func (m *Manager) Resume(id string) error {
	if rt := m.lookup(id); rt != nil {
		rt.signal.Resume()
		_, err := m.store.TransitionTask(id, []models.TaskStatus{models.StatusPaused}, models.StatusRunning, "")
		return err
	}
	changed, err := m.store.TransitionTask(id, []models.TaskStatus{models.StatusPaused}, models.StatusQueued, "Resumed by user")
	if err != nil {
		return err
	}
	if !changed {
		rec, err := m.store.GetTask(id)
		if err != nil {
			return err
		}
		if rec.Status == models.StatusQueued || rec.Status == models.StatusRunning {
			return nil
		}
		return fmt.Errorf("task %s: %w", id, ErrNotActive)
	}
	m.broadcast(id, models.StatusQueued, "Resumed by user", nil, false)
	m.notify()
	return nil
}

// Skip resumes a download paused on errors and drops the unit that failed.
// It has no effect on a download that is not paused.
func (m *Manager) Skip(id string) error {
	if rt := m.lookup(id); rt != nil {
		rt.signal.Skip()
		_, err := m.store.TransitionTask(id, []models.TaskStatus{models.StatusPaused}, models.StatusRunning, "")
		return err
	}
	return m.Resume(id)
}

// Delete cancels and removes tasks.
func (m *Manager) Delete(ids ...string) (int64, error) {
	for _, id := range ids {
		if rt := m.lookup(id); rt != nil {
			m.mu.Lock()
			rt.userCancelled = true
			m.mu.Unlock()
			rt.cancel()
			<-rt.done
		}
	}
	return m.store.DeleteTasks(ids...)
}

// Get returns a task.
func (m *Manager) Get(id string) (*models.DownloadRecord, error) {
	return m.store.GetTask(id)
}

// ListActive returns queued, running and paused tasks.
func (m *Manager) ListActive() ([]*models.DownloadRecord, error) {
	return m.store.ListTasks(activeStatuses...)
}

// List returns all tasks, or those in the given statuses.
func (m *Manager) List(statuses ...models.TaskStatus) ([]*models.DownloadRecord, error) {
	return m.store.ListTasks(statuses...)
}

// RemoveCompleted deletes successfully completed tasks.
func (m *Manager) RemoveCompleted() (int64, error) {
	return m.store.DeleteCompletedTasks()
}

// Await blocks until the task reaches a final status and returns it.
func (m *Manager) Await(ctx context.Context, id string) (*models.DownloadRecord, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, err := m.store.GetTask(id)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsFinal() && m.lookup(id) == nil {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleSignal applies a command received from a signal file.
func (m *Manager) HandleSignal(taskID, command string) error {
	switch command {
	case control.CommandPause:
		return m.Pause(taskID)
	case control.CommandResume:
		return m.Resume(taskID)
	case control.CommandSkip:
		return m.Skip(taskID)
	case control.CommandCancel:
		return m.Cancel(taskID)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// ArchivePath returns where task writes the archive of manga.
func (m *Manager) ArchivePath(manga *models.Manga, task models.DownloadTask) (string, error) {
	return m.worker.ArchivePath(manga, task)
}
