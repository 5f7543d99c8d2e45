package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/cache"
	"github.com/vrsandeep/mango-archiver/internal/config"
	"github.com/vrsandeep/mango-archiver/internal/store"
	"github.com/vrsandeep/mango-archiver/internal/websocket"
)

// JobContext is an interface that provides the necessary dependencies for a job to run.
// The core.App struct implements this interface.
type JobContext interface {
	Config() *config.Config
	Store() *store.Store
	PageCache() *cache.PageCache
	WsHub() *websocket.Hub
	Logger() zerolog.Logger
	JobManager() *JobManager
}

type jobTask func(ctx JobContext)

type registeredJob struct {
	name string
	task jobTask
}

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "idle", "running", "success", "failed"
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// JobManager runs registered maintenance jobs, one at a time.
type JobManager struct {
	mu      sync.Mutex
	jobs    map[string]registeredJob
	status  map[string]*JobStatus
	running bool
	appCtx  JobContext
	log     zerolog.Logger
}

func NewManager(appCtx JobContext) *JobManager {
	return &JobManager{
		jobs:   make(map[string]registeredJob),
		status: make(map[string]*JobStatus),
		appCtx: appCtx,
		log:    appCtx.Logger().With().Str("component", "jobs").Logger(),
	}
}

func (jm *JobManager) Register(id, name string, task jobTask) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs[id] = registeredJob{name: name, task: task}
	jm.status[id] = &JobStatus{ID: id, Name: name, Status: "idle"}
}

// RunJob starts a job in the background. It fails if any job is running.
func (jm *JobManager) RunJob(id string, ctx JobContext) error {
	jm.mu.Lock()
	if jm.running {
		jm.mu.Unlock()
		return fmt.Errorf("a job is already running")
	}
	job, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("job '%s' not found", id)
	}

	jm.running = true
	status := jm.status[id]
	status.Status = "running"
	status.StartTime = time.Now()
	status.EndTime = time.Time{}
	status.Message = "Job started..."
	jm.mu.Unlock()

	jm.log.Info().Str("job", id).Msg("Starting job")
	go func() {
		defer func() {
			r := recover()
			jm.mu.Lock()
			if r != nil {
				jm.log.Error().Str("job", id).Interface("panic", r).Msg("Job panicked")
				status.Status = "failed"
				status.Message = fmt.Sprintf("Job panicked: %v", r)
			}
			status.EndTime = time.Now()
			if status.Status == "running" {
				status.Status = "success"
				status.Message = "Job completed successfully."
			}
			jm.running = false
			jm.mu.Unlock()
			jm.log.Info().Str("job", id).Dur("took", status.EndTime.Sub(status.StartTime)).Msg("Finished job")
		}()

		job.task(ctx)
	}()
	return nil
}

// fail marks the running job as failed. Jobs call it instead of panicking.
func (jm *JobManager) fail(id string, err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if s, ok := jm.status[id]; ok {
		s.Status = "failed"
		s.Message = err.Error()
	}
}

// GetStatus returns a snapshot of all jobs sorted by id.
func (jm *JobManager) GetStatus() []JobStatus {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	statuses := make([]JobStatus, 0, len(jm.status))
	for _, s := range jm.status {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
