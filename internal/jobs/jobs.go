package jobs

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/vrsandeep/mango-archiver/internal/models"
)

const (
	PruneDownloadsJob = "prune-downloads"
	FlushCacheJob     = "flush-page-cache"
)

// RegisterDefaults adds the built-in maintenance jobs to jm.
func RegisterDefaults(jm *JobManager) {
	jm.Register(PruneDownloadsJob, "Prune Finished Downloads", RunPruneDownloads)
	jm.Register(FlushCacheJob, "Flush Page Cache", RunFlushPageCache)
}

// StartJobs starts the background job scheduler. Stop the returned
// scheduler on shutdown.
func StartJobs(app JobContext) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	cfg := app.Config().Jobs
	schedule(s, app, PruneDownloadsJob, cfg.PruneInterval)
	schedule(s, app, FlushCacheJob, cfg.CacheFlushInterval)

	log := app.Logger()
	log.Info().Msg("Starting background job scheduler...")
	s.StartAsync()
	return s
}

func schedule(s *gocron.Scheduler, app JobContext, jobID string, interval int) {
	log := app.Logger().With().Str("component", "jobs").Str("job", jobID).Logger()
	if interval <= 0 {
		log.Info().Msg("Interval is 0, scheduled job is disabled")
		return
	}

	log.Info().Int("minutes", interval).Msg("Scheduling job")
	_, err := s.Every(interval).Minutes().WaitForSchedule().Do(func() {
		// Go through the manager so scheduled and manual runs never overlap.
		if err := app.JobManager().RunJob(jobID, app); err != nil {
			log.Warn().Err(err).Msg("Scheduled job could not start")
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Error scheduling job")
	}
}

func broadcastDone(app JobContext, jobID, message string) {
	if hub := app.WsHub(); hub != nil {
		hub.BroadcastJSON(models.ProgressUpdate{JobID: jobID, Message: message, Progress: 100, Done: true})
	}
}

// RunPruneDownloads removes completed and cancelled download records older
// than the configured retention.
func RunPruneDownloads(app JobContext) {
	retention := app.Config().Jobs.CompletedRetention
	n, err := app.Store().PruneCompletedTasks(time.Now().Add(-retention))
	if err != nil {
		log := app.Logger()
		log.Error().Err(err).Str("job", PruneDownloadsJob).Msg("Failed to prune downloads")
		app.JobManager().fail(PruneDownloadsJob, err)
		broadcastDone(app, PruneDownloadsJob, "Pruning failed: "+err.Error())
		return
	}
	broadcastDone(app, PruneDownloadsJob, fmt.Sprintf("Pruned %d finished downloads.", n))
}

// RunFlushPageCache trims the page cache to its capacity and persists its
// index so a restart keeps the cached pages.
func RunFlushPageCache(app JobContext) {
	pc := app.PageCache()
	if pc == nil {
		return
	}
	pc.Trim()
	if err := pc.Flush(); err != nil {
		log := app.Logger()
		log.Error().Err(err).Str("job", FlushCacheJob).Msg("Failed to flush page cache")
		app.JobManager().fail(FlushCacheJob, err)
		broadcastDone(app, FlushCacheJob, "Cache flush failed: "+err.Error())
		return
	}
	broadcastDone(app, FlushCacheJob, fmt.Sprintf("Page cache holds %d pages (%d bytes).", pc.Len(), pc.Size()))
}
