package api_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mango-archiver/internal/core"
	"github.com/vrsandeep/mango-archiver/internal/jobs"
)

func TestAdminHandlers(t *testing.T) {
	env := setupTestServer(t, 1, 1)

	t.Run("Version", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/version", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, core.Version, decode[map[string]string](t, rr)["version"])
	})

	t.Run("Health", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/health", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
	})

	t.Run("Jobs Status", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/admin/jobs/status", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		statuses := decode[[]jobs.JobStatus](t, rr)
		require.Len(t, statuses, 2)
		assert.Equal(t, jobs.FlushCacheJob, statuses[0].ID)
		assert.Equal(t, jobs.PruneDownloadsJob, statuses[1].ID)
	})

	t.Run("Run Job", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/admin/jobs/run", map[string]string{"job_name": jobs.PruneDownloadsJob})
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		require.Eventually(t, func() bool {
			for _, st := range env.app.JobManager().GetStatus() {
				if st.ID == jobs.PruneDownloadsJob {
					return st.Status == "success"
				}
			}
			return false
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Run Unknown Job", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/admin/jobs/run", map[string]string{"job_name": "nope"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("Invalid Payload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/admin/jobs/run", "not an object")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "mango_active_downloads")
	})
}
