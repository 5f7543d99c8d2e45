// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/core"
	"github.com/vrsandeep/mango-archiver/internal/store"
)

// Server holds the dependencies for our API.
type Server struct {
	app   *core.App
	store *store.Store
	log   zerolog.Logger
}

// Store returns the store instance.
func (s *Server) Store() *store.Store {
	return s.store
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{
		app:   app,
		store: app.Store(),
		log:   app.Logger().With().Str("component", "api").Logger(),
	}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer) // Recovers from panics

	r.Route("/api", func(r chi.Router) {
		// Long running upstream calls are bounded here; the websocket and
		// metrics routes stay outside.
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/version", s.handleGetVersion)
		r.Get("/health", s.handleHealth)

		// Source routes
		r.Get("/providers", s.handleListProviders)
		r.Get("/providers/{providerID}/search", s.handleProviderSearch)
		r.Get("/providers/{providerID}/manga", s.handleProviderGetDetails)

		// Download routes
		r.Post("/downloads", s.handleScheduleDownload)
		r.Get("/downloads", s.handleListDownloads)
		r.Delete("/downloads", s.handleDeleteDownloads)
		r.Post("/downloads/action", s.handleQueueAction)
		r.Get("/downloads/{taskID}", s.handleGetDownload)
		r.Delete("/downloads/{taskID}", s.handleDeleteDownload)
		r.Post("/downloads/{taskID}/action", s.handleTaskAction)

		r.Post("/history", s.handleRecordHistory)
		r.Get("/history", s.handleGetHistory)
		r.Get("/archives/{mangaID}", s.handleGetArchive)

		// Maintenance jobs
		r.Route("/admin", func(r chi.Router) {
			r.Get("/jobs/status", s.handleGetAdminJobsStatus)
			r.Post("/jobs/run", s.handleRunAdminJob)
		})
	})

	// WebSocket route
	r.Get("/ws/progress", func(w http.ResponseWriter, r *http.Request) {
		s.app.WsHub().ServeWs(w, r)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger logs one line per request through the component logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
