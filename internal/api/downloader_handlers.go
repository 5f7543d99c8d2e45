// A handler file for all downloader-related API endpoints.

package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/vrsandeep/mango-archiver/internal/archive"
	"github.com/vrsandeep/mango-archiver/internal/control"
	"github.com/vrsandeep/mango-archiver/internal/downloader"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/selection"
	"github.com/vrsandeep/mango-archiver/internal/store"
)

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.Providers().GetAll())
}

func (s *Server) provider(w http.ResponseWriter, id string) (models.Provider, bool) {
	provider, ok := s.app.Providers().Get(id)
	if !ok {
		RespondWithError(w, http.StatusNotFound, "Provider not found")
	}
	return provider, ok
}

func (s *Server) handleProviderSearch(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.provider(w, chi.URLParam(r, "providerID"))
	if !ok {
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		RespondWithError(w, http.StatusBadRequest, "Query parameter 'q' is required")
		return
	}

	results, err := provider.Search(r.Context(), query)
	if err != nil {
		s.log.Error().Err(err).Str("provider", provider.GetInfo().ID).Msg("Search failed")
		RespondWithError(w, http.StatusBadGateway, "Failed to perform search")
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	RespondWithJSON(w, http.StatusOK, results)
}

// handleProviderGetDetails returns a manga with its chapter list. The manga
// is addressed by the url its provider returned in search results.
func (s *Server) handleProviderGetDetails(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.provider(w, chi.URLParam(r, "providerID"))
	if !ok {
		return
	}
	mangaURL := r.URL.Query().Get("url")
	if mangaURL == "" {
		RespondWithError(w, http.StatusBadRequest, "Query parameter 'url' is required")
		return
	}

	manga, err := provider.GetDetails(r.Context(), &models.Manga{URL: mangaURL, Source: provider.GetInfo().ID})
	if err != nil {
		s.log.Error().Err(err).Str("url", mangaURL).Msg("Failed to get manga details")
		RespondWithError(w, http.StatusBadGateway, "Failed to get manga details")
		return
	}
	RespondWithJSON(w, http.StatusOK, manga)
}

// SchedulePayload is the expected structure for scheduling a download.
type SchedulePayload struct {
	ProviderID  string            `json:"provider_id"`
	URL         string            `json:"url"`
	Selection   selection.Request `json:"selection"`
	Destination string            `json:"destination"`
	Format      string            `json:"format"`
	IsPaused    bool              `json:"is_paused"`
	IsSilent    bool              `json:"is_silent"`
}

func (s *Server) handleScheduleDownload(w http.ResponseWriter, r *http.Request) {
	var payload SchedulePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.URL == "" {
		RespondWithError(w, http.StatusBadRequest, "Manga url is required")
		return
	}
	provider, ok := s.provider(w, payload.ProviderID)
	if !ok {
		return
	}
	format, err := models.ParseArchiveFormat(payload.Format, "")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	current, err := s.store.GetCurrentChapters()
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to read history")
		return
	}
	macro, err := payload.Selection.Build(current)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	manga, err := provider.GetDetails(r.Context(), &models.Manga{URL: payload.URL, Source: provider.GetInfo().ID})
	if err != nil {
		s.log.Error().Err(err).Str("url", payload.URL).Msg("Failed to get manga details")
		RespondWithError(w, http.StatusBadGateway, "Failed to get manga details")
		return
	}

	task := models.DownloadTask{
		MangaID:     manga.ID,
		ChapterIDs:  macro.Resolve(manga.ID, manga.Chapters),
		Destination: payload.Destination,
		Format:      format,
		IsPaused:    payload.IsPaused,
		IsSilent:    payload.IsSilent,
	}
	ids, err := s.app.Downloads().Schedule(manga, task)
	if err != nil {
		if errors.Is(err, downloader.ErrNoChapters) {
			RespondWithError(w, http.StatusBadRequest, "No chapters match the selection")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Failed to schedule download")
		return
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]any{
		"ids":     ids,
		"message": fmt.Sprintf("%s has been added to the download queue.", manga.Title),
	})
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	var statuses []models.TaskStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, models.TaskStatus(st))
	}
	records, err := s.app.Downloads().List(statuses...)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to retrieve downloads")
		return
	}
	if records == nil {
		records = []*models.DownloadRecord{}
	}
	RespondWithJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := s.app.Downloads().Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondWithTaskError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	if !control.ValidCommand(payload.Action) {
		RespondWithError(w, http.StatusBadRequest, "Invalid action")
		return
	}
	if err := s.app.Downloads().HandleSignal(chi.URLParam(r, "taskID"), payload.Action); err != nil {
		s.respondWithTaskError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}

	switch payload.Action {
	case "cancel_all":
		if err := s.app.Downloads().CancelAll(); err != nil {
			s.log.Error().Err(err).Msg("Failed to cancel downloads")
			RespondWithError(w, http.StatusInternalServerError, "Failed to cancel downloads")
			return
		}
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
	case "remove_completed":
		n, err := s.app.Downloads().RemoveCompleted()
		if err != nil {
			RespondWithError(w, http.StatusInternalServerError, "Failed to remove completed downloads")
			return
		}
		RespondWithJSON(w, http.StatusOK, map[string]any{"status": "success", "removed": n})
	default:
		RespondWithError(w, http.StatusBadRequest, "Invalid action")
	}
}

func (s *Server) handleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	s.deleteDownloads(w, []string{chi.URLParam(r, "taskID")})
}

func (s *Server) handleDeleteDownloads(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IDs []string `json:"ids"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	if len(payload.IDs) == 0 {
		RespondWithError(w, http.StatusBadRequest, "No task ids provided")
		return
	}
	s.deleteDownloads(w, payload.IDs)
}

func (s *Server) deleteDownloads(w http.ResponseWriter, ids []string) {
	n, err := s.app.Downloads().Delete(ids...)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to delete downloads")
		return
	}
	if n == 0 {
		RespondWithError(w, http.StatusNotFound, "Task not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{"status": "success", "removed": n})
}

func (s *Server) respondWithTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		RespondWithError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, downloader.ErrNotActive):
		RespondWithError(w, http.StatusConflict, "Task is not active")
	default:
		s.log.Error().Err(err).Msg("Download task operation failed")
		RespondWithError(w, http.StatusInternalServerError, "Task operation failed")
	}
}

func (s *Server) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MangaID   int64 `json:"manga_id"`
		ChapterID int64 `json:"chapter_id"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.MangaID == 0 || payload.ChapterID == 0 {
		RespondWithError(w, http.StatusBadRequest, "manga_id and chapter_id are required")
		return
	}
	if err := s.store.SetCurrentChapter(payload.MangaID, payload.ChapterID); err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to record history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	current, err := s.store.GetCurrentChapters()
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to read history")
		return
	}
	RespondWithJSON(w, http.StatusOK, current)
}

// handleGetArchive reads back the archive of a scheduled manga. The
// optional "destination" and "format" query parameters select a copy
// written somewhere other than the defaults.
func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	mangaID, err := strconv.ParseInt(chi.URLParam(r, "mangaID"), 10, 64)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid manga id")
		return
	}
	manga, err := s.store.GetManga(mangaID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			RespondWithError(w, http.StatusNotFound, "Manga not found")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Failed to load manga")
		return
	}
	format, err := models.ParseArchiveFormat(r.URL.Query().Get("format"), "")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, err := s.app.Downloads().ArchivePath(manga, models.DownloadTask{
		Destination: r.URL.Query().Get("destination"),
		Format:      format,
	})
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := archive.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			RespondWithError(w, http.StatusNotFound, "Archive not found")
			return
		}
		s.log.Error().Err(err).Str("path", path).Msg("Failed to read archive")
		RespondWithError(w, http.StatusInternalServerError, "Failed to read archive")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{"path": path, "manga": stored})
}
