package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vrsandeep/mango-archiver/internal/models"
)

const taskColumns = `id, manga_id, task, status, state, downloaded_chapters, message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.DownloadRecord, error) {
	var rec models.DownloadRecord
	var task, downloaded string
	var state, msg sql.NullString
	if err := row.Scan(&rec.ID, &rec.MangaID, &task, &rec.Status, &state, &downloaded, &msg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(task), &rec.Task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", rec.ID, err)
	}
	if state.Valid && state.String != "" {
		rec.State = &models.DownloadState{}
		if err := json.Unmarshal([]byte(state.String), rec.State); err != nil {
			return nil, fmt.Errorf("failed to decode state of task %s: %w", rec.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(downloaded), &rec.DownloadedChapters); err != nil {
		return nil, fmt.Errorf("failed to decode downloaded chapters of task %s: %w", rec.ID, err)
	}
	rec.Message = msg.String
	return &rec, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]*models.DownloadRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.DownloadRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateTask stores a new download task in the given status.
func (s *Store) CreateTask(id string, task models.DownloadTask, status models.TaskStatus) (*models.DownloadRecord, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO download_tasks (id, manga_id, task, status, downloaded_chapters, created_at, updated_at)
		VALUES (?, ?, ?, ?, '[]', ?, ?)
	`
	if _, err := s.db.Exec(query, id, task.MangaID, string(data), status, now, now); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &models.DownloadRecord{
		ID:                 id,
		MangaID:            task.MangaID,
		Task:               task,
		Status:             status,
		DownloadedChapters: []int64{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// GetTask returns a single task by id.
func (s *Store) GetTask(id string) (*models.DownloadRecord, error) {
	rec, err := scanTask(s.db.QueryRow("SELECT "+taskColumns+" FROM download_tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// GetQueuedTasks retrieves a limited number of tasks with a 'queued' status,
// oldest first. Tasks re-queued with a retry time in the future are left
// out until that time.
func (s *Store) GetQueuedTasks(limit int) ([]*models.DownloadRecord, error) {
	query := "SELECT " + taskColumns + " FROM download_tasks WHERE status = ? AND (retry_at IS NULL OR retry_at <= ?) ORDER BY created_at ASC LIMIT ?"
	return s.queryTasks(query, models.StatusQueued, time.Now().UTC(), limit)
}

// RequeueTask puts a task back in the queue, to be picked up no earlier
// than retryAt.
func (s *Store) RequeueTask(id, message string, retryAt time.Time) error {
	res, err := s.db.Exec("UPDATE download_tasks SET status = ?, message = ?, retry_at = ?, updated_at = ? WHERE id = ?",
		models.StatusQueued, message, retryAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimTask moves a queued task to running. It reports false when the task
// was not queued anymore, e.g. because another worker claimed it.
func (s *Store) ClaimTask(id string) (bool, error) {
	return s.TransitionTask(id, []models.TaskStatus{models.StatusQueued}, models.StatusRunning, "")
}

// TransitionTask sets the status and message of a task only if its current
// status is one of from.
func (s *Store) TransitionTask(id string, from []models.TaskStatus, to models.TaskStatus, message string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{to, message, time.Now().UTC(), id}
	for _, st := range from {
		args = append(args, st)
	}
	query := "UPDATE download_tasks SET status = ?, message = ?, updated_at = ? WHERE id = ? AND status IN (?" +
		strings.Repeat(", ?", len(from)-1) + ")"
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateTaskStatus changes a task's status and message.
func (s *Store) UpdateTaskStatus(id string, status models.TaskStatus, message string) error {
	res, err := s.db.Exec("UPDATE download_tasks SET status = ?, message = ?, updated_at = ? WHERE id = ?",
		status, message, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTaskState persists the latest published state of a task, including
// the chapters committed so far.
func (s *Store) UpdateTaskState(id string, state models.DownloadState) error {
	stored := state.Clone()
	// The manga is stored once in its own table.
	stored.Manga = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	downloaded := state.DownloadedChapters
	if downloaded == nil {
		downloaded = []int64{}
	}
	chapters, err := json.Marshal(downloaded)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("UPDATE download_tasks SET state = ?, downloaded_chapters = ?, updated_at = ? WHERE id = ?",
		string(data), string(chapters), time.Now().UTC(), id)
	return err
}

// ListTasks returns the tasks in any of the given statuses, or all tasks
// when none is given, oldest first.
func (s *Store) ListTasks(statuses ...models.TaskStatus) ([]*models.DownloadRecord, error) {
	query := "SELECT " + taskColumns + " FROM download_tasks"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at ASC"
	return s.queryTasks(query, args...)
}

// DeleteTasks removes the given tasks and returns how many existed.
func (s *Store) DeleteTasks(ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.Exec("DELETE FROM download_tasks WHERE id IN (?"+strings.Repeat(", ?", len(ids)-1)+")", args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteCompletedTasks removes successfully completed tasks.
func (s *Store) DeleteCompletedTasks() (int64, error) {
	res, err := s.db.Exec("DELETE FROM download_tasks WHERE status = ?", models.StatusCompleted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneCompletedTasks removes completed and cancelled tasks last updated
// before the given time.
func (s *Store) PruneCompletedTasks(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM download_tasks WHERE status IN (?, ?) AND updated_at < ?",
		models.StatusCompleted, models.StatusCancelled, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetRunningTasks sets tasks from 'running' back to 'queued' on startup.
func (s *Store) ResetRunningTasks() (int64, error) {
	res, err := s.db.Exec("UPDATE download_tasks SET status = ?, message = 'Re-queued after restart', updated_at = ? WHERE status = ?",
		models.StatusQueued, time.Now().UTC(), models.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
