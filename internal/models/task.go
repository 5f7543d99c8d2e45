package models

import "time"

// TaskStatus is the persisted lifecycle status of a download task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsFinal reports whether no worker will pick the task up again.
func (s TaskStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DownloadRecord is a download task as stored in the database.
type DownloadRecord struct {
	ID                 string         `json:"id"`
	MangaID            int64          `json:"manga_id"`
	Task               DownloadTask   `json:"task"`
	Status             TaskStatus     `json:"status"`
	State              *DownloadState `json:"state,omitempty"`
	DownloadedChapters []int64        `json:"downloaded_chapters"`
	Message            string         `json:"message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ProgressUpdate is the message broadcast to websocket clients whenever a
// download publishes a new state.
type ProgressUpdate struct {
	JobID    string         `json:"jobId"`
	Message  string         `json:"message"`
	Progress float64        `json:"progress"`
	TaskID   string         `json:"task_id"`
	Status   TaskStatus     `json:"status"`
	Phase    Phase          `json:"phase"`
	State    *DownloadState `json:"state,omitempty"`
	Done     bool           `json:"done"`
}
