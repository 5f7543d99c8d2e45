package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/vrsandeep/mango-archiver/internal/archive"
	"github.com/vrsandeep/mango-archiver/internal/cache"
	"github.com/vrsandeep/mango-archiver/internal/network"
)

var (
	// ErrNoChapters means there is nothing to download.
	ErrNoChapters = errors.New("no chapters to download")
	// ErrChaptersNotFound means the task asked for chapters the manga does
	// not have.
	ErrChaptersNotFound = errors.New("requested chapters not found")
	// ErrNoStorage means the destination directory cannot be used.
	ErrNoStorage = errors.New("no writable storage location")
	// ErrUnknownSource means no provider is registered for the manga source.
	ErrUnknownSource = errors.New("unknown source")
	// ErrRetryLater asks the caller to run the task again later.
	ErrRetryLater = errors.New("temporary failure, retry later")

	// errSkipped is returned by the failsafe when the user skipped a unit.
	errSkipped = errors.New("skipped by user")
)

// IsFatal reports whether err must fail the task immediately, without
// retrying or pausing.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoChapters) ||
		errors.Is(err, ErrChaptersNotFound) ||
		errors.Is(err, ErrNoStorage) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, archive.ErrConflict) ||
		errors.Is(err, archive.ErrCorrupted)
}

// storageError marks a failure of the archive destination as fatal.
// Cancellation and errors that are already fatal pass through.
func storageError(err error) error {
	if err == nil || IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNoStorage, err)
}

// isIOError reports whether err is a network or disk failure that the
// retry policy handles.
func isIOError(err error) bool {
	if err == nil || IsFatal(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *network.HTTPError
	if errors.As(err, &httpErr) || network.IsRetryable(err) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) || errors.Is(err, cache.ErrEmptyPayload)
}

// ErrorMessage returns the human readable message shown for a failed or
// paused download.
func ErrorMessage(err error) string {
	var tooMany *network.TooManyRequestsError
	var httpErr *network.HTTPError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Download cancelled"
	case errors.As(err, &tooMany):
		return "Too many requests, the source is rate limiting downloads"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("Server returned %d %s", httpErr.StatusCode, http.StatusText(httpErr.StatusCode))
	case errors.Is(err, ErrNoChapters):
		return "There are no chapters to download"
	case errors.Is(err, ErrChaptersNotFound):
		return "Some of the selected chapters are no longer available"
	case errors.Is(err, ErrNoStorage):
		return "No writable storage location is available"
	case errors.Is(err, ErrUnknownSource):
		return "The manga source is not supported"
	case errors.Is(err, archive.ErrConflict):
		return "The destination already holds a different manga"
	case errors.Is(err, archive.ErrCorrupted):
		return "The existing archive is corrupted"
	case errors.Is(err, cache.ErrEmptyPayload):
		return "The server sent an empty page"
	case errors.Is(err, context.DeadlineExceeded), network.IsRetryable(err):
		return "Network error, check your connection"
	default:
		return err.Error()
	}
}
