package downloader

import (
	"sync"
	"time"

	"github.com/vrsandeep/mango-archiver/internal/models"
)

// publisher throttles progress updates to at most one per interval. The
// latest suppressed state is delivered when the interval expires. Forced
// updates, such as terminal states, are delivered immediately.
type publisher struct {
	mu       sync.Mutex
	interval time.Duration
	emit     func(models.DownloadState)
	last     time.Time
	pending  *models.DownloadState
	timer    *time.Timer
	closed   bool
}

func newPublisher(interval time.Duration, emit func(models.DownloadState)) *publisher {
	return &publisher{interval: interval, emit: emit}
}

// publish delivers state now or later. It must not be called after close.
func (p *publisher) publish(state models.DownloadState, force bool) {
	state = state.Clone()
	state.Timestamp = time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if force || state.IsTerminal() || time.Since(p.last) >= p.interval {
		p.pending = nil
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.last = time.Now()
		// Emit under the lock so deliveries stay ordered.
		p.emit(state)
		p.mu.Unlock()
		return
	}
	p.pending = &state
	if p.timer == nil {
		p.timer = time.AfterFunc(p.interval-time.Since(p.last), p.flush)
	}
	p.mu.Unlock()
}

func (p *publisher) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	if p.closed || p.pending == nil {
		return
	}
	state := *p.pending
	p.pending = nil
	p.last = time.Now()
	p.emit(state)
}

// close stops delayed deliveries. Pending non-forced states are dropped.
func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
