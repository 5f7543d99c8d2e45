// Package control carries pause, resume and skip requests from a controller
// to a running download, inside the process or across processes.
package control

import (
	"context"
	"sync"
)

// Action tells a paused download how to continue.
type Action int

const (
	// ActionResume retries the unit that was being processed.
	ActionResume Action = iota
	// ActionSkip abandons the current unit and moves on to the next one.
	ActionSkip
)

func (a Action) String() string {
	if a == ActionSkip {
		return "skip"
	}
	return "resume"
}

// generation is one paused period. It is closed exactly once, when the
// signal leaves the paused state, and carries the action that ended it.
type generation struct {
	done   chan struct{}
	action Action
}

// Signal is the pause flag of one in-flight download. All methods are safe
// for concurrent use; the last write wins.
type Signal struct {
	mu     sync.Mutex
	paused *generation // nil while running
}

// NewSignal creates a signal, optionally already paused.
func NewSignal(paused bool) *Signal {
	s := &Signal{}
	if paused {
		s.Pause()
	}
	return s
}

// Pause marks the download as paused. Pausing twice is a no-op.
func (s *Signal) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == nil {
		s.paused = &generation{done: make(chan struct{})}
	}
}

// Resume clears the pause and asks the download to retry the current unit.
func (s *Signal) Resume() { s.release(ActionResume) }

// Skip clears the pause and asks the download to drop the current unit.
func (s *Signal) Skip() { s.release(ActionSkip) }

func (s *Signal) release(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == nil {
		return
	}
	s.paused.action = a
	close(s.paused.done)
	s.paused = nil
}

// IsPaused reports the current state.
func (s *Signal) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused != nil
}

// PauseAndWait pauses the signal, calls onPaused and blocks until the pause
// is released. A release racing with onPaused is not lost.
func (s *Signal) PauseAndWait(ctx context.Context, onPaused func()) (Action, error) {
	s.mu.Lock()
	if s.paused == nil {
		s.paused = &generation{done: make(chan struct{})}
	}
	gen := s.paused
	s.mu.Unlock()

	if onPaused != nil {
		onPaused()
	}
	select {
	case <-gen.done:
		return gen.action, nil
	case <-ctx.Done():
		return ActionResume, ctx.Err()
	}
}

// AwaitResumed blocks while the signal is paused. It returns the action of
// the transition that woke it, or ActionResume if it was not paused.
func (s *Signal) AwaitResumed(ctx context.Context) (Action, error) {
	s.mu.Lock()
	gen := s.paused
	s.mu.Unlock()
	if gen == nil {
		return ActionResume, nil
	}
	select {
	case <-gen.done:
		return gen.action, nil
	case <-ctx.Done():
		return ActionResume, ctx.Err()
	}
}
