// This file implements the cross-process side of download control. A
// controller drops an empty file named "<task-id>.<command>" into the signals
// directory; the watcher picks it up, dispatches it and removes it.

package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Commands understood by the watcher.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandSkip   = "skip"
	CommandCancel = "cancel"
)

// ValidCommand reports whether cmd is one of the known commands.
func ValidCommand(cmd string) bool {
	switch cmd {
	case CommandPause, CommandResume, CommandSkip, CommandCancel:
		return true
	}
	return false
}

// HandlerFunc receives a dispatched signal.
type HandlerFunc func(taskID, command string) error

// SignalWatcher watches the signals directory for command files.
type SignalWatcher struct {
	dir      string
	handle   HandlerFunc
	watcher  *fsnotify.Watcher
	log      zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewSignalWatcher creates a watcher for dir.
func NewSignalWatcher(dir string, handle HandlerFunc, logger zerolog.Logger) *SignalWatcher {
	return &SignalWatcher{
		dir:      dir,
		handle:   handle,
		log:      logger.With().Str("component", "signals").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching. Signal files already present are dispatched first.
func (w *SignalWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create signals directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	entries, err := os.ReadDir(w.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				w.dispatch(filepath.Join(w.dir, e.Name()))
			}
		}
	}

	w.log.Info().Str("dir", w.dir).Msg("Signal watcher started")
	go w.processEvents()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *SignalWatcher) Stop() error {
	close(w.stopChan)
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *SignalWatcher) processEvents() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.dispatch(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("Signal watcher error")
		case <-w.stopChan:
			return
		}
	}
}

func (w *SignalWatcher) dispatch(path string) {
	taskID, cmd, ok := ParseSignalName(filepath.Base(path))
	if !ok {
		return
	}
	// Remove first so a Write event on the same file is not dispatched twice.
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn().Err(err).Str("path", path).Msg("Could not remove signal file")
		}
		return
	}
	if err := w.handle(taskID, cmd); err != nil {
		w.log.Warn().Err(err).Str("task_id", taskID).Str("command", cmd).Msg("Signal not applied")
		return
	}
	w.log.Debug().Str("task_id", taskID).Str("command", cmd).Msg("Signal applied")
}

// ParseSignalName splits "<task-id>.<command>".
func ParseSignalName(name string) (taskID, cmd string, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", "", false
	}
	taskID, cmd = name[:i], name[i+1:]
	if !ValidCommand(cmd) {
		return "", "", false
	}
	return taskID, cmd, true
}

// WriteSignal asks the process watching dir to apply cmd to a task.
func WriteSignal(dir, taskID, cmd string) error {
	if !ValidCommand(cmd) {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if taskID == "" || strings.ContainsAny(taskID, `/\`) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, taskID+"."+cmd), nil, 0o644)
}
