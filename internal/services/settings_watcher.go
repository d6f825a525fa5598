package services

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/logger"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/recovery"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

// settingsDebounce absorbs the write+rename event pair a save produces
const settingsDebounce = 200 * time.Millisecond

// SettingsWatcher reloads settings when the settings file changes on disk,
// then applies them to the orchestrator. Filesystem events arrive on the
// watcher goroutine, so application is routed through the scheduler to keep
// all core state single-threaded.
type SettingsWatcher struct {
	sched    scheduler.Scheduler
	emitter  events.Emitter
	settings *models.SettingsManager
	orch     *MeetingOrchestrator

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSettingsWatcher creates a watcher for the settings manager's file
func NewSettingsWatcher(sched scheduler.Scheduler, emitter events.Emitter, settings *models.SettingsManager, orch *MeetingOrchestrator) *SettingsWatcher {
	return &SettingsWatcher{
		sched:    sched,
		emitter:  emitter,
		settings: settings,
		orch:     orch,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the settings file's directory
func (w *SettingsWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	w.watcher = watcher

	dir := filepath.Dir(w.settings.Path())
	if err := w.watcher.Add(dir); err != nil {
		w.watcher.Close()
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}

	recovery.SafeGo("settings-watcher", w.watchLoop)
	return nil
}

// Stop stops watching; safe to call more than once
func (w *SettingsWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *SettingsWatcher) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.settings.Path() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(settingsDebounce, w.applyChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("settings watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

// applyChange reloads from disk and hands the new settings to the core on
// the scheduler goroutine
func (w *SettingsWatcher) applyChange() {
	w.sched.Run(func() {
		logger.Debug("settings file changed, reloading")
		w.settings.Reload()
		if w.orch != nil {
			w.orch.UpdateConfiguration(w.settings.Settings)
		}
		w.emitter.Emit(events.AppEvent{Type: events.SettingsChangedEvent})
	})
}
