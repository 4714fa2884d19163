package filewatch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

// DefaultDebounce collapses the burst of events a single file replacement produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to a set of files. It watches their directories so
// that files replaced by rename are still followed.
type Watcher struct {
	watcher  *fsnotify.Watcher
	targets  map[string]bool
	debounce time.Duration
	changes  chan string
	logger   logging.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	close    sync.Once
}

func New(paths []string, debounce time.Duration, logger logging.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, errors.NewValidationError("no paths to watch", nil)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewIOError("failed to create file watcher", err)
	}

	w := &Watcher{
		watcher:  fsw,
		targets:  make(map[string]bool, len(paths)),
		debounce: debounce,
		changes:  make(chan string, 1),
		logger:   logger,
		done:     make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fsw.Close()
			return nil, errors.NewIOError("unable to resolve watch path", err).WithContext("path", p)
		}
		w.targets[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, errors.NewIOError("failed to watch directory", err).WithContext("dir", dir)
		}
		dirs[dir] = true
		logger.Debugf("Watching directory %s", dir)
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Changes delivers the path of a changed file once its events settled.
// Changes seen while a notification is still unread are merged into it.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

func (w *Watcher) run() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := ""

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if !w.targets[name] {
				continue
			}
			w.logger.Debugf("File event detected, file: %s, op: %s", name, event.Op)
			if pending != "" && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			pending = name
			timer.Reset(w.debounce)
		case <-timer.C:
			select {
			case w.changes <- pending:
			default:
			}
			pending = ""
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Watcher error: %v", err)
		case <-w.done:
			timer.Stop()
			return
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.close.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
