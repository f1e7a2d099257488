package jsvm

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher re-runs a script file whenever it changes. A change cancels the
// run in progress before the next one starts.
type Watcher struct {
	runtime  *Runtime
	path     string
	logger   zerolog.Logger
	debounce time.Duration

	// OnResult is called after every run, superseded runs included.
	OnResult func(run int, res *ExecuteResult, err error)
}

// NewWatcher creates a watcher for the script at path.
func NewWatcher(rt *Runtime, path string, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return &Watcher{
		runtime:  rt,
		path:     abs,
		logger:   logger.With().Str("script", filepath.Base(abs)).Logger(),
		debounce: 100 * time.Millisecond,
	}, nil
}

type watchRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Run executes the script once and again after each change until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	// Editors often replace the file, so the directory is watched.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	var (
		current *watchRun
		runs    int
	)
	start := func() {
		runs++
		n := runs
		runCtx, cancel := context.WithCancel(ctx)
		r := &watchRun{cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(r.done)
			res, err := w.runtime.ExecuteFile(runCtx, w.path, fmt.Sprintf("watch-%d", n))
			w.report(n, res, err)
		}()
		current = r
	}
	stop := func() {
		if current != nil {
			current.cancel()
			<-current.done
			current = nil
		}
	}
	defer stop()

	var (
		mu     sync.Mutex
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	w.logger.Info().Str("path", w.path).Msg("watching script")
	start()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
			mu.Unlock()
		case <-reload:
			w.logger.Info().Msg("script changed, restarting")
			stop()
			start()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) report(n int, res *ExecuteResult, err error) {
	if w.OnResult != nil {
		w.OnResult(n, res, err)
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Int("run", n).Msg("run failed")
		return
	}
	w.logger.Info().Int("run", n).Dur("duration", res.Duration).Msg("run finished")
}
