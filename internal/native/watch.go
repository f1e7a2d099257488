package native

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"tether/internal/operr"
	"tether/internal/ops"
)

const (
	watchDebounce = 100 * time.Millisecond
	watchQueue    = 64
)

// fsWatcher reports debounced file system changes.
type fsWatcher struct {
	w         *fsnotify.Watcher
	recursive bool
	logger    zerolog.Logger

	events chan map[string]any
	stopCh chan struct{}
	once   sync.Once

	mu       sync.Mutex
	debounce map[string]*time.Timer
}

func newFSWatcher(paths []string, recursive bool, logger zerolog.Logger) (*fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &fsWatcher{
		w:         w,
		recursive: recursive,
		logger:    logger,
		events:    make(chan map[string]any, watchQueue),
		stopCh:    make(chan struct{}),
		debounce:  make(map[string]*time.Timer),
	}
	for _, p := range paths {
		if err := fw.add(p); err != nil {
			w.Close()
			return nil, err
		}
	}
	go fw.run()
	return fw, nil
}

func (fw *fsWatcher) Name() string { return "fsWatcher" }

func (fw *fsWatcher) add(path string) error {
	if !fw.recursive {
		return fw.w.Add(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fw.w.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.w.Add(p)
		}
		return nil
	})
}

func eventKind(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Write):
		return "modify"
	default:
		return "access"
	}
}

func (fw *fsWatcher) run() {
	for {
		select {
		case <-fw.stopCh:
			return

		case event, ok := <-fw.w.Events:
			if !ok {
				return
			}
			kind := eventKind(event.Op)
			if kind == "create" && fw.recursive {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fw.add(event.Name); err != nil {
						fw.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch directory")
					}
				}
			}
			fw.handleEvent(kind, event.Name)

		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("file watcher error")
		}
	}
}

// handleEvent coalesces bursts of the same change to one path.
func (fw *fsWatcher) handleEvent(kind, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	key := kind + "\x00" + path
	if timer, ok := fw.debounce[key]; ok {
		timer.Stop()
	}
	fw.debounce[key] = time.AfterFunc(watchDebounce, func() {
		fw.mu.Lock()
		delete(fw.debounce, key)
		fw.mu.Unlock()

		select {
		case fw.events <- map[string]any{"kind": kind, "paths": []string{path}}:
		case <-fw.stopCh:
		}
	})
}

// poll waits for the next event. It returns nil once the watcher stopped.
func (fw *fsWatcher) poll(ctx context.Context) (any, error) {
	select {
	case ev := <-fw.events:
		return ev, nil
	case <-fw.stopCh:
		return nil, nil
	case <-ctx.Done():
		return nil, operr.Interrupted("watch", ctx)
	}
}

func (fw *fsWatcher) Close() error {
	var err error
	fw.once.Do(func() {
		close(fw.stopCh)
		fw.mu.Lock()
		for _, timer := range fw.debounce {
			timer.Stop()
		}
		fw.mu.Unlock()
		err = fw.w.Close()
	})
	return err
}

func registerWatch(reg *ops.Registry, env *Env) {
	reg.Sync("op_fs_watch", func(_ context.Context, a ops.Args) (any, error) {
		paths, err := a.Strings(0)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, operr.Invalid("paths", "at least one path is required")
		}
		recursive, err := a.Bool(1)
		if err != nil {
			return nil, err
		}
		clean := make([]string, len(paths))
		for i, p := range paths {
			if clean[i], err = env.Permissions.CheckPath(p); err != nil {
				return nil, err
			}
		}
		fw, err := newFSWatcher(clean, recursive, env.Logger)
		if err != nil {
			return nil, err
		}
		rid, err := env.Table.Add(fw)
		if err != nil {
			fw.Close()
			return nil, err
		}
		return record(rid), nil
	})

	reg.Async("op_fs_watch_poll", func(ctx context.Context, a ops.Args) (any, error) {
		fw, _, err := lookup[*fsWatcher](env, a, "watch")
		if err != nil {
			return nil, err
		}
		return fw.poll(ctx)
	})
}
