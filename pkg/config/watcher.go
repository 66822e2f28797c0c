package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

const fileChangeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// fileWatcher signals subscribers whenever one YAML file is written or
// replaced. It watches the parent directory because editors commonly save
// by renaming a temp file over the original.
type fileWatcher struct {
	path   string
	fs     *fsnotify.Watcher
	mu     sync.Mutex
	subs   []func()
	closed sync.Once
}

func watchFile(ctx context.Context, path string) (*fileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	w := &fileWatcher{path: abs, fs: fs}
	go w.run(ctx, logger.FromContext(ctx))
	return w, nil
}

func (w *fileWatcher) subscribe(fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

func (w *fileWatcher) run(ctx context.Context, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&fileChangeOps == 0 {
				continue
			}
			log.Debug("Config file changed", "path", w.path, "op", ev.Op.String())
			w.mu.Lock()
			subs := append([]func(){}, w.subs...)
			w.mu.Unlock()
			for _, fn := range subs {
				fn()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn("Config file watcher error", "path", w.path, "error", err)
		}
	}
}

// Close stops the event loop; it is safe to call more than once.
func (w *fileWatcher) Close() error {
	var err error
	w.closed.Do(func() {
		err = w.fs.Close()
	})
	return err
}
