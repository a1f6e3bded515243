package shader

import (
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slog"
)

// Watcher turns filesystem writes to shader source files into a pending
// reload queue. Events are collected on a background goroutine, but no
// shader is touched until the owner calls CheckForShaderUpdates, so all
// module destruction stays on the thread that drives rendering.
type Watcher struct {
	logger    *slog.Logger
	fsWatcher *fsnotify.Watcher

	mutex   sync.Mutex
	byPath  map[string]string
	pending map[string]struct{}

	done chan struct{}
}

// EnableHotReload starts watching the source files of every shader loaded
// from disk, now and in the future. Calling it twice is a no-op.
func (s *System) EnableHotReload() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.watcher != nil {
		return nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create a filesystem watcher")
	}

	watcher := &Watcher{
		logger:    s.logger,
		fsWatcher: fsWatcher,
		byPath:    make(map[string]string),
		pending:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}

	s.shaders.Iter(func(name string, shader *Shader) bool {
		if shader.vertexPath != "" {
			watcher.track(name, shader.vertexPath, shader.fragmentPath)
		}
		return false
	})

	go watcher.run()
	s.watcher = watcher
	return nil
}

// CheckForShaderUpdates reloads every shader whose source changed since
// the last call and returns their names. It must be called from the
// thread that owns the System. Without hot reload enabled it returns nil.
func (s *System) CheckForShaderUpdates() []string {
	s.mutex.RLock()
	watcher := s.watcher
	s.mutex.RUnlock()

	if watcher == nil {
		return nil
	}

	var reloaded []string
	for _, name := range watcher.drain() {
		err := s.ReloadShader(name)
		if err != nil {
			// A failed reload keeps the previous modules alive; the next
			// write to the file queues another attempt.
			s.logger.Error("hot reload failed",
				slog.String("Shader", name),
				slog.Any("Error", err),
			)
			continue
		}
		reloaded = append(reloaded, name)
	}

	return reloaded
}

func (w *Watcher) track(name string, paths ...string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	for _, path := range paths {
		if path == "" {
			continue
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		w.byPath[abs] = name

		// Watch the directory rather than the file; editors that replace
		// files on save would otherwise drop the watch.
		err = w.fsWatcher.Add(filepath.Dir(abs))
		if err != nil {
			w.logger.Warn("failed to watch shader source directory",
				slog.String("Path", filepath.Dir(abs)),
				slog.Any("Error", err),
			)
		}
	}
}

func (w *Watcher) untrack(name string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	for path, owner := range w.byPath {
		if owner == name {
			delete(w.byPath, path)
		}
	}
	delete(w.pending, name)
}

func (w *Watcher) drain() []string {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if len(w.pending) == 0 {
		return nil
	}

	names := make([]string, 0, len(w.pending))
	for name := range w.pending {
		names = append(names, name)
	}
	w.pending = make(map[string]struct{})
	return names
}

func (w *Watcher) markDirty(path string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	name, ok := w.byPath[path]
	if !ok {
		return
	}
	w.pending[name] = struct{}{}
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.markDirty(event.Name)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("shader watcher error", slog.Any("Error", err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) stop() {
	close(w.done)
	_ = w.fsWatcher.Close()
}
