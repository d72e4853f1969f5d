package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the delay after the last filesystem event before the
// definitions are reloaded.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads workflow files into a Manager when they change on disk.
// Removing a file does not delete the workflows it defined.
type Watcher struct {
	dirs     []string
	loader   *Loader
	manager  *Manager
	logger   *zap.Logger
	debounce time.Duration

	lastChecksum string
}

// NewWatcher creates a Watcher for the given directories.
func NewWatcher(dirs []string, loader *Loader, manager *Manager, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dirs:     dirs,
		loader:   loader,
		manager:  manager,
		logger:   logger,
		debounce: DefaultDebounce,
	}
}

// SetDebounce overrides DefaultDebounce. Non-positive values are ignored.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Load reads every file and seeds the manager if the combined checksum
// differs from the last successful load.
func (w *Watcher) Load(ctx context.Context) error {
	files, err := w.loader.LoadAll(w.dirs)
	if err != nil {
		return err
	}
	sum := filesChecksum(files)
	if sum == w.lastChecksum {
		return nil
	}
	if err := w.manager.Seed(ctx, files); err != nil {
		return err
	}
	w.lastChecksum = sum
	return nil
}

// Watch blocks until ctx is done, reloading after YAML files are created,
// written or renamed. Reload failures are logged and the previous
// definitions stay in effect.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.logger.Info("watching workflow definitions", zap.Strings("directories", w.dirs))

	reload := make(chan struct{}, 1)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("definition file changed",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()),
			)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := w.Load(ctx); err != nil {
				w.logger.Error("definition reload failed, keeping previous definitions", zap.Error(err))
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-ctx.Done():
			return nil
		}
	}
}

func filesChecksum(files []File) string {
	parts := make([]string, len(files))
	for i, f := range files {
		parts[i] = f.SourceFile + "=" + f.Checksum
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}
