package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// IsManifest reports whether path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// DecodeFile reads and decodes one manifest file.
func DecodeFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Discover decodes every manifest in dir, in name order. Malformed manifests
// are reported and skipped.
func Discover(dir string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsManifest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		out  []*Descriptor
		errs []error
	)
	for _, name := range names {
		d, err := DecodeFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// ManifestWatcher loads manifests that appear in a directory after startup.
// Writes are debounced so editors saving in several steps load once.
type ManifestWatcher struct {
	rt       *Runtime
	dir      string
	tc       trust.Context
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManifestWatcher watches dir and loads new manifests into rt with tc.
func NewManifestWatcher(rt *Runtime, dir string, tc trust.Context) *ManifestWatcher {
	return &ManifestWatcher{
		rt:       rt,
		dir:      dir,
		tc:       tc,
		debounce: 250 * time.Millisecond,
		logger:   rt.logger.With("watcher", dir),
		pending:  make(map[string]time.Time),
	}
}

// Start begins watching. It is a no-op when already running.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.watcher, w.cancel, w.done = fw, cancel, make(chan struct{})
	go w.run(ctx, fw, w.done)
	return nil
}

// Stop ends the watch loop and closes the underlying watcher.
func (w *ManifestWatcher) Stop() error {
	w.mu.Lock()
	fw, cancel, done := w.watcher, w.cancel, w.done
	w.watcher, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	cancel()
	<-done
	return fw.Close()
}

func (w *ManifestWatcher) run(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(w.debounce / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if IsManifest(ev.Name) && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.mu.Lock()
				w.pending[ev.Name] = time.Now()
				w.mu.Unlock()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watch error", "error", err)
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *ManifestWatcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	sort.Strings(ready)

	for _, path := range ready {
		d, err := DecodeFile(path)
		if err != nil {
			w.logger.Warn("manifest rejected", "path", path, "error", err)
			continue
		}
		if _, live := w.rt.reg.Versions()[d.Name]; live {
			w.logger.Debug("manifest already loaded", "overlay", d.Name)
			continue
		}
		if _, err := w.rt.Load(ctx, w.tc, d); err != nil {
			w.logger.Warn("hot load failed", "overlay", d.Name, "error", err)
			continue
		}
		w.logger.Info("overlay hot loaded", "overlay", d.Name, "version", d.Version)
	}
}
