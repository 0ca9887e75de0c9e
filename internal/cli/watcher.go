package cli

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultWatchDebounce = 200 * time.Millisecond

// RoutingWatcher reloads the routing document when its file changes.
//
// The parent directory is watched rather than the file so editors that save
// by writing a temp file and renaming it over the original are still seen.
// Bursts of events are coalesced into one reload per debounce window.
type RoutingWatcher struct {
	fs       *fsnotify.Watcher
	path     string
	debounce time.Duration
	reload   func() error

	mu      sync.Mutex
	pending *time.Timer

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewRoutingWatcher creates a watcher for path. reload reports its own
// outcome; the watcher only triggers it.
func NewRoutingWatcher(path string, debounce time.Duration, reload func() error) (*RoutingWatcher, error) {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return &RoutingWatcher{
		fs:       fsw,
		path:     abs,
		debounce: debounce,
		reload:   reload,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *RoutingWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

// Stop ends the watch loop and cancels a pending reload.
func (w *RoutingWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		w.mu.Lock()
		if w.pending != nil {
			w.pending.Stop()
		}
		w.mu.Unlock()

		err = w.fs.Close()
	})
	return err
}

func (w *RoutingWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				log.Debug().Str("op", event.Op.String()).Str("path", event.Name).Msg("Routing file changed")
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Routing watcher error")
		}
	}
}

// relevant reports whether event creates or writes the watched file.
func (w *RoutingWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
}

func (w *RoutingWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reloadNow)
}

func (w *RoutingWatcher) reloadNow() {
	select {
	case <-w.done:
		return
	default:
	}

	_ = w.reload()
}
