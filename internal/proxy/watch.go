package proxy

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceDelay coalesces rapid write events (editors often emit several
// per save) into one reload.
const debounceDelay = 250 * time.Millisecond

// Watcher hot-reloads a proxy list file into a pool on change. Proxies
// surviving a reload keep their learned scores.
type Watcher struct {
	pool   *Pool
	path   string
	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewWatcher starts watching path. The containing directory is watched
// so atomic rename-into-place saves are also seen.
func NewWatcher(pool *Pool, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		pool:   pool,
		path:   path,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()

	log.Info().Str("file", path).Msg("Watching proxy list for changes")
	return w, nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
				debounceC = debounce.C
			} else {
				debounce.Reset(debounceDelay)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			if err := w.pool.ReplaceFromFile(w.path); err != nil {
				log.Error().Err(err).Str("file", w.path).Msg("Proxy list reload failed")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Proxy list watcher error")
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
		w.wg.Wait()
	})
}
