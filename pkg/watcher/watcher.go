// Package watcher turns raw filesystem notifications into the quiescent,
// debounced events the FS Event Handler state machine needs,
// and keeps fsnotify's watch set current as directories come and go.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/metrics"
	"github.com/develata/notevault/pkg/vaultsync"
)

// DefaultDebounce is the quiescence window applied to every path before
// the handler runs, absorbing editors' write-then-rename sequences into
// one event.
const DefaultDebounce = 300 * time.Millisecond

// Watcher drives one repo's fsnotify watch: it recursively watches the
// vault root, debounces bursts per path, and hands each settled path to
// a Handler.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce *debouncer
	handler  *Handler
	root     string
	logger   zerolog.Logger
	done     chan struct{}
}

// New creates a Watcher bound to handler (constructed over the same
// VaultSync), recursively adding every non-dot subdirectory of the
// vault root to the fsnotify watch set.
func New(vs *vaultsync.VaultSync, handler *Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "create fsnotify watcher", err)
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: newDebouncer(DefaultDebounce),
		handler:  handler,
		root:     vs.VaultRoot(),
		logger:   log.WithRepo(log.WithComponent("watcher"), vs.DB().RepoName),
		done:     make(chan struct{}),
	}
	if err := w.addTree(vs.VaultRoot()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree recursively adds root and every non-dot subdirectory to the
// fsnotify watch set.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("watch: add directory failed")
		}
		return nil
	})
}

// Run processes fsnotify events until Stop is called. Intended to run in
// its own goroutine; the serve command's Router owns that goroutine's
// lifecycle via StartWatcher/Close, separate from the errgroup that
// supervises the HTTP/metrics listeners.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch: fsnotify error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
			return
		}
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.ToLower(filepath.Ext(rel)) != ".md" {
		return
	}

	w.debounce.trigger(rel, func() {
		timer := metrics.NewTimer()
		err := w.handler.Handle(rel)
		timer.ObserveDuration(metrics.WatcherHandleDuration)
		if err != nil {
			metrics.WatcherEventsTotal.WithLabelValues("error").Inc()
			w.logger.Warn().Err(err).Str("path", rel).Msg("watch: handle event failed")
			return
		}
		metrics.WatcherEventsTotal.WithLabelValues("handled").Inc()
	})
}

// Stop halts Run, waits for any in-flight debounced callback to finish,
// and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.debounce.stop()
	w.fsw.Close()
}
