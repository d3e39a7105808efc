// Package watcher tails a directory tree of transcript files and feeds
// newly appended bytes through the line parser into the session store.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/agenthud/agenthud/internal/session"
	"github.com/agenthud/agenthud/internal/transcript"
)

const (
	rootPollInterval = 2 * time.Second
	minSweepInterval = 30 * time.Second
)

// Options tunes a Watcher. Zero values fall back to the defaults below.
type Options struct {
	Root            string        // directory tree to watch (required)
	Debounce        time.Duration // coalescing window per file (default 200ms)
	RetentionWindow time.Duration // skip files modified longer ago (default 48h)
	IdleTimeout     time.Duration // quiet period before idle transition/eviction (default 30m)
	MaxReadBytes    int64         // cap on one incremental read (default 100MB)
	RootWaitTimeout time.Duration // how long to wait for the root to appear (default 10m)
	Logger          *slog.Logger
}

func (o *Options) fillDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 200 * time.Millisecond
	}
	if o.RetentionWindow <= 0 {
		o.RetentionWindow = 48 * time.Hour
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.MaxReadBytes <= 0 {
		o.MaxReadBytes = 100 << 20
	}
	if o.RootWaitTimeout <= 0 {
		o.RootWaitTimeout = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher owns the recursive filesystem watch, the per-file debounce timers
// and the incremental read loop. One file is processed at a time; the store
// is never mutated concurrently with itself.
type Watcher struct {
	opts   Options
	store  *session.Store
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	realRoot string // symlink-resolved root, set once the root exists

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	pending   chan string
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Watcher feeding store. The watch itself starts in Run.
func New(store *session.Store, opts Options) (*Watcher, error) {
	if opts.Root == "" {
		return nil, errors.New("watcher: root directory is required")
	}
	opts.fillDefaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	return &Watcher{
		opts:    opts,
		store:   store,
		logger:  opts.Logger,
		fsw:     fsw,
		timers:  make(map[string]*time.Timer),
		pending: make(chan string, 256),
		done:    make(chan struct{}),
	}, nil
}

// Run waits for the root to exist, processes all existing transcripts, then
// watches for changes until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.prepareRoot(ctx); err != nil {
		return err
	}
	if err := w.addTree(w.opts.Root, true); err != nil {
		return err
	}

	sweepEvery := w.opts.IdleTimeout / 10
	if sweepEvery < minSweepInterval {
		sweepEvery = minSweepInterval
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return nil
		case <-w.done:
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watch error", "error", err)
		case path := <-w.pending:
			w.processPath(path)
		case now := <-sweep.C:
			w.store.SweepIdle(now, w.opts.IdleTimeout)
		}
	}
}

// ScanOnce processes every transcript under the root a single time without
// installing a watch. Used by one-shot commands.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	if err := w.prepareRoot(ctx); err != nil {
		return err
	}
	return w.addTree(w.opts.Root, false)
}

// Close cancels all pending debounce timers and closes the watch handle.
// Idempotent; a concurrent Run returns shortly after.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
		close(w.done)
		w.fsw.Close()
	})
	return nil
}

// prepareRoot polls until the watch root exists (transcript producers create
// it lazily) and resolves its real path for containment checks.
func (w *Watcher) prepareRoot(ctx context.Context) error {
	deadline := time.Now().Add(w.opts.RootWaitTimeout)
	for {
		if info, err := os.Stat(w.opts.Root); err == nil && info.IsDir() {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("watch root %s did not appear within %s", w.opts.Root, w.opts.RootWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return errors.New("watcher closed")
		case <-time.After(rootPollInterval):
		}
	}

	real, err := filepath.EvalSymlinks(w.opts.Root)
	if err != nil {
		return fmt.Errorf("resolving watch root: %w", err)
	}
	w.realRoot = real
	return nil
}

// addTree walks dir, optionally installing watches on every directory, and
// processes each transcript file found. Called for the root at startup and
// for directories created while watching, which also covers files written
// before their directory's watch was in place.
func (w *Watcher) addTree(dir string, watch bool) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			if watch {
				if err := w.fsw.Add(path); err != nil {
					w.logger.Warn("cannot watch directory", "path", path, "error", err)
				}
			}
			return nil
		}
		if isTranscript(path) {
			files = append(files, filepath.Clean(path))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}
	for _, path := range files {
		w.processPath(path)
	}
	return nil
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addTree(path, true); err != nil {
				w.logger.Warn("cannot scan new directory", "path", path, "error", err)
			}
			return
		}
		if isTranscript(path) {
			w.debounce(path)
		}
	case ev.Has(fsnotify.Write):
		if isTranscript(path) {
			w.debounce(path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// Funneled through processPath, whose not-found handling removes
		// the file's sessions and offset.
		if isTranscript(path) {
			w.debounce(path)
		}
	}
}

// debounce schedules path for processing after the coalescing window,
// resetting the window on repeated notifications. Writers append in rapid
// small bursts; one read per burst is enough.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		select {
		case w.pending <- path:
		case <-w.done:
		}
	})
}

// processPath performs one bounded incremental read of path and folds the
// new bytes into the store. Errors never propagate: a vanished file cleans
// up its sessions, everything else is logged and retried on the next
// notification.
func (w *Watcher) processPath(path string) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		w.handleFileError(path, err, "resolving transcript")
		return
	}
	if !w.contains(real) {
		w.logger.Warn("transcript resolves outside watch root, skipping",
			"path", path, "resolved", real)
		return
	}

	info, err := os.Stat(real)
	if err != nil {
		w.handleFileError(path, err, "stating transcript")
		return
	}
	if time.Since(info.ModTime()) > w.opts.RetentionWindow {
		return
	}

	size := info.Size()
	offset := w.store.Offset(path)
	if offset > size {
		w.logger.Warn("transcript truncated, restarting from the beginning",
			"path", path, "offset", offset, "size", size)
		offset = 0
	}
	if size <= offset {
		return
	}

	start := offset
	if unread := size - offset; unread > w.opts.MaxReadBytes {
		start = size - w.opts.MaxReadBytes
		w.logger.Warn("unread region exceeds read cap, tailing the most recent bytes",
			"path", path,
			"unread", humanize.IBytes(uint64(unread)),
			"dropped", humanize.IBytes(uint64(start-offset)))
	}

	buf, err := readRange(real, start, size)
	if err != nil {
		w.handleFileError(path, err, "reading transcript")
		return
	}

	// A previous pass may have split a multi-byte character at the read
	// boundary; drop leading UTF-8 continuation bytes.
	trimmed := trimPartialRune(&buf)
	start += int64(trimmed)

	consumed := transcript.Consume(w.store, path, buf, start, w.logger)
	w.store.SetOffset(path, start+consumed)
	if consumed > 0 {
		w.store.TouchFile(path, time.Now())
	}
}

// handleFileError applies the per-file error policy: not-found removes the
// file's sessions and offset, anything else is logged and left for retry.
func (w *Watcher) handleFileError(path string, err error, op string) {
	if errors.Is(err, os.ErrNotExist) {
		w.store.RemoveFile(path)
		return
	}
	w.logger.Warn(op+" failed, will retry on next change", "path", path, "error", err)
}

// contains reports whether the resolved path stays under the resolved root.
func (w *Watcher) contains(real string) bool {
	rel, err := filepath.Rel(w.realRoot, real)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// readRange returns bytes [start, end) of the file. A file shrinking
// mid-read yields the bytes actually present.
func readRange(path string, start, end int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, end-start)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// trimPartialRune strips leading UTF-8 continuation bytes (high bits 10)
// left over from a read boundary that landed mid-character, advancing past
// them. Returns the number of bytes stripped.
func trimPartialRune(buf *[]byte) int {
	b := *buf
	n := 0
	for len(b) > 0 && b[0]&0xC0 == 0x80 {
		b = b[1:]
		n++
	}
	*buf = b
	return n
}

func isTranscript(path string) bool {
	return filepath.Ext(path) == ".jsonl"
}
