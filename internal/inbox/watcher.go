// Package inbox turns files dropped into a directory into queued evidence
// and feedback.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/a-marczewski/kparouter/internal/evidence"
)

// FeedbackSuffix marks a dropped file as a feedback payload rather than evidence.
const FeedbackSuffix = ".feedback.json"

// DefaultDebounce is how long a file must be quiet before it is submitted.
const DefaultDebounce = 250 * time.Millisecond

// Sink receives submissions. *agent.Service satisfies it.
type Sink interface {
	Submit(p evidence.Payload)
	SubmitFeedback(f evidence.Feedback)
}

// Watcher submits every settled file in dir exactly once.
type Watcher struct {
	dir      string
	sink     Sink
	logger   *zap.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu        sync.Mutex
	pending   map[string]time.Time
	submitted map[string]struct{}
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a watcher over dir. The directory is created if missing.
func New(dir string, sink Sink, logger *zap.Logger, debounce time.Duration) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbox watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		dir:       dir,
		sink:      sink,
		logger:    logger,
		debounce:  debounce,
		watcher:   fw,
		pending:   make(map[string]time.Time),
		submitted: make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start submits files already in the inbox and then watches for new ones.
// It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.submit(filepath.Join(w.dir, name))
	}

	w.logger.Info("Watching inbox", zap.String("dir", w.dir), zap.Int("existing", len(names)))

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// Stop ends the event loop and releases the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("Error closing inbox watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Inbox watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if ignored(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if _, done := w.submitted[event.Name]; !done {
			w.pending[event.Name] = time.Now()
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.pending, event.Name)
		delete(w.submitted, event.Name)
	}
}

// flush submits files that have been quiet for the debounce period.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		w.submit(path)
	}
}

func (w *Watcher) submit(path string) {
	if ignored(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	if _, done := w.submitted[path]; done {
		w.mu.Unlock()
		return
	}
	w.submitted[path] = struct{}{}
	w.mu.Unlock()

	if strings.HasSuffix(path, FeedbackSuffix) {
		w.submitFeedback(path)
		return
	}

	w.sink.Submit(evidence.FromFile(path))
	w.logger.Debug("Inbox evidence queued", zap.String("path", path))
}

// submitFeedback parses and removes a feedback file. Unparseable files are
// still queued so the agent reports them as malformed.
func (w *Watcher) submitFeedback(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("Failed to read feedback file", zap.String("path", path), zap.Error(err))
		return
	}

	f, err := evidence.ParseFeedback(data)
	if err != nil {
		w.logger.Warn("Malformed feedback file", zap.String("path", path), zap.Error(err))
	}
	w.sink.SubmitFeedback(f)

	if err := os.Remove(path); err != nil {
		w.logger.Warn("Failed to remove feedback file", zap.String("path", path), zap.Error(err))
	}
}

// ignored skips hidden and temporary files.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".tmp")
}
