package intake

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Subdirectories of the inbox that hold handled files.
const (
	acceptedDir = ".accepted"
	rejectedDir = ".rejected"
)

// WatcherConfig configures an inbox watcher.
type WatcherConfig struct {
	Dir       string
	TenantID  string
	ProjectID string
	// Settle is how long a file must stay unchanged before upload.
	// Default: 1s
	Settle time.Duration
}

// Watcher uploads every file dropped into an inbox directory. Accepted
// files move to .accepted, rejected ones (duplicates, unsupported types,
// quota) to .rejected.
type Watcher struct {
	cfg      WatcherConfig
	service  *Service
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	mu       sync.Mutex
	pending  map[string]*time.Timer
	handled  chan string
	stopOnce sync.Once
}

// NewWatcher creates a watcher over cfg.Dir.
func NewWatcher(service *Service, cfg WatcherConfig, logger *logging.Logger) (*Watcher, error) {
	if cfg.Dir == "" || cfg.TenantID == "" {
		return nil, errors.New("watcher: dir and tenant are required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = time.Second
	}
	for _, sub := range []string{acceptedDir, rejectedDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{
		cfg:     cfg,
		service: service,
		watcher: w,
		logger:  logger.Named("watcher"),
		pending: make(map[string]*time.Timer),
		handled: make(chan string, 16),
	}, nil
}

// Handled reports the base name of each file after it was moved out of the
// inbox.
func (w *Watcher) Handled() <-chan string {
	return w.handled
}

// Run watches until ctx is done. Files already in the inbox are picked up
// first.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Stop()
	if err := w.watcher.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.cfg.Dir, err)
	}

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.cfg.Dir, e.Name()))
		}
	}

	w.logger.Info(ctx, "watching inbox", zap.String("dir", w.cfg.Dir), zap.String("tenant_id", w.cfg.TenantID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "watcher error", zap.Error(err))
		}
	}
}

// Stop releases the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		for _, t := range w.pending {
			t.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	})
}

// schedule (re)arms the settle timer of a file; every write pushes the
// upload back.
func (w *Watcher) schedule(ctx context.Context, path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn(ctx, "opening inbox file failed", zap.String("path", path), zap.Error(err))
		return
	}
	rec, err := w.service.Upload(ctx, Upload{
		TenantID:  w.cfg.TenantID,
		ProjectID: w.cfg.ProjectID,
		Filename:  filepath.Base(path),
		MimeType:  mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Body:      f,
	})
	_ = f.Close()

	dest := acceptedDir
	switch {
	case err == nil:
		w.logger.Info(ctx, "inbox file accepted", zap.String("path", path), zap.String("file_id", rec.ID))
	case apperr.IsValidation(err):
		dest = rejectedDir
		w.logger.Warn(ctx, "inbox file rejected", zap.String("path", path), zap.Error(err))
	default:
		// leave it in place for the next scan
		w.logger.Error(ctx, "inbox upload failed", zap.String("path", path), zap.Error(err))
		return
	}

	target := filepath.Join(w.cfg.Dir, dest, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		w.logger.Warn(ctx, "moving inbox file failed", zap.String("path", path), zap.Error(err))
		return
	}
	select {
	case w.handled <- filepath.Base(path):
	default:
	}
}
