package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileConfig configures a FileStore.
type FileConfig struct {
	// Path is the YAML settings file. Required.
	Path string
	// Debounce is the quiet period after a file event before reloading.
	// Editors often write in several steps. Default: 100ms.
	Debounce time.Duration
}

func (c *FileConfig) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
}

// FileStore keeps settings in a YAML file and watches it for edits. Only
// the keys present in the file override the defaults.
//
//	enableAutomationBadge: true
//	autoTag: "#auto"
//	rescanMs: 900
//	activePack: core,motivational
type FileStore struct {
	cfg    FileConfig
	logger *slog.Logger

	mu  sync.Mutex
	cur Snapshot

	hub *hub

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Store = (*FileStore)(nil)

// OpenFile opens the store. A missing file means defaults; it is created on
// the first Save.
func OpenFile(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("settings: file store: empty path")
	}
	cfg.defaults()

	s := &FileStore{cfg: cfg, logger: logger, hub: newHub()}
	cur, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cur = cur
	return s, nil
}

// Path returns the settings file path.
func (s *FileStore) Path() string { return s.cfg.Path }

func (s *FileStore) read() (Snapshot, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("settings: read %s: %w", s.cfg.Path, err)
	}
	var p Partial
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Snapshot{}, fmt.Errorf("settings: parse %s: %w", s.cfg.Path, err)
	}
	return Merge(Defaults(), p), nil
}

func (s *FileStore) write(snap Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("settings: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.Path); err != nil {
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}

// Load implements Store. It reads the file fresh.
func (s *FileStore) Load(context.Context) (Snapshot, error) {
	if s.hub.isClosed() {
		return Snapshot{}, ErrClosed
	}
	return s.read()
}

// Save implements Store. The whole snapshot is written atomically.
func (s *FileStore) Save(_ context.Context, p Partial) (Snapshot, error) {
	if s.hub.isClosed() {
		return Snapshot{}, ErrClosed
	}
	s.mu.Lock()
	base, err := s.read()
	if err != nil {
		s.logger.Warn("settings: unreadable file, saving over last good state", "path", s.cfg.Path, "error", err)
		base = s.cur
	}
	next := Merge(base, p)
	if err := s.write(next); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	diff := Diff(s.cur, next)
	s.cur = next
	s.mu.Unlock()

	s.hub.publish(diff)
	return next, nil
}

// Watch implements Store. The first call starts the file watcher, which
// runs until Close.
func (s *FileStore) Watch(ctx context.Context, fn func(Partial)) error {
	if err := s.start(); err != nil {
		return err
	}
	return s.hub.subscribe(ctx, fn)
}

func (s *FileStore) start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.hub.isClosed() {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watcher: %w", err)
	}
	// Watch the directory: atomic saves replace the file inode.
	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.Close()
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("settings: watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.loop(ctx, w)
	s.logger.Debug("settings: watching file", "path", s.cfg.Path)
	return nil
}

func (s *FileStore) loop(ctx context.Context, w *fsnotify.Watcher) {
	defer close(s.done)
	defer w.Close()

	target := filepath.Clean(s.cfg.Path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(s.cfg.Debounce)
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("settings: watcher error", "error", err)

		case <-fire:
			fire = nil
			s.reload()
		}
	}
}

func (s *FileStore) reload() {
	s.mu.Lock()
	next, err := s.read()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("settings: reload failed, keeping last good state", "path", s.cfg.Path, "error", err)
		return
	}
	diff := Diff(s.cur, next)
	s.cur = next
	s.mu.Unlock()

	if !diff.IsZero() {
		s.logger.Info("settings: file changed", "keys", diff.Keys())
	}
	s.hub.publish(diff)
}

// Close stops the watcher and releases Watch callers.
func (s *FileStore) Close() error {
	if !s.hub.close() {
		return nil
	}
	s.startMu.Lock()
	cancel, done := s.cancel, s.done
	s.startMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
