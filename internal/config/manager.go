package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "mediarelay/pkg/logx"
)

// Manager watches the config file and reloads it on change.
//
// Reload is best-effort: an invalid file keeps the previous config and logs a
// warning. Subscribers receive the new config after a successful reload.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	subs []func(Config)

	watcher *fsnotify.Watcher
}

func NewManager(path string, cfg Config, log logx.Logger) *Manager {
	return &Manager{path: path, cfg: cfg, log: log}
}

func (m *Manager) Current() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// OnReload registers fn to be called (from the watch goroutine) after each
// successful reload.
func (m *Manager) OnReload(fn func(Config)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Watch blocks until ctx is done, reloading on file events.
// Editors often replace the file (rename + create), so the parent directory is
// watched rather than the file itself.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	// Debounce: editors fire several events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-pending:
			pending = nil
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	subs := append(([]func(Config))(nil), m.subs...)
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("path", m.path))
	for _, fn := range subs {
		fn(cfg)
	}
}
