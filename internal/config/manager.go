package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one observed change to a watched file.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete
	Values    map[string]interface{} `json:"values"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is invoked after a watched file is reloaded.
type ChangeHandler func(event ChangeEvent) error

// Validator inspects parsed values before they are accepted. A returned
// error keeps the previous values in place.
type Validator func(values map[string]interface{}) error

// Manager watches a directory of YAML/JSON policy files and hot-reloads
// them, so scheduling knobs (agent capacities, admission limits) can change
// without a restart.
type Manager struct {
	dir    string
	logger *zap.Logger

	mu         sync.RWMutex
	values     map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	started    bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewManager creates a manager for the given directory, creating it when
// missing.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Manager{
		dir:        dir,
		logger:     logger,
		values:     make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]Validator),
		watcher:    watcher,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start loads every file in the directory and begins watching for changes.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := m.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	go m.watchLoop()
	m.logger.Info("Policy watcher started", zap.String("dir", m.dir))
	return nil
}

// Stop ends watching. Loaded values remain readable.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	return m.watcher.Close()
}

// OnChange registers a handler for one watched file.
func (m *Manager) OnChange(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// SetValidator registers a validator for one watched file.
func (m *Manager) SetValidator(filename string, v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = v
}

// Values returns a copy of the current values for a file.
func (m *Manager) Values(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vals, ok := m.values[filename]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		out[k] = v
	}
	return out, true
}

// Reload re-reads one file by name.
func (m *Manager) Reload(filename string) error {
	return m.loadFile(filepath.Join(m.dir, filename), "manual_reload")
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if !isWatchedFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		m.handleRemoval(filename)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		// Editors often emit several writes in quick succession.
		time.Sleep(50 * time.Millisecond)
		action := "modify"
		if event.Op&fsnotify.Create != 0 {
			action = "create"
		}
		if err := m.loadFile(event.Name, action); err != nil {
			m.logger.Error("Failed to reload config file",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) loadAll() error {
	return filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isWatchedFile(path) {
			return nil
		}
		return m.loadFile(path, "initial_load")
	})
}

func (m *Manager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	filename := filepath.Base(path)
	values := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}

	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(values); err != nil {
			return fmt.Errorf("validation failed for %s: %w", filename, err)
		}
	}

	m.mu.Lock()
	m.values[filename] = values
	handlers := append([]ChangeHandler(nil), m.handlers[filename]...)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Values:    copyValues(values),
		Timestamp: time.Now(),
	})

	m.logger.Info("Policy file loaded",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("keys", len(values)),
	)
	return nil
}

func (m *Manager) handleRemoval(filename string) {
	m.mu.Lock()
	last := m.values[filename]
	delete(m.values, filename)
	handlers := append([]ChangeHandler(nil), m.handlers[filename]...)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Values:    copyValues(last),
		Timestamp: time.Now(),
	})
	m.logger.Info("Policy file removed", zap.String("file", filename))
}

// notify runs handlers off the watch loop so a slow handler cannot stall
// event processing.
func (m *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				m.logger.Error("Config change handler error",
					zap.String("file", event.File),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func copyValues(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func isWatchedFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
