package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔥 Hot reload
// =============================================================================

// ReloadCallback runs after a new configuration has been applied. Returning
// an error rolls the configuration back.
type ReloadCallback func(oldConfig, newConfig *Config) error

// ConfigChange records one changed leaf field.
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
}

// reloadablePrefixes are applied to running components. Every other change
// is stored but only takes effect after a restart.
var reloadablePrefixes = []string{
	"Admission.",
	"Log.Level",
}

var sensitivePaths = []string{
	"Auth.JWTSecret",
	"Auth.APIKeys",
	"Redis.Password",
	"Database.Password",
}

// IsHotReloadable reports whether the field at path applies without restart.
func IsHotReloadable(path string) bool {
	for _, p := range reloadablePrefixes {
		if path == p || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func isSensitive(path string) bool {
	for _, p := range sensitivePaths {
		if path == p {
			return true
		}
	}
	return false
}

const maxChangeLog = 200

// HotReloadManager owns the live configuration and reloads it when the
// config file changes.
type HotReloadManager struct {
	mu sync.RWMutex

	path    string
	loader  *Loader
	config  *Config
	watcher *FileWatcher

	callbacks []ReloadCallback
	changeLog []ConfigChange

	pollInterval time.Duration
	logger       *zap.Logger
}

// HotReloadOption configures a HotReloadManager.
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger sets the logger.
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReloadPollInterval sets the file poll period.
func WithReloadPollInterval(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) {
		m.pollInterval = d
	}
}

// NewHotReloadManager wraps the configuration loaded from path. An empty
// path disables file watching; Apply still works.
func NewHotReloadManager(config *Config, path string, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		path:         path,
		loader:       NewLoader().WithConfigPath(path),
		config:       config,
		pollInterval: time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	return m
}

// Config returns the live configuration. Callers must not mutate it.
func (m *HotReloadManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload registers a callback invoked after each applied reload.
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Start watches the config file.
func (m *HotReloadManager) Start(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	w, err := NewFileWatcher([]string{m.path},
		WithPollInterval(m.pollInterval),
		WithWatcherLogger(m.logger),
	)
	if err != nil {
		return err
	}
	w.OnChange(m.handleFileChange)

	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		return fmt.Errorf("hot reload already running")
	}
	m.watcher = w
	m.mu.Unlock()

	return w.Start(ctx)
}

// Stop stops watching.
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Stop()
}

func (m *HotReloadManager) handleFileChange(event FileEvent) {
	if event.Op == FileOpRemove {
		m.logger.Warn("config file removed, keeping current configuration", zap.String("path", event.Path))
		return
	}
	if err := m.ReloadFromFile(); err != nil {
		m.logger.Error("config reload failed", zap.Error(err))
	}
}

// ReloadFromFile reloads defaults, file and environment, then applies.
func (m *HotReloadManager) ReloadFromFile() error {
	cfg, err := m.loader.Load()
	if err != nil {
		return err
	}
	return m.Apply(cfg)
}

// Apply validates and installs newConfig, then notifies callbacks. A failing
// or panicking callback restores the previous configuration.
func (m *HotReloadManager) Apply(newConfig *Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	oldConfig := m.config
	changes := detectChanges(oldConfig, newConfig)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil
	}

	m.config = newConfig
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > maxChangeLog {
		m.changeLog = m.changeLog[len(m.changeLog)-maxChangeLog:]
	}
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	requiresRestart := false
	for _, c := range changes {
		requiresRestart = requiresRestart || c.RequiresRestart
		m.logChange(c)
	}

	if err := notifySafe(callbacks, oldConfig, newConfig); err != nil {
		m.mu.Lock()
		if m.config == newConfig {
			m.config = oldConfig
		}
		m.mu.Unlock()
		// restore components that already accepted the new values
		_ = notifySafe(callbacks, newConfig, oldConfig)
		m.logger.Error("reload callback failed, configuration rolled back", zap.Error(err))
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if requiresRestart {
		m.logger.Warn("some configuration changes require a restart to take effect")
	}
	m.logger.Info("configuration reloaded", zap.Int("changes", len(changes)))
	return nil
}

// Changes returns recent changes, oldest first.
func (m *HotReloadManager) Changes() []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigChange(nil), m.changeLog...)
}

func notifySafe(callbacks []ReloadCallback, oldConfig, newConfig *Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return err
		}
	}
	return nil
}

func (m *HotReloadManager) logChange(c ConfigChange) {
	fields := []zap.Field{
		zap.String("path", c.Path),
		zap.Bool("requires_restart", c.RequiresRestart),
	}
	if !isSensitive(c.Path) {
		fields = append(fields, zap.Any("old_value", c.OldValue), zap.Any("new_value", c.NewValue))
	}
	m.logger.Info("configuration changed", fields...)
}

func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)

	now := time.Now()
	for i := range changes {
		changes[i].Timestamp = now
		changes[i].RequiresRestart = !IsHotReloadable(changes[i].Path)
		if isSensitive(changes[i].Path) {
			changes[i].OldValue = "[REDACTED]"
			changes[i].NewValue = "[REDACTED]"
		}
	}
	return changes
}

// compareStructs walks exported fields and records differing leaves.
func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}

		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		if oldField.Kind() == reflect.Struct && oldField.Type() != reflect.TypeOf(time.Time{}) {
			compareStructs(path, oldField, newField, changes)
			continue
		}
		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			*changes = append(*changes, ConfigChange{
				Path:     path,
				OldValue: oldField.Interface(),
				NewValue: newField.Interface(),
			})
		}
	}
}
