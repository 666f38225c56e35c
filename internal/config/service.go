package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vzahanych/barnwatch/internal/logger"
)

// Service holds the live configuration and reloads it when the file
// on disk changes
type Service struct {
	config       *Config
	configPath   string
	logger       *logger.Logger
	mu           sync.RWMutex
	watchers     []ConfigWatcher
	modTime      time.Time
	pollInterval time.Duration
	cancel       context.CancelFunc
	done         chan struct{}
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService loads and validates the initial configuration
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config:       cfg,
		configPath:   configPath,
		logger:       log,
		watchers:     make([]ConfigWatcher, 0),
		pollInterval: 2 * time.Second,
	}
	if info, err := os.Stat(configPath); err == nil {
		s.modTime = info.ModTime()
	}
	return s, nil
}

func (s *Service) Name() string {
	return "config"
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Path returns the configuration file path
func (s *Service) Path() string {
	return s.configPath
}

// Reload reloads the configuration from file. An invalid file leaves
// the current configuration in place.
func (s *Service) Reload(ctx context.Context) error {
	newConfig, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	s.mu.Lock()
	oldConfig := s.config
	s.config = newConfig
	watchers := append([]ConfigWatcher(nil), s.watchers...)
	s.mu.Unlock()

	for _, watcher := range watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// Start polls the file modification time and reloads on change
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkModified(ctx)
			}
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkModified reloads when the file mtime moved forward
func (s *Service) checkModified(ctx context.Context) bool {
	info, err := os.Stat(s.configPath)
	if err != nil {
		s.logger.Warn("Cannot stat configuration file", "path", s.configPath, "error", err)
		return false
	}
	if !info.ModTime().After(s.modTime) {
		return false
	}
	s.modTime = info.ModTime()

	if err := s.Reload(ctx); err != nil {
		s.logger.Error("Configuration reload rejected", "error", err)
		return false
	}
	return true
}
