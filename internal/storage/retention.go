package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/service"
)

// Retention deletes local images older than the retention period
type Retention struct {
	*service.ServiceBase

	dir           string
	retentionDays int
	interval      time.Duration
	clock         clockwork.Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	pruning bool
}

// NewRetention creates a retention service for a local store root
func NewRetention(dir string, retentionDays int, clock clockwork.Clock, log *logger.Logger) *Retention {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retention{
		ServiceBase:   service.NewServiceBase("retention", log),
		dir:           dir,
		retentionDays: retentionDays,
		interval:      time.Hour,
		clock:         clock,
	}
}

// Start prunes once and then every hour
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("retention already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := r.clock.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			if _, err := r.Prune(ctx); err != nil {
				r.LogWarn("Image pruning failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()

	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("Retention started", "dir", r.dir, "retention_days", r.retentionDays)
	return nil
}

func (r *Retention) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Prune removes images whose modification time is past the retention
// period, then any day directories left empty. It returns the number
// of files removed.
func (r *Retention) Prune(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.pruning {
		r.mu.Unlock()
		return 0, fmt.Errorf("pruning already in progress")
	}
	r.pruning = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pruning = false
		r.mu.Unlock()
	}()

	cutoff := r.clock.Now().Add(-time.Duration(r.retentionDays) * 24 * time.Hour)
	var dirs []string
	deleted := 0

	err := filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != r.dir {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				r.LogWarn("Failed to delete expired image", "path", p, "error", err)
				return nil
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to walk image directory: %w", err)
	}

	// deepest first so parents empty out after their children
	for i := len(dirs) - 1; i >= 0; i-- {
		if entries, err := os.ReadDir(dirs[i]); err == nil && len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}

	if deleted > 0 {
		r.LogInfo("Deleted expired images", "count", deleted)
	}
	return deleted, nil
}
