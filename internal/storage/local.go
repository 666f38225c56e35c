package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/occurrence"
)

// LocalStore writes images under a directory on local disk
type LocalStore struct {
	dir     string
	monitor *DiskMonitor
	logger  *logger.Logger
}

// NewLocalStore creates the directory if needed
func NewLocalStore(dir string, maxUsagePercent float64, log *logger.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	if maxUsagePercent <= 0 {
		maxUsagePercent = 90
	}

	log.Info("Local image store initialized", "dir", dir, "max_disk_usage_percent", maxUsagePercent)
	return &LocalStore{
		dir:     dir,
		monitor: NewDiskMonitor(dir, maxUsagePercent, log),
		logger:  log,
	}, nil
}

func (s *LocalStore) Name() string { return "local" }

// Dir returns the store root
func (s *LocalStore) Dir() string { return s.dir }

// Monitor returns the disk monitor of the store root
func (s *LocalStore) Monitor() *DiskMonitor { return s.monitor }

// Put writes through a temporary file so readers never see a partial image
func (s *LocalStore) Put(ctx context.Context, occ occurrence.Occurrence, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.monitor.IsDiskFull(ctx)
	if err != nil {
		s.logger.Warn("Disk usage unavailable", "error", err)
	} else if full {
		return "", fmt.Errorf("image store %s: disk usage above %.0f%%", s.dir, s.monitor.maxUsagePercent)
	}

	ref := ObjectKey(occ)
	dst := filepath.Join(s.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".img-*")
	if err != nil {
		return "", fmt.Errorf("failed to create image file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store image: %w", err)
	}

	s.logger.Debug("Stored image", "ref", ref, "bytes", len(data))
	return ref, nil
}

func (s *LocalStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, ErrImageNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(ref)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// Check fails when the root is missing or the disk is over the limit
func (s *LocalStore) Check(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("image directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("image directory %s is not a directory", s.dir)
	}
	usage, err := s.monitor.GetUsage(ctx)
	if err != nil {
		return err
	}
	if usage.UsagePercent >= s.monitor.maxUsagePercent {
		return fmt.Errorf("disk usage %.1f%% exceeds %.0f%%", usage.UsagePercent, s.monitor.maxUsagePercent)
	}
	return nil
}
