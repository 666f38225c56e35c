package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/occurrence"
)

// ErrImageNotFound is returned by Get for unknown references
var ErrImageNotFound = errors.New("image not found")

// ImageStore keeps the representative image of each occurrence. The
// reference returned by Put is what the audit log records.
type ImageStore interface {
	Put(ctx context.Context, occ occurrence.Occurrence, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Check(ctx context.Context) error
	Name() string
}

// NewImageStore builds the store selected by cfg.Driver
func NewImageStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (ImageStore, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalStore(cfg.Dir, cfg.MaxDiskUsagePercent, log)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIO, log)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// ObjectKey lays images out by site and day: Barn-3/2024-05-01/<id>.jpg
func ObjectKey(occ occurrence.Occurrence) string {
	return path.Join(sanitize(occ.SiteID), occ.FirstSeen.UTC().Format("2006-01-02"), occ.ID+".jpg")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// validRef rejects references that would escape the store root
func validRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return false
	}
	for _, part := range strings.Split(ref, "/") {
		if part == ".." || part == "" {
			return false
		}
	}
	return true
}
