package health

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/vzahanych/barnwatch/internal/notify"
	"github.com/vzahanych/barnwatch/internal/stream"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Pinger is anything with a connectivity check
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks the audit database connection
type DatabaseChecker struct {
	db     Pinger
	driver string
}

func NewDatabaseChecker(db Pinger, driver string) *DatabaseChecker {
	return &DatabaseChecker{db: db, driver: driver}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

// Check reports degraded rather than unhealthy: audit failures are never
// fatal to detection
func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["driver"] = c.driver

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}
	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// ClassifierPinger is the classifier health endpoint
type ClassifierPinger interface {
	HealthCheck(ctx context.Context) error
}

// ClassifierChecker checks that the detection service is reachable
type ClassifierChecker struct {
	client ClassifierPinger
	url    string
}

func NewClassifierChecker(client ClassifierPinger, url string) *ClassifierChecker {
	return &ClassifierChecker{client: client, url: url}
}

func (c *ClassifierChecker) Name() string {
	return "classifier"
}

func (c *ClassifierChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["url"] = c.url

	if err := c.client.HealthCheck(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Classifier unreachable: %v", err)
		return check
	}
	check.Status = StatusHealthy
	check.Message = "Classifier is reachable"
	return check
}

// ImageStore is the store the storage checker pings
type ImageStore interface {
	Name() string
	Check(ctx context.Context) error
}

// StorageChecker checks the image store
type StorageChecker struct {
	store ImageStore
}

func NewStorageChecker(store ImageStore) *StorageChecker {
	return &StorageChecker{store: store}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["driver"] = c.store.Name()

	if err := c.store.Check(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Image store unavailable: %v", err)
		return check
	}
	check.Status = StatusHealthy
	check.Message = "Image store accessible"
	return check
}

// SiteLister returns the supervision status of every site
type SiteLister interface {
	Sites() []stream.Status
}

// SitesChecker is healthy when every site streams, degraded when some
// do, and unhealthy when none do
type SitesChecker struct {
	sites SiteLister
}

func NewSitesChecker(sites SiteLister) *SitesChecker {
	return &SitesChecker{sites: sites}
}

func (c *SitesChecker) Name() string {
	return "sites"
}

func (c *SitesChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	sites := c.sites.Sites()
	streaming := lo.CountBy(sites, func(s stream.Status) bool { return s.State == stream.StateStreaming })
	for _, s := range sites {
		check.Details[s.SiteID] = string(s.State)
	}

	switch {
	case len(sites) == 0:
		check.Status = StatusDegraded
		check.Message = "No sites configured"
	case streaming == len(sites):
		check.Status = StatusHealthy
		check.Message = fmt.Sprintf("All %d sites streaming", len(sites))
	case streaming == 0:
		check.Status = StatusUnhealthy
		check.Message = "No site is streaming"
	default:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d sites streaming", streaming, len(sites))
	}
	return check
}

// ChannelsChecker pings the notification channels that support it.
// A failing channel degrades the report; its lane keeps retrying.
type ChannelsChecker struct {
	channels []notify.Channel
}

func NewChannelsChecker(channels []notify.Channel) *ChannelsChecker {
	return &ChannelsChecker{channels: channels}
}

func (c *ChannelsChecker) Name() string {
	return "channels"
}

func (c *ChannelsChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Status = StatusHealthy
	check.Message = "Notification channels OK"

	var failed []string
	for _, ch := range c.channels {
		p, ok := ch.(Pinger)
		if !ok {
			check.Details[ch.Name()] = "not checked"
			continue
		}
		if err := p.Ping(ctx); err != nil {
			check.Details[ch.Name()] = err.Error()
			failed = append(failed, ch.Name())
			continue
		}
		check.Details[ch.Name()] = "ok"
	}

	if len(failed) > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Channels unreachable: %v", failed)
	}
	return check
}
