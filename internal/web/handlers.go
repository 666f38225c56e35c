package web

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/vzahanych/barnwatch/internal/audit"
	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/service"
	"github.com/vzahanych/barnwatch/internal/storage"
	"github.com/vzahanych/barnwatch/internal/stream"
)

const secretMask = "****"

var dsnPassword = regexp.MustCompile(`password=\S+`)

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "web-server",
	})
}

// handleStatus summarizes services, sites and channels
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	health := "healthy"
	if s.GetStatus().GetStatus() != service.StatusRunning {
		health = "unhealthy"
	}

	resp := gin.H{
		"status":         health,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}

	if s.svcMgr != nil {
		services := make(map[string]service.Snapshot)
		for name, st := range s.svcMgr.GetAllStatuses() {
			services[name] = st.Snapshot()
		}
		resp["services"] = services
	}

	if s.sites != nil {
		sites := s.sites.Sites()
		resp["sites"] = gin.H{
			"total": len(sites),
			"by_state": lo.CountValuesBy(sites, func(st stream.Status) stream.ConnectionState {
				return st.State
			}),
		}
	}

	if s.lanes != nil {
		resp["channels"] = s.lanes.Stats()
	}

	c.JSON(http.StatusOK, resp)
}

// handleListSites lists every site with its connection state
func (s *Server) handleListSites(c *gin.Context) {
	if s.sites == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Site status not available"})
		return
	}

	sites := s.sites.Sites()
	if state := c.Query("state"); state != "" {
		sites = lo.Filter(sites, func(st stream.Status, _ int) bool {
			return string(st.State) == state
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sites": sites,
		"count": len(sites),
	})
}

// handleGetSite returns one site
func (s *Server) handleGetSite(c *gin.Context) {
	if s.sites == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Site status not available"})
		return
	}

	site, ok := lo.Find(s.sites.Sites(), func(st stream.Status) bool {
		return st.SiteID == c.Param("id")
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Site not found"})
		return
	}
	c.JSON(http.StatusOK, site)
}

// handleListOccurrences queries the detection history. Filters: site_id,
// start_time and end_time (RFC3339), limit.
func (s *Server) handleListOccurrences(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Audit log not available"})
		return
	}

	q := audit.Query{SiteID: c.Query("site_id")}

	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must be RFC3339"})
			return
		}
		q.From = t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end_time must be RFC3339"})
			return
		}
		q.To = t
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = limit
	}

	records, err := s.history.ListOccurrences(c.Request.Context(), q)
	if err != nil {
		s.LogError("Failed to list occurrences", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list occurrences"})
		return
	}
	if records == nil {
		records = []audit.Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"occurrences": records,
		"count":       len(records),
	})
}

// handleGetOccurrence returns one occurrence with its job outcomes
func (s *Server) handleGetOccurrence(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Audit log not available"})
		return
	}

	id := c.Param("id")
	record, err := s.history.GetOccurrence(c.Request.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Occurrence not found"})
		return
	}
	if err != nil {
		s.LogError("Failed to get occurrence", err, "occurrence_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get occurrence"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleGetOccurrenceImage serves the stored representative image
func (s *Server) handleGetOccurrenceImage(c *gin.Context) {
	if s.history == nil || s.images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Image store not available"})
		return
	}

	ctx := c.Request.Context()
	record, err := s.history.GetOccurrence(ctx, c.Param("id"))
	if err != nil || record.ImageRef == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}

	data, err := s.images.Get(ctx, record.ImageRef)
	if errors.Is(err, storage.ErrImageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image file not found"})
		return
	}
	if err != nil {
		s.LogError("Failed to read image", err, "ref", record.ImageRef)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read image"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleListChannels returns per-channel delivery statistics
func (s *Server) handleListChannels(c *gin.Context) {
	if s.lanes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not available"})
		return
	}
	stats := s.lanes.Stats()
	c.JSON(http.StatusOK, gin.H{
		"channels": stats,
		"count":    len(stats),
	})
}

// handleGetConfig returns the running configuration without secrets
func (s *Server) handleGetConfig(c *gin.Context) {
	if s.configSvc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Configuration service not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": sanitizeConfig(s.configSvc.Get())})
}

// sanitizeConfig copies cfg with credentials masked
func sanitizeConfig(cfg *config.Config) *config.Config {
	sanitized := *cfg

	sanitized.Sites = lo.Map(cfg.Sites, func(site config.SiteConfig, _ int) config.SiteConfig {
		site.URL = stream.MaskURL(site.URL)
		return site
	})

	sanitized.Notifications.SMTP.Password = mask(cfg.Notifications.SMTP.Password)
	sanitized.Notifications.DiscordWebhookURL = mask(cfg.Notifications.DiscordWebhookURL)
	sanitized.Notifications.Channels = lo.Map(cfg.Notifications.Channels, func(ch config.ChannelConfig, _ int) config.ChannelConfig {
		ch.Email.Password = mask(ch.Email.Password)
		ch.Redis.Password = mask(ch.Redis.Password)
		ch.Discord.WebhookURL = mask(ch.Discord.WebhookURL)
		if len(ch.Webhook.Headers) > 0 {
			ch.Webhook.Headers = lo.MapValues(ch.Webhook.Headers, func(v string, _ string) string { return secretMask })
		}
		return ch
	})

	sanitized.Audit.DSN = dsnPassword.ReplaceAllString(stream.MaskURL(cfg.Audit.DSN), "password="+secretMask)
	sanitized.Storage.MinIO.SecretKey = mask(cfg.Storage.MinIO.SecretKey)
	return &sanitized
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}
