package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConfigurationError collects every problem found in a configuration.
// It is the only error class allowed to stop the process at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

var (
	channelTypes = map[string]bool{
		"webhook": true, "discord": true, "email": true, "nats": true, "redis": true, "kafka": true,
	}
	sourceSchemes = map[string]bool{
		"rtsp": true, "rtsps": true, "http": true, "https": true, "file": true,
	}
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	errors = append(errors, c.validateSites()...)

	d := c.Detection
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errors = append(errors, fmt.Sprintf("detection.confidence_threshold must be between 0 and 1, got: %.2f", d.ConfidenceThreshold))
	}
	if u, err := url.Parse(d.ClassifierURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("detection.classifier_url is not a valid URL: %q", d.ClassifierURL))
	}
	if d.ClassifierTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("detection.classifier_timeout must be > 0, got: %v", d.ClassifierTimeout))
	}
	if d.Cooldown <= 0 {
		errors = append(errors, fmt.Sprintf("detection.cooldown must be > 0, got: %v", d.Cooldown))
	}
	if d.SweepInterval <= 0 || d.SweepInterval > d.Cooldown {
		errors = append(errors, fmt.Sprintf("detection.sweep_interval must be in (0, cooldown], got: %v", d.SweepInterval))
	}
	if d.Workers <= 0 {
		errors = append(errors, fmt.Sprintf("detection.workers must be > 0, got: %d", d.Workers))
	}
	for _, class := range d.TargetClasses {
		if strings.TrimSpace(class) == "" {
			errors = append(errors, "detection.target_classes must not contain empty names")
			break
		}
	}

	if c.FFmpeg.JPEGQuality < 2 || c.FFmpeg.JPEGQuality > 31 {
		errors = append(errors, fmt.Sprintf("ffmpeg.jpeg_quality must be between 2 and 31, got: %d", c.FFmpeg.JPEGQuality))
	}

	errors = append(errors, c.validateChannels()...)

	switch c.Audit.Driver {
	case "sqlite3", "postgres":
	default:
		errors = append(errors, fmt.Sprintf("invalid audit.driver: %s (must be: sqlite3 or postgres)", c.Audit.Driver))
	}
	if c.Audit.DSN == "" {
		errors = append(errors, "audit.dsn is required")
	}
	if c.Audit.BufferSize <= 0 {
		errors = append(errors, fmt.Sprintf("audit.buffer_size must be > 0, got: %d", c.Audit.BufferSize))
	}

	switch c.Storage.Driver {
	case "local":
		if c.Storage.MaxDiskUsagePercent <= 0 || c.Storage.MaxDiskUsagePercent > 100 {
			errors = append(errors, fmt.Sprintf("storage.max_disk_usage_percent must be in (0, 100], got: %v", c.Storage.MaxDiskUsagePercent))
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" {
			errors = append(errors, "storage.minio.endpoint is required when storage.driver is minio")
		}
		if c.Storage.MinIO.AccessKey == "" || c.Storage.MinIO.SecretKey == "" {
			errors = append(errors, "storage.minio.access_key and secret_key are required when storage.driver is minio")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid storage.driver: %s (must be: local or minio)", c.Storage.Driver))
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errors = append(errors, fmt.Sprintf("web.port out of range: %d", c.Web.Port))
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		errors = append(errors, fmt.Sprintf("health.port out of range: %d", c.Health.Port))
	}
	if c.Health.GRPCPort < 0 || c.Health.GRPCPort > 65535 {
		errors = append(errors, fmt.Sprintf("health.grpc_port out of range: %d", c.Health.GRPCPort))
	}

	if len(errors) > 0 {
		return &ConfigurationError{Problems: errors}
	}
	return nil
}

// isDevice accepts a camera index ("0") or a device node path
func isDevice(raw string) bool {
	if strings.HasPrefix(raw, "/dev/") {
		return true
	}
	_, err := strconv.ParseUint(raw, 10, 8)
	return err == nil
}

func (c *Config) validateSites() []string {
	var errors []string
	if len(c.Sites) == 0 {
		return []string{"at least one site is required"}
	}

	seen := make(map[string]bool)
	for i, s := range c.Sites {
		prefix := fmt.Sprintf("sites[%d]", i)
		if s.ID == "" {
			errors = append(errors, prefix+".id is required")
		} else if seen[s.ID] {
			errors = append(errors, fmt.Sprintf("%s.id %q is duplicated", prefix, s.ID))
		}
		seen[s.ID] = true

		u, err := url.Parse(s.URL)
		switch {
		case s.URL == "":
			errors = append(errors, prefix+".url is required")
		case isDevice(s.URL):
		case err != nil:
			errors = append(errors, fmt.Sprintf("%s.url is invalid: %v", prefix, err))
		case !sourceSchemes[u.Scheme]:
			errors = append(errors, fmt.Sprintf("%s.url has unsupported scheme %q", prefix, u.Scheme))
		}

		if s.StallTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("%s.stall_timeout must be > 0, got: %v", prefix, s.StallTimeout))
		}
		if s.ConnectTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("%s.connect_timeout must be > 0, got: %v", prefix, s.ConnectTimeout))
		}
		if s.QueueSize <= 0 {
			errors = append(errors, fmt.Sprintf("%s.queue_size must be > 0, got: %d", prefix, s.QueueSize))
		}
		if s.Backoff.Base <= 0 {
			errors = append(errors, fmt.Sprintf("%s.backoff.base must be > 0, got: %v", prefix, s.Backoff.Base))
		}
		if s.Backoff.Max < s.Backoff.Base {
			errors = append(errors, fmt.Sprintf("%s.backoff.max (%v) cannot be less than base (%v)", prefix, s.Backoff.Max, s.Backoff.Base))
		}
		if s.Backoff.Jitter < 0 || s.Backoff.Jitter >= 0.5 {
			errors = append(errors, fmt.Sprintf("%s.backoff.jitter must be in [0, 0.5), got: %.2f", prefix, s.Backoff.Jitter))
		}
	}
	return errors
}

func (c *Config) validateChannels() []string {
	var errors []string
	seen := make(map[string]bool)

	for i, ch := range c.Notifications.Channels {
		prefix := fmt.Sprintf("notifications.channels[%d]", i)
		if ch.Name == "" {
			errors = append(errors, prefix+".name is required")
		} else if seen[ch.Name] {
			errors = append(errors, fmt.Sprintf("%s.name %q is duplicated", prefix, ch.Name))
		}
		seen[ch.Name] = true

		if !channelTypes[ch.Type] {
			errors = append(errors, fmt.Sprintf("%s.type %q is not supported", prefix, ch.Type))
		}
		if ch.Mode != "immediate" && ch.Mode != "batched" {
			errors = append(errors, fmt.Sprintf("%s.mode must be immediate or batched, got: %s", prefix, ch.Mode))
		}
		if ch.MaxRetries < 1 {
			errors = append(errors, fmt.Sprintf("%s.max_retries must be >= 1, got: %d", prefix, ch.MaxRetries))
		}
		if ch.BackoffBase <= 0 {
			errors = append(errors, fmt.Sprintf("%s.backoff_base must be > 0, got: %v", prefix, ch.BackoffBase))
		}
		if ch.MinSpacing < 0 {
			errors = append(errors, fmt.Sprintf("%s.min_spacing must be >= 0, got: %v", prefix, ch.MinSpacing))
		}
		if ch.SendTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("%s.send_timeout must be > 0, got: %v", prefix, ch.SendTimeout))
		}
		if ch.Mode == "batched" {
			if ch.Digest.At != "" {
				if _, err := time.Parse("15:04", ch.Digest.At); err != nil {
					errors = append(errors, fmt.Sprintf("%s.digest.at must be HH:MM, got: %q", prefix, ch.Digest.At))
				}
			}
			if ch.Digest.Interval < 0 {
				errors = append(errors, fmt.Sprintf("%s.digest.interval must be >= 0, got: %v", prefix, ch.Digest.Interval))
			}
		}

		if !ch.Enabled {
			continue
		}
		errors = append(errors, ch.validateDestination(prefix)...)
	}
	return errors
}

func (ch ChannelConfig) validateDestination(prefix string) []string {
	var errors []string
	requireURL := func(field, raw string) {
		u, err := url.Parse(raw)
		if raw == "" || err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errors = append(errors, fmt.Sprintf("%s.%s must be an http(s) URL, got: %q", prefix, field, raw))
		}
	}

	switch ch.Type {
	case "webhook":
		requireURL("webhook.url", ch.Webhook.URL)
	case "discord":
		requireURL("discord.webhook_url", ch.Discord.WebhookURL)
	case "email":
		if ch.Email.Host == "" {
			errors = append(errors, prefix+".email.host is required")
		}
		if ch.Email.From == "" {
			errors = append(errors, prefix+".email.from is required")
		}
		if len(ch.Email.To) == 0 {
			errors = append(errors, prefix+".email.to requires at least one recipient")
		}
		switch ch.Email.TLS {
		case "mandatory", "opportunistic", "none":
		default:
			errors = append(errors, fmt.Sprintf("%s.email.tls must be mandatory, opportunistic or none, got: %s", prefix, ch.Email.TLS))
		}
	case "nats":
		if ch.NATS.URL == "" {
			errors = append(errors, prefix+".nats.url is required")
		}
	case "redis":
		if ch.Redis.Addr == "" {
			errors = append(errors, prefix+".redis.addr is required")
		}
	case "kafka":
		if len(ch.Kafka.Brokers) == 0 {
			errors = append(errors, prefix+".kafka.brokers requires at least one broker")
		}
	}
	return errors
}
