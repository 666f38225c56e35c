package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for settings where zero is a valid value. They are applied
// only when the key is absent.
const (
	defaultConfidenceThreshold = 0.5
	defaultJitter              = 0.2
)

// Config represents the application configuration
type Config struct {
	DataDir       string              `yaml:"data_dir" env:"BARNWATCH_DATA_DIR"`
	Log           LogConfig           `yaml:"log"`
	Sites         []SiteConfig        `yaml:"sites"`
	Detection     DetectionConfig     `yaml:"detection"`
	FFmpeg        FFmpegConfig        `yaml:"ffmpeg"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Audit         AuditConfig         `yaml:"audit"`
	Storage       StorageConfig       `yaml:"storage"`
	Web           WebConfig           `yaml:"web"`
	Health        HealthConfig        `yaml:"health"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// SiteConfig describes one monitored stream
type SiteConfig struct {
	ID             string        `yaml:"id"`
	URL            string        `yaml:"url"`
	Description    string        `yaml:"description,omitempty"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval,omitempty"` // snapshot and file sources
	QueueSize      int           `yaml:"queue_size"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig bounds reconnect delays
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`
}

// DetectionConfig contains classifier and filtering configuration
type DetectionConfig struct {
	ClassifierURL       string        `yaml:"classifier_url" env:"CLASSIFIER_URL"`
	ClassifierTimeout   time.Duration `yaml:"classifier_timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	TargetClasses       []string      `yaml:"target_classes" env:"TARGET_CLASSES" envSeparator:","`
	Cooldown            time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	Workers             int           `yaml:"workers"`
	SkipAnnotation      bool          `yaml:"skip_annotation"`
}

// FFmpegConfig controls the decoder used for H.264 tracks and local
// cameras
type FFmpegConfig struct {
	Path        string `yaml:"path" env:"FFMPEG_PATH"` // empty: search PATH
	JPEGQuality int    `yaml:"jpeg_quality"`           // mjpeg -q:v, 2 (best) to 31
}

// NotificationsConfig contains channel definitions and shared
// destination defaults that channels inherit when left blank
type NotificationsConfig struct {
	Enabled           *bool           `yaml:"enabled" env:"NOTIFICATIONS_ENABLED"`
	DedupSize         int             `yaml:"dedup_size"`
	SMTP              SMTPDefaults    `yaml:"smtp"`
	DiscordWebhookURL string          `yaml:"discord_webhook_url" env:"DISCORD_WEBHOOK_URL"`
	Channels          []ChannelConfig `yaml:"channels"`
}

// SMTPDefaults are applied to email channels with empty fields
type SMTPDefaults struct {
	Host      string `yaml:"host" env:"SMTP_HOST"`
	Port      int    `yaml:"port" env:"SMTP_PORT"`
	Username  string `yaml:"username" env:"SMTP_USER"`
	Password  string `yaml:"password" env:"SMTP_PASSWORD"`
	Recipient string `yaml:"recipient" env:"RECIPIENT_EMAIL"`
}

// ChannelConfig describes one notification destination
type ChannelConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	Enabled     bool          `yaml:"enabled"`
	Mode        string        `yaml:"mode"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	MinSpacing  time.Duration `yaml:"min_spacing"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	Digest      DigestConfig  `yaml:"digest,omitempty"`

	Webhook WebhookConfig `yaml:"webhook,omitempty"`
	Discord DiscordConfig `yaml:"discord,omitempty"`
	Email   EmailConfig   `yaml:"email,omitempty"`
	NATS    NATSConfig    `yaml:"nats,omitempty"`
	Redis   RedisConfig   `yaml:"redis,omitempty"`
	Kafka   KafkaConfig   `yaml:"kafka,omitempty"`
}

// DigestConfig controls the batched window of a channel
type DigestConfig struct {
	At        string        `yaml:"at,omitempty"` // HH:MM local time
	Interval  time.Duration `yaml:"interval,omitempty"`
	SendEmpty *bool         `yaml:"send_empty,omitempty"`
	MaxItems  int           `yaml:"max_items,omitempty"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username,omitempty"`
}

type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	TLS      string   `yaml:"tls"` // mandatory, opportunistic, none
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AuditConfig selects the audit database
type AuditConfig struct {
	Driver     string `yaml:"driver" env:"AUDIT_DRIVER"`
	DSN        string `yaml:"dsn" env:"AUDIT_DSN"`
	BufferSize int    `yaml:"buffer_size"`
}

// StorageConfig selects where representative images are written
type StorageConfig struct {
	Driver              string      `yaml:"driver" env:"STORAGE_DRIVER"`
	Dir                 string      `yaml:"dir"`
	RetentionDays       int         `yaml:"retention_days"`
	MaxDiskUsagePercent float64     `yaml:"max_disk_usage_percent"`
	MinIO               MinIOConfig `yaml:"minio,omitempty"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// WebConfig contains the status API configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port" env:"WEB_PORT"`
}

// HealthConfig contains health endpoint configuration
type HealthConfig struct {
	Port     int `yaml:"port" env:"HEALTH_PORT"`
	GRPCPort int `yaml:"grpc_port" env:"HEALTH_GRPC_PORT"`
}

// UnmarshalYAML presets the jitter so that an explicit 0 disables it
func (s *SiteConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain SiteConfig
	p := plain{Backoff: BackoffConfig{Jitter: defaultJitter}}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = SiteConfig(p)
	return nil
}

// NotificationsOn reports whether notifications are globally enabled
func (n NotificationsConfig) NotificationsOn() bool {
	return n.Enabled == nil || *n.Enabled
}

// SendEmptyDigest reports whether an empty window still produces a digest
func (d DigestConfig) SendEmptyDigest() bool {
	return d.SendEmpty == nil || *d.SendEmpty
}

// Load reads, expands, overlays and validates the configuration file.
// A validation failure is returned as *ConfigurationError.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML after ${VAR} expansion, applies environment
// overrides and fills defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		Detection: DetectionConfig{ConfidenceThreshold: defaultConfidenceThreshold},
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// getDefaultConfigPath returns the first existing well-known config path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config.yaml",
		"/etc/barnwatch/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	for i := range c.Sites {
		s := &c.Sites[i]
		if s.StallTimeout == 0 {
			s.StallTimeout = 5 * time.Second
		}
		if s.ConnectTimeout == 0 {
			s.ConnectTimeout = 15 * time.Second
		}
		if s.PollInterval == 0 {
			s.PollInterval = time.Second
		}
		if s.QueueSize == 0 {
			s.QueueSize = 1
		}
		if s.Backoff.Base == 0 {
			s.Backoff.Base = 2 * time.Second
		}
		if s.Backoff.Max == 0 {
			s.Backoff.Max = 60 * time.Second
		}
	}

	if c.Detection.ClassifierURL == "" {
		c.Detection.ClassifierURL = "http://localhost:8080"
	}
	if c.Detection.ClassifierTimeout == 0 {
		c.Detection.ClassifierTimeout = 10 * time.Second
	}
	if c.Detection.Cooldown == 0 {
		c.Detection.Cooldown = 30 * time.Second
	}
	if c.Detection.SweepInterval == 0 {
		c.Detection.SweepInterval = time.Second
	}
	if c.Detection.Workers == 0 {
		c.Detection.Workers = 2
	}

	if c.FFmpeg.JPEGQuality == 0 {
		c.FFmpeg.JPEGQuality = 5
	}

	if c.Notifications.DedupSize == 0 {
		c.Notifications.DedupSize = 4096
	}
	if c.Notifications.SMTP.Port == 0 {
		c.Notifications.SMTP.Port = 587
	}
	for i := range c.Notifications.Channels {
		c.Notifications.Channels[i].setDefaults(c.Notifications)
	}

	if c.Audit.Driver == "" {
		c.Audit.Driver = "sqlite3"
	}
	if c.Audit.DSN == "" && c.Audit.Driver == "sqlite3" {
		c.Audit.DSN = filepath.Join(c.DataDir, "db", "audit.db")
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 256
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "local"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = filepath.Join(c.DataDir, "images")
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.MaxDiskUsagePercent == 0 {
		c.Storage.MaxDiskUsagePercent = 90
	}
	if c.Storage.MinIO.Bucket == "" {
		c.Storage.MinIO.Bucket = "barnwatch"
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Health.Port == 0 {
		c.Health.Port = 8081
	}
}

func (ch *ChannelConfig) setDefaults(n NotificationsConfig) {
	if ch.Mode == "" {
		ch.Mode = "immediate"
	}
	if ch.MaxRetries == 0 {
		ch.MaxRetries = 3
	}
	if ch.BackoffBase == 0 {
		ch.BackoffBase = time.Second
	}
	if ch.SendTimeout == 0 {
		ch.SendTimeout = 10 * time.Second
	}
	if ch.Mode == "batched" && ch.Digest.At == "" && ch.Digest.Interval == 0 {
		ch.Digest.At = "09:00"
	}
	if ch.Digest.MaxItems == 0 {
		ch.Digest.MaxItems = 10
	}

	switch ch.Type {
	case "discord":
		if ch.Discord.WebhookURL == "" {
			ch.Discord.WebhookURL = n.DiscordWebhookURL
		}
	case "email":
		if ch.Email.Host == "" {
			ch.Email.Host = n.SMTP.Host
		}
		if ch.Email.Port == 0 {
			ch.Email.Port = n.SMTP.Port
		}
		if ch.Email.Username == "" {
			ch.Email.Username = n.SMTP.Username
		}
		if ch.Email.Password == "" {
			ch.Email.Password = n.SMTP.Password
		}
		if ch.Email.From == "" {
			ch.Email.From = n.SMTP.Username
		}
		if len(ch.Email.To) == 0 && n.SMTP.Recipient != "" {
			ch.Email.To = []string{n.SMTP.Recipient}
		}
		if ch.Email.TLS == "" {
			ch.Email.TLS = "mandatory"
		}
	case "nats":
		if ch.NATS.Subject == "" {
			ch.NATS.Subject = "barnwatch.occurrences"
		}
	case "redis":
		if ch.Redis.Channel == "" {
			ch.Redis.Channel = "barnwatch:occurrences"
		}
	case "kafka":
		if ch.Kafka.Topic == "" {
			ch.Kafka.Topic = "barnwatch.occurrences"
		}
	}
}
