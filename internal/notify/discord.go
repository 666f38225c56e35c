package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vzahanych/barnwatch/internal/config"
)

// discordMaxContent is the message length Discord accepts
const discordMaxContent = 2000

type discordMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// DiscordChannel posts the rendered text to a Discord webhook
type DiscordChannel struct {
	name     string
	url      string
	username string
	client   *http.Client
}

// NewDiscordChannel creates a channel that posts to a Discord webhook
func NewDiscordChannel(name string, cfg config.DiscordConfig, timeout time.Duration) *DiscordChannel {
	return &DiscordChannel{
		name:     name,
		url:      cfg.WebhookURL,
		username: cfg.Username,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *DiscordChannel) Name() string { return c.name }

func (c *DiscordChannel) Send(ctx context.Context, p Payload) error {
	content := p.Text()
	if r := []rune(content); len(r) > discordMaxContent {
		content = string(r[:discordMaxContent-3]) + "..."
	}

	body, err := json.Marshal(discordMessage{Content: content, Username: c.username})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Discord answers 204 without ?wait=true and 200 with it
	return postJSON(ctx, c.client, c.url, nil, body)
}

func (c *DiscordChannel) Close() error { return nil }
