package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/notify"
)

func main() {
	var configPath, only string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&only, "channel", "", "Send only through the named channel")
	flag.Parse()

	fmt.Println("=== Notification Channel Test ===")
	fmt.Println()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	payload := notify.TestPayload(time.Now())
	sent, failed := 0, 0

	for _, chCfg := range cfg.Notifications.Channels {
		if only != "" && chCfg.Name != only {
			continue
		}
		if !chCfg.Enabled {
			fmt.Printf("[%s] skipped (disabled)\n", chCfg.Name)
			continue
		}

		fmt.Printf("[%s] sending through %s...\n", chCfg.Name, chCfg.Type)
		ch, err := notify.NewChannel(chCfg, log)
		if err != nil {
			fmt.Printf("  ❌ Failed to create channel: %v\n", err)
			failed++
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), chCfg.SendTimeout)
		err = ch.Send(ctx, payload)
		cancel()
		ch.Close()

		if err != nil {
			fmt.Printf("  ❌ Send failed: %v\n", err)
			failed++
			continue
		}
		fmt.Println("  ✅ Delivered")
		sent++
	}

	fmt.Println()
	fmt.Printf("Delivered: %d, failed: %d\n", sent, failed)
	if sent+failed == 0 {
		fmt.Println("No enabled channels configured")
	}
	if failed > 0 {
		os.Exit(1)
	}
}
