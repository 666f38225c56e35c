package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/detection"
	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/stream"
)

// printSink reports frames and optionally classifies one in every n
type printSink struct {
	engine *detection.Engine
	every  uint64
}

func (p *printSink) Push(f stream.Frame) bool {
	fmt.Printf("  frame %d (%s, %d bytes)\n", f.Seq, f.Format, len(f.Data))
	if p.engine == nil || f.Seq%p.every != 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev, err := p.engine.Process(ctx, f)
	switch {
	case err != nil:
		fmt.Printf("    ❌ Inference failed: %v\n", err)
	case ev == nil:
		fmt.Println("    ℹ️  No qualifying detections")
	default:
		fmt.Printf("    ✅ %s (confidence: %.2f%%)\n", ev.Class, ev.Confidence*100)
	}
	return false
}

func main() {
	var configPath, siteID string
	var classify bool
	var every uint64
	var duration time.Duration
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&siteID, "site", "", "Site to watch (default: first configured site)")
	flag.BoolVar(&classify, "classify", false, "Send frames to the classifier")
	flag.Uint64Var(&every, "every", 10, "Classify one frame in every n")
	flag.DurationVar(&duration, "duration", 30*time.Second, "How long to watch the stream")
	flag.Parse()

	fmt.Println("=== Stream Supervision Test ===")
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

	site, ok := lo.Find(cfg.Sites, func(s config.SiteConfig) bool {
		return siteID == "" || s.ID == siteID
	})
	if !ok {
		fmt.Fprintf(os.Stderr, "Site %q not found in configuration\n", siteID)
		os.Exit(1)
	}

	src, err := stream.NewSource(stream.SourceConfig{
		URL:          site.URL,
		PollInterval: site.PollInterval,
		ReadTimeout:  site.ConnectTimeout,
		FFmpeg:       stream.NewFFmpeg(cfg.FFmpeg.Path, cfg.FFmpeg.JPEGQuality, log),
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid source: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Site: %s\n", site.ID)
	fmt.Printf("Source: %s\n", src.String())
	fmt.Printf("Stall timeout: %v, connect timeout: %v\n", site.StallTimeout, site.ConnectTimeout)
	fmt.Println()

	sink := &printSink{every: max(every, 1)}
	if classify {
		classifier := detection.NewHTTPClassifier(detection.HTTPClassifierConfig{
			ServiceURL: cfg.Detection.ClassifierURL,
			Timeout:    cfg.Detection.ClassifierTimeout,
		}, log)
		sink.engine = detection.NewEngine(classifier, detection.Filter{
			Threshold: cfg.Detection.ConfidenceThreshold,
			Classes:   cfg.Detection.TargetClasses,
		}, false, log)
		fmt.Printf("Classifier: %s\n\n", cfg.Detection.ClassifierURL)
	}

	sup := stream.NewSupervisor(stream.SupervisorConfig{
		SiteID:         site.ID,
		ConnectTimeout: site.ConnectTimeout,
		StallTimeout:   site.StallTimeout,
		Backoff: stream.Backoff{
			Base:   site.Backoff.Base,
			Max:    site.Backoff.Max,
			Jitter: site.Backoff.Jitter,
		},
	}, src, sink, log, stream.WithObserver(func(tr stream.Transition) {
		line := fmt.Sprintf("[%s] %s -> %s", tr.At.Format("15:04:05"), tr.From, tr.To)
		if tr.Err != nil {
			line += fmt.Sprintf(" (attempt %d, retry in %v): %v", tr.Attempt, tr.Backoff.Round(time.Millisecond), tr.Err)
		}
		fmt.Println(line)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.Run(ctx)

	st := sup.Status()
	fmt.Println()
	fmt.Printf("Frames received: %d\n", st.Frames)
	if st.LastError != "" {
		fmt.Printf("Last error: %s\n", st.LastError)
	}
	if st.Frames == 0 {
		os.Exit(1)
	}
}
