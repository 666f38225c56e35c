package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/stream"
)

// Classifier runs the detection model on one frame
type Classifier interface {
	Infer(ctx context.Context, frame stream.Frame) ([]Result, error)
}

// ErrUnsupportedFormat is returned for frames the classifier cannot
// decode
var ErrUnsupportedFormat = errors.New("unsupported frame format")

// ClassifierError wraps a failed inference. The frame is dropped.
type ClassifierError struct {
	SiteID   string
	FrameSeq uint64
	Err      error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classifier failed on %s frame %d: %v", e.SiteID, e.FrameSeq, e.Err)
}

func (e *ClassifierError) Unwrap() error {
	return e.Err
}

// HTTPClassifier talks to the model service over its JSON API
type HTTPClassifier struct {
	serviceURL string
	httpClient *http.Client
	logger     *logger.Logger
}

// HTTPClassifierConfig contains configuration for the classifier client
type HTTPClassifierConfig struct {
	ServiceURL string
	Timeout    time.Duration
}

// NewHTTPClassifier creates a new classifier service client
func NewHTTPClassifier(cfg HTTPClassifierConfig, log *logger.Logger) *HTTPClassifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPClassifier{
		serviceURL: strings.TrimRight(cfg.ServiceURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}
}

// Infer performs inference on a single JPEG frame
func (c *HTTPClassifier) Infer(ctx context.Context, frame stream.Frame) ([]Result, error) {
	if frame.Format != stream.FormatJPEG {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, frame.Format)
	}

	jsonData, err := json.Marshal(inferenceRequest{
		Image: base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.serviceURL + "/api/v1/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var inferenceResp inferenceResponse
	if err := json.Unmarshal(body, &inferenceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug("Inference completed",
		"site", frame.SiteID,
		"seq", frame.Seq,
		"detection_count", len(inferenceResp.BoundingBoxes),
		"inference_time_ms", inferenceResp.InferenceTimeMs,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)

	results := make([]Result, 0, len(inferenceResp.BoundingBoxes))
	for _, bb := range inferenceResp.BoundingBoxes {
		results = append(results, Result{
			SiteID:     frame.SiteID,
			FrameSeq:   frame.Seq,
			Class:      bb.ClassName,
			Confidence: bb.Confidence,
			Box:        Box{X1: bb.X1, Y1: bb.Y1, X2: bb.X2, Y2: bb.Y2},
		})
	}
	return results, nil
}

// HealthCheck checks if the classifier service is ready
func (c *HTTPClassifier) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier health check failed: status %d", resp.StatusCode)
	}
	return nil
}
