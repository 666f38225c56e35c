package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/detection"
	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/notify"
	"github.com/vzahanych/barnwatch/internal/occurrence"
	"github.com/vzahanych/barnwatch/internal/service"
	"github.com/vzahanych/barnwatch/internal/stream"
)

// ImageWriter persists the representative image of an occurrence
type ImageWriter interface {
	Put(ctx context.Context, occ occurrence.Occurrence, data []byte) (string, error)
}

// Auditor receives occurrence lifecycle records
type Auditor interface {
	Occurrence(occ occurrence.Occurrence)
	Closure(occ occurrence.Occurrence)
}

// Notifier fans an opened occurrence out to the notification channels
type Notifier interface {
	Submit(occ occurrence.Occurrence) []notify.Job
}

// SourceFactory builds the frame source of one site
type SourceFactory func(site config.SiteConfig) (stream.Source, error)

// Dependencies are the downstream consumers of opened occurrences.
// Nil members are skipped.
type Dependencies struct {
	Classifier detection.Classifier
	Images     ImageWriter
	Audit      Auditor
	Notifier   Notifier
}

type site struct {
	cfg        config.SiteConfig
	queue      *stream.FrameQueue
	supervisor *stream.Supervisor
}

// Monitor runs the whole detection flow: one supervisor per site
// feeding its frame queue, the shared detection pool, the debouncer,
// and the dispatch of opened occurrences
type Monitor struct {
	*service.ServiceBase

	clock     clockwork.Clock
	newSource SourceFactory
	deps      Dependencies

	sites     []*site
	engine    *detection.Engine
	pool      *detection.Pool
	debouncer *occurrence.Debouncer
	workers   int
	lifecycle chan occurrence.Occurrence

	putTimeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	flow    chan struct{}
	stopped bool
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock drives supervisors and the debouncer from the given clock
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithSourceFactory replaces the URL based source selection
func WithSourceFactory(fn SourceFactory) Option {
	return func(m *Monitor) { m.newSource = fn }
}

// NewMonitor builds the per-site supervisors and the detection stages
// from the configuration. Sources are created here so that a bad site
// URL fails startup.
func NewMonitor(cfg *config.Config, deps Dependencies, log *logger.Logger, opts ...Option) (*Monitor, error) {
	if deps.Classifier == nil {
		return nil, fmt.Errorf("pipeline needs a classifier")
	}

	m := &Monitor{
		ServiceBase: service.NewServiceBase("pipeline", log),
		clock:       clockwork.NewRealClock(),
		deps:        deps,
		workers:     cfg.Detection.Workers,
		lifecycle:   make(chan occurrence.Occurrence, 16),
		putTimeout:  10 * time.Second,
	}
	ffmpeg := stream.NewFFmpeg(cfg.FFmpeg.Path, cfg.FFmpeg.JPEGQuality, log)
	m.newSource = func(sc config.SiteConfig) (stream.Source, error) {
		return stream.NewSource(stream.SourceConfig{
			URL:          sc.URL,
			PollInterval: sc.PollInterval,
			ReadTimeout:  sc.ConnectTimeout,
			FFmpeg:       ffmpeg,
		}, log.With("site", sc.ID))
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, sc := range cfg.Sites {
		src, err := m.newSource(sc)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", sc.ID, err)
		}
		s := &site{cfg: sc, queue: stream.NewFrameQueue(sc.ID, sc.QueueSize)}
		s.supervisor = stream.NewSupervisor(stream.SupervisorConfig{
			SiteID:         sc.ID,
			ConnectTimeout: sc.ConnectTimeout,
			StallTimeout:   sc.StallTimeout,
			Backoff: stream.Backoff{
				Base:   sc.Backoff.Base,
				Max:    sc.Backoff.Max,
				Jitter: sc.Backoff.Jitter,
			},
		}, src, s.queue, log,
			stream.WithClock(m.clock),
			stream.WithObserver(m.onTransition),
		)
		m.sites = append(m.sites, s)
	}

	m.engine = detection.NewEngine(deps.Classifier, filterFrom(cfg.Detection), !cfg.Detection.SkipAnnotation, log)
	// Opens and closes share one channel to keep their order
	m.debouncer = occurrence.NewDebouncer(cfg.Detection.Cooldown, cfg.Detection.SweepInterval, log,
		occurrence.WithClock(m.clock),
		occurrence.WithCloseObserver(func(occ occurrence.Occurrence) { m.lifecycle <- occ }),
	)
	return m, nil
}

func filterFrom(d config.DetectionConfig) detection.Filter {
	return detection.Filter{
		Threshold: d.ConfidenceThreshold,
		Classes:   append([]string(nil), d.TargetClasses...),
	}
}

// Start launches the supervisors, the detection workers and the
// occurrence flow
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("pipeline already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	queues := lo.Map(m.sites, func(s *site, _ int) *stream.FrameQueue { return s.queue })
	m.pool = detection.NewPool(m.engine, m.workers, queues, m.Logger(),
		detection.WithErrorHandler(m.onClassifierError),
	)

	events := make(chan detection.Event, 64)
	lifecycle := m.lifecycle

	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range m.sites {
		sup := s.supervisor
		g.Go(func() error {
			if err := sup.Run(gctx); err != nil && !errors.Is(err, stream.ErrStreamExhausted) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		m.pool.Run(gctx, events)
		return nil
	})

	// The debouncer outlives the detection workers so that every event
	// already produced is folded in before open occurrences are closed
	m.flow = make(chan struct{})
	go func() {
		defer close(m.flow)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.dispatch(lifecycle)
		}()
		m.debouncer.Run(context.Background(), events, lifecycle)
		close(lifecycle)
		wg.Wait()
	}()

	go func() {
		_ = g.Wait()
		close(events)
	}()

	m.GetStatus().SetStatus(service.StatusRunning)
	m.LogInfo("Pipeline started", "sites", len(m.sites), "workers", m.workers)
	return nil
}

// Stop cancels the supervisors and workers, then waits until every
// open occurrence has been closed and handed downstream
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel == nil || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, flow := m.cancel, m.flow
	m.mu.Unlock()

	cancel()
	select {
	case <-flow:
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain: %w", ctx.Err())
	}

	m.GetStatus().SetStatus(service.StatusStopped)
	m.LogInfo("Pipeline stopped")
	return nil
}

// dispatch handles opened and closed occurrences in debouncer order
func (m *Monitor) dispatch(in <-chan occurrence.Occurrence) {
	for occ := range in {
		if occ.ClosedAt.IsZero() {
			m.handleOpened(occ)
		} else {
			m.handleClosed(occ)
		}
	}
}

func (m *Monitor) handleOpened(occ occurrence.Occurrence) {
	if m.deps.Images != nil && len(occ.Snapshot) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), m.putTimeout)
		ref, err := m.deps.Images.Put(ctx, occ, occ.Snapshot)
		cancel()
		if err != nil {
			m.LogWarn("Failed to store occurrence image", "id", occ.ID, "site", occ.SiteID, "error", err)
		} else {
			occ.ImageRef = ref
		}
	}
	occ.Snapshot = nil

	m.PublishEvent(service.EventTypeOccurrenceOpened, map[string]interface{}{
		"occurrence_id": occ.ID,
		"site_id":       occ.SiteID,
		"class":         occ.Class,
		"confidence":    occ.PeakConfidence,
	})
	if m.deps.Audit != nil {
		m.deps.Audit.Occurrence(occ)
	}
	if m.deps.Notifier != nil {
		jobs := m.deps.Notifier.Submit(occ)
		m.LogDebug("Occurrence submitted", "id", occ.ID, "jobs", len(jobs))
	}
}

func (m *Monitor) handleClosed(occ occurrence.Occurrence) {
	m.PublishEvent(service.EventTypeOccurrenceClosed, map[string]interface{}{
		"occurrence_id": occ.ID,
		"site_id":       occ.SiteID,
		"class":         occ.Class,
		"confidence":    occ.PeakConfidence,
	})
	if m.deps.Audit != nil {
		m.deps.Audit.Closure(occ)
	}
}

func (m *Monitor) onTransition(tr stream.Transition) {
	data := map[string]interface{}{
		"site_id": tr.SiteID,
		"from":    string(tr.From),
		"to":      string(tr.To),
		"attempt": tr.Attempt,
		"backoff": tr.Backoff.String(),
	}
	if tr.Err != nil {
		data["error"] = tr.Err.Error()
	}
	m.PublishEvent(service.EventTypeConnectionState, data)
	m.LogDebug("Connection state changed", "site", tr.SiteID, "from", tr.From, "to", tr.To)
}

func (m *Monitor) onClassifierError(err error) {
	data := map[string]interface{}{"error": err.Error()}
	var cerr *detection.ClassifierError
	if errors.As(err, &cerr) {
		data["site_id"] = cerr.SiteID
		data["frame_seq"] = cerr.FrameSeq
	}
	m.PublishEvent(service.EventTypeClassifierError, data)
}

// OnConfigChange applies detection filter changes without a restart.
// Site and channel changes need one and are only logged.
func (m *Monitor) OnConfigChange(ctx context.Context, oldCfg, newCfg *config.Config) error {
	next := filterFrom(newCfg.Detection)
	cur := m.engine.Filter()
	if next.Threshold != cur.Threshold || !sameSet(next.Classes, cur.Classes) {
		m.engine.SetFilter(next)
		m.LogInfo("Detection filter updated", "threshold", next.Threshold, "classes", next.Classes)
	}

	oldIDs := lo.Map(oldCfg.Sites, func(s config.SiteConfig, _ int) string { return s.ID })
	newIDs := lo.Map(newCfg.Sites, func(s config.SiteConfig, _ int) string { return s.ID })
	if !sameSet(oldIDs, newIDs) {
		m.LogWarn("Site list changed, restart to apply", "sites", newIDs)
	}
	return nil
}

func sameSet(a, b []string) bool {
	left, right := lo.Difference(a, b)
	return len(left) == 0 && len(right) == 0
}

// Sites returns the connection status of every site in config order
func (m *Monitor) Sites() []stream.Status {
	return lo.Map(m.sites, func(s *site, _ int) stream.Status { return s.supervisor.Status() })
}

// Filter returns the detection filter in force
func (m *Monitor) Filter() detection.Filter {
	return m.engine.Filter()
}

// RegisterMetrics exposes the frame queue counters on reg
func (m *Monitor) RegisterMetrics(reg prometheus.Registerer) error {
	for _, s := range m.sites {
		q := s.queue
		pushed := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "barnwatch",
			Name:        "frames_received_total",
			Help:        "Frames handed to the detection queue",
			ConstLabels: prometheus.Labels{"site": s.cfg.ID},
		}, func() float64 {
			n, _ := q.Stats()
			return float64(n)
		})
		dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "barnwatch",
			Name:        "frames_dropped_total",
			Help:        "Frames evicted from a full detection queue",
			ConstLabels: prometheus.Labels{"site": s.cfg.ID},
		}, func() float64 {
			_, n := q.Stats()
			return float64(n)
		})
		if err := reg.Register(pushed); err != nil {
			return err
		}
		if err := reg.Register(dropped); err != nil {
			return err
		}
	}

	processed := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "barnwatch",
		Name:      "frames_classified_total",
		Help:      "Frames sent to the classifier",
	}, func() float64 {
		n, _, _ := m.engine.Stats()
		return float64(n)
	})
	return reg.Register(processed)
}
