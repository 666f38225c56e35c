package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/service"
)

const namespace = "barnwatch"

var connectionStates = []string{"disconnected", "connecting", "streaming", "stalled"}

// Collector turns bus events into Prometheus metrics on its own registry
type Collector struct {
	*service.ServiceBase

	registry *prometheus.Registry

	ConnectionState   *prometheus.GaugeVec
	Reconnects        *prometheus.CounterVec
	ClassifierErrors  *prometheus.CounterVec
	OccurrencesOpened *prometheus.CounterVec
	OccurrencesClosed *prometheus.CounterVec
	OpenOccurrences   *prometheus.GaugeVec
	Jobs              *prometheus.CounterVec
	DeliveryAttempts  *prometheus.HistogramVec
	AuditFailures     *prometheus.CounterVec

	mu     sync.Mutex
	events <-chan service.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates the collector and registers every metric
func NewCollector(log *logger.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		ServiceBase: service.NewServiceBase("metrics", log),
		registry:    reg,
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state per site (1 for the active state)",
		}, []string{"site", "state"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Total number of lost or failed stream connections",
		}, []string{"site", "state"}),
		ClassifierErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_errors_total",
			Help:      "Total number of frames dropped because the classifier failed",
		}, []string{"site"}),
		OccurrencesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_opened_total",
			Help:      "Total number of occurrences opened",
		}, []string{"site", "class"}),
		OccurrencesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_closed_total",
			Help:      "Total number of occurrences closed",
		}, []string{"site", "class"}),
		OpenOccurrences: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_occurrences",
			Help:      "Occurrences currently open per site",
		}, []string{"site"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_jobs_total",
			Help:      "Total number of finished notification jobs by outcome",
		}, []string{"channel", "state"}),
		DeliveryAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_attempts",
			Help:      "Delivery attempts used by finished jobs",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"channel"}),
		AuditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Total number of audit records dropped or failed",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.ConnectionState, c.Reconnects, c.ClassifierErrors,
		c.OccurrencesOpened, c.OccurrencesClosed, c.OpenOccurrences,
		c.Jobs, c.DeliveryAttempts, c.AuditFailures,
	)
	return c
}

// Registry returns the registry so other components can add collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Start subscribes to the event bus. The bus must be set first.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bus := c.GetEventBus()
	if bus == nil {
		return fmt.Errorf("metrics collector has no event bus")
	}
	if c.cancel != nil {
		return fmt.Errorf("metrics collector already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.events = bus.SubscribeAll()
	c.done = make(chan struct{})

	go func(events <-chan service.Event) {
		defer close(c.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.Handle(ev)
			}
		}
	}(c.events)

	c.GetStatus().SetStatus(service.StatusRunning)
	c.LogInfo("Metrics collector started")
	return nil
}

func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, events := c.cancel, c.done, c.events
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	if bus := c.GetEventBus(); bus != nil {
		bus.Unsubscribe(events)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Handle applies one event to the metrics
func (c *Collector) Handle(ev service.Event) {
	switch ev.Type {
	case service.EventTypeConnectionState:
		site, to := str(ev.Data, "site_id"), str(ev.Data, "to")
		for _, s := range connectionStates {
			v := 0.0
			if s == to {
				v = 1
			}
			c.ConnectionState.WithLabelValues(site, s).Set(v)
		}
		if to == "disconnected" || to == "stalled" {
			if str(ev.Data, "error") != "" {
				c.Reconnects.WithLabelValues(site, to).Inc()
			}
		}

	case service.EventTypeClassifierError:
		c.ClassifierErrors.WithLabelValues(str(ev.Data, "site_id")).Inc()

	case service.EventTypeOccurrenceOpened:
		site := str(ev.Data, "site_id")
		c.OccurrencesOpened.WithLabelValues(site, str(ev.Data, "class")).Inc()
		c.OpenOccurrences.WithLabelValues(site).Inc()

	case service.EventTypeOccurrenceClosed:
		site := str(ev.Data, "site_id")
		c.OccurrencesClosed.WithLabelValues(site, str(ev.Data, "class")).Inc()
		c.OpenOccurrences.WithLabelValues(site).Dec()

	case service.EventTypeJobDelivered, service.EventTypeJobAbandoned:
		channel := str(ev.Data, "channel")
		state := "delivered"
		if ev.Type == service.EventTypeJobAbandoned {
			state = "abandoned"
		}
		c.Jobs.WithLabelValues(channel, state).Inc()
		if n, ok := ev.Data["attempts"].(int); ok && n > 0 {
			c.DeliveryAttempts.WithLabelValues(channel).Observe(float64(n))
		}

	case service.EventTypeAuditFailed:
		c.AuditFailures.WithLabelValues(str(ev.Data, "kind")).Inc()
	}
}

func str(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
