// Package tcpmetrics exports Prometheus metrics for a tcpserver.Server by
// subscribing to its events.
package tcpmetrics

import (
	"github.com/cyberinferno/go-asynctcp/tcpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subscriber is the event source a Collector attaches to. *tcpserver.Server
// satisfies it.
type Subscriber interface {
	Subscribe(kind tcpserver.EventKind, handler tcpserver.Handler) func()
}

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "tcpserver").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "tcpserver",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the server metrics. Create one per registry; a Collector
// may be attached to several servers and aggregates across them.
type Collector struct {
	activeSessions prometheus.Gauge
	connections    prometheus.Counter
	disconnections prometheus.Counter
	bytesReceived  prometheus.Counter
	bytesSent      prometheus.Counter
	sendsCompleted prometheus.Counter
	errors         *prometheus.CounterVec
}

// New creates a Collector and registers its metrics.
//
// Parameters:
//   - opts: Options overriding the namespace, labels or registry
//
// Returns:
//   - A new *Collector; it panics if the metrics are already registered
//     with the chosen registry
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Collector{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of currently connected sessions",
			ConstLabels: config.ConstLabels,
		}),
		connections:    counter("connections_total", "Total number of accepted connections"),
		disconnections: counter("disconnections_total", "Total number of closed sessions"),
		bytesReceived:  counter("bytes_received_total", "Total number of bytes received from peers"),
		bytesSent:      counter("bytes_sent_total", "Total number of bytes written to peers"),
		sendsCompleted: counter("sends_completed_total", "Total number of payloads fully written"),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of reported faults by event kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),
	}
}

// Attach subscribes the collector to sub's events.
//
// Parameters:
//   - sub: The server (or other event source) to observe
//
// Returns:
//   - A function that detaches the collector; calling it more than once is safe
func (c *Collector) Attach(sub Subscriber) func() {
	unsubscribe := []func(){
		sub.Subscribe(tcpserver.ClientConnected, c.onConnected),
		sub.Subscribe(tcpserver.ClientDisconnected, c.onDisconnected),
		sub.Subscribe(tcpserver.DataReceived, c.onDataReceived),
		sub.Subscribe(tcpserver.CompletedSend, c.onCompletedSend),
		sub.Subscribe(tcpserver.NetError, c.onError),
		sub.Subscribe(tcpserver.OtherException, c.onError),
	}

	return func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}
}

func (c *Collector) onConnected(*tcpserver.Event) {
	c.connections.Inc()
	c.activeSessions.Inc()
}

func (c *Collector) onDisconnected(*tcpserver.Event) {
	c.disconnections.Inc()
	c.activeSessions.Dec()
}

func (c *Collector) onDataReceived(e *tcpserver.Event) {
	c.bytesReceived.Add(float64(len(e.Data)))
}

func (c *Collector) onCompletedSend(e *tcpserver.Event) {
	c.sendsCompleted.Inc()
	c.bytesSent.Add(float64(len(e.Data)))
}

func (c *Collector) onError(e *tcpserver.Event) {
	c.errors.WithLabelValues(e.Kind.String()).Inc()
}
