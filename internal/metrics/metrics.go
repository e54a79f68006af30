package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sbc_outbound"

// Calls counts call lifecycle events. It implements callsession.Metrics.
type Calls struct {
	attempts   *prometheus.CounterVec
	answered   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	crankbacks prometheus.Counter
	active     prometheus.Gauge
}

// NewCalls creates the call counters and registers them with reg.
func NewCalls(reg prometheus.Registerer) *Calls {
	c := &Calls{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_attempts_total",
			Help:      "Outbound calls routed, by routing target",
		}, []string{"target"}),
		answered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_answered_total",
			Help:      "Outbound calls answered, by carrier",
		}, []string{"carrier"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_failures_total",
			Help:      "Outbound calls that never connected, by reason",
		}, []string{"reason"}),
		crankbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crankbacks_total",
			Help:      "Candidates abandoned in favour of the next one",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of bridged calls",
		}),
	}
	reg.MustRegister(c.attempts, c.answered, c.failures, c.crankbacks, c.active)
	return c
}

func (c *Calls) CallAttempt(target string) {
	c.attempts.WithLabelValues(target).Inc()
}

func (c *Calls) CallAnswered(carrier string) {
	if carrier == "" {
		carrier = "none"
	}
	c.answered.WithLabelValues(carrier).Inc()
}

func (c *Calls) CallFailed(reason string) {
	c.failures.WithLabelValues(reason).Inc()
}

func (c *Calls) Crankback() {
	c.crankbacks.Inc()
}

func (c *Calls) ActiveCalls(n int) {
	c.active.Set(float64(n))
}

// RelayPoolProvider exposes the number of media relays in the pool.
type RelayPoolProvider interface {
	Size() int
}

// DialogCounter exposes the number of established SIP dialogs.
type DialogCounter interface {
	Count() int
}

// Collector is a prometheus.Collector that gathers gauges at scrape time.
type Collector struct {
	relays    RelayPoolProvider
	dialogs   DialogCounter
	startTime time.Time

	relayPoolDesc *prometheus.Desc
	dialogsDesc   *prometheus.Desc
	uptimeDesc    *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(relays RelayPoolProvider, dialogs DialogCounter, startTime time.Time) *Collector {
	return &Collector{
		relays:    relays,
		dialogs:   dialogs,
		startTime: startTime,

		relayPoolDesc: prometheus.NewDesc(
			namespace+"_relay_pool_size",
			"Number of media relays available for new calls",
			nil, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			namespace+"_sip_dialogs",
			"Number of established SIP dialogs (two per bridged call)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.relayPoolDesc
	ch <- c.dialogsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.relays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relayPoolDesc, prometheus.GaugeValue,
			float64(c.relays.Size()),
		)
	}

	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.dialogsDesc, prometheus.GaugeValue,
			float64(c.dialogs.Count()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
