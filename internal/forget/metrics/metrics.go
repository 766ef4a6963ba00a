package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the forget pipeline. A nil
// *Metrics is valid and records nothing, so unit tests can skip registration.
type Metrics struct {
	RequestsInitiated prometheus.Counter
	RequestsConfirmed prometheus.Counter
	RequestsForced    prometheus.Counter
	RequestsFinished  prometheus.Counter
	RequestsFailed    prometheus.Counter
	ShardJobs         *prometheus.CounterVec
	RuleFailures      *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oblivion_requests_initiated_total",
			Help: "Total forget requests created via the web path",
		}),
		RequestsConfirmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oblivion_requests_confirmed_total",
			Help: "Total forget requests confirmed by their owner",
		}),
		RequestsForced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oblivion_requests_forced_total",
			Help: "Total forget requests forced by staff, bypassing confirmation",
		}),
		RequestsFinished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oblivion_requests_finished_total",
			Help: "Total forget requests that reached FINISHED",
		}),
		RequestsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oblivion_requests_failed_total",
			Help: "Total forget requests that reached FAILED",
		}),
		ShardJobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oblivion_shard_jobs_total",
			Help: "Shard anonymisation jobs by outcome",
		}, []string{"outcome"}),
		RuleFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oblivion_rule_failures_total",
			Help: "Individual rule applications that failed, by table",
		}, []string{"table"}),
	}
}

func (m *Metrics) IncInitiated() {
	if m != nil {
		m.RequestsInitiated.Inc()
	}
}

func (m *Metrics) IncConfirmed() {
	if m != nil {
		m.RequestsConfirmed.Inc()
	}
}

func (m *Metrics) IncForced() {
	if m != nil {
		m.RequestsForced.Inc()
	}
}

func (m *Metrics) IncFinished() {
	if m != nil {
		m.RequestsFinished.Inc()
	}
}

func (m *Metrics) IncFailed() {
	if m != nil {
		m.RequestsFailed.Inc()
	}
}

func (m *Metrics) IncShardJob(outcome string) {
	if m != nil {
		m.ShardJobs.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncRuleFailure(table string) {
	if m != nil {
		m.RuleFailures.WithLabelValues(table).Inc()
	}
}
