package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeAdmitted      = "admitted"
	OutcomeInvalidToken  = "invalid_token"
	OutcomeDuplicateNode = "duplicate_node"
	OutcomeLimitExceeded = "limit_exceeded"
	OutcomeRateLimited   = "rate_limited"
	OutcomeError         = "error"
	OutcomeSent          = "sent"
	OutcomeDropped       = "dropped"
	OutcomeMalformed     = "malformed"
	OutcomePublished     = "published"
)

var (
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_broker_admissions_total",
			Help: "Tunnel connection attempts by admission outcome.",
		},
		[]string{"outcome"},
	)

	RelayedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_broker_relayed_requests_total",
			Help: "Requests taken from the request queue by outcome.",
		},
		[]string{"outcome"},
	)

	Responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_broker_responses_total",
			Help: "Tunnel responses handled by outcome.",
		},
		[]string{"outcome"},
	)

	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_broker_kill_agents_evictions_total",
			Help: "Sessions closed by KILL_AGENTS operations.",
		},
	)

	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_broker_live_sessions",
			Help: "Tunnel sessions currently held by this broker.",
		},
	)

	QueueErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_broker_queue_errors_total",
			Help: "Queue connection errors seen by the relay consumers.",
		},
	)
)

func init() {
	prometheus.MustRegister(Admissions, RelayedRequests, Responses, Evictions, LiveSessions, QueueErrors)
}
