// Package metrics exposes Prometheus counters for the edge worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	// WebhookAuthFailures counts rejected webhook deliveries per transport.
	WebhookAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "webhook_auth_failures_total",
		Help:      "Webhook deliveries rejected for bad signature or token.",
	}, []string{"transport"})

	// EventsDeduplicated counts inbound events dropped by the dedup window.
	EventsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "events_deduplicated_total",
		Help:      "Inbound events dropped as duplicates of a recent envelope.",
	}, []string{"transport"})

	// RouteErrors counts events that could not be routed to a repository.
	RouteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "route_errors_total",
		Help:      "Inbound events dropped because no unambiguous route existed.",
	})

	// SessionsStarted counts sessions created, labeled by runner kind.
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "sessions_started_total",
		Help:      "Agent sessions created.",
	}, []string{"runner"})

	// SessionsFailed counts sessions ending in the failed state.
	SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "sessions_failed_total",
		Help:      "Agent sessions that ended in a failed state.",
	})

	// ActivitiesPosted counts activities delivered to a sink.
	ActivitiesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "activities_posted_total",
		Help:      "Activities delivered to a surface.",
	}, []string{"sink"})

	// ActivitiesDropped counts activities dropped after the retry budget.
	ActivitiesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "activities_dropped_total",
		Help:      "Activities dropped after exhausting the sink retry budget.",
	}, []string{"sink"})

	// DispatchQueued counts intents held back by the per-repository cap.
	DispatchQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "dispatch_queued_total",
		Help:      "Session intents queued behind the per-repository cap.",
	}, []string{"repository"})

	// SessionSpawnFailures counts launches that exhausted the retry budget.
	SessionSpawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cyrus",
		Name:      "session_spawn_failures_total",
		Help:      "Session launches that exhausted the spawn retry budget.",
	}, []string{"repository"})
)

// Handler returns a gin handler serving the Prometheus metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
