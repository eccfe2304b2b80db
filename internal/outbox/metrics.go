package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var MessagesClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "licensing",
	Subsystem: "outbox",
	Name:      "messages_claimed_total",
	Help:      "Messages moved from queued to sending",
})

var MessageOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Subsystem: "outbox",
	Name:      "message_outcomes_total",
	Help:      "Outcome of each claimed message: sent, requeued or failed",
}, []string{"method", "outcome"})

var MessagesReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "licensing",
	Subsystem: "outbox",
	Name:      "messages_reaped_total",
	Help:      "Messages abandoned in sending and reclaimed by the reaper",
}, []string{"outcome"})

var SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "licensing",
	Subsystem: "outbox",
	Name:      "send_duration_seconds",
	Help:      "Duration of individual sender calls",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "status"})
