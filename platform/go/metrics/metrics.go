package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Provisioning metrics cover the agent-creation workflow: one observation per
// submit, one counter increment per QR poll attempt.
var (
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapagent",
		Subsystem: "provisioning",
		Name:      "attempts_total",
		Help:      "Agent provisioning attempts by terminal outcome.",
	}, []string{"outcome"})

	QRPollAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zapagent",
		Subsystem: "provisioning",
		Name:      "qr_poll_attempts_total",
		Help:      "Individual QR status poll attempts against the messaging provider.",
	})

	ProvisioningDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapagent",
		Subsystem: "provisioning",
		Name:      "duration_seconds",
		Help:      "Wall time of a full provisioning attempt including QR polling.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	WebhookMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapagent",
		Subsystem: "webhook",
		Name:      "messages_total",
		Help:      "Inbound webhook messages by result.",
	}, []string{"result"})
)

// Outcome labels for ProvisioningTotal.
const (
	OutcomeSuccess   = "success"
	OutcomeQRPending = "qr_pending"
	OutcomeError     = "error"
	OutcomeDuplicate = "duplicate"
)
