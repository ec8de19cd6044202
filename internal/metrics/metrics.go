package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connections_active", Help: "Live transport connections by role"},
		[]string{"role"},
	)

	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Applied ride state transitions"},
		[]string{"status"},
	)
	AssignmentConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignment_conflicts_total", Help: "Driver assignments lost to a concurrent winner"},
	)

	LocationSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_samples_total", Help: "Ingested location samples by outcome (accepted|stale|invalid)"},
		[]string{"outcome"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_total", Help: "Notifications by channel (durable|realtime|push)"},
		[]string{"channel"},
	)
	DeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "delivery_failures_total", Help: "Realtime sends that failed and evicted the connection"},
	)
)
