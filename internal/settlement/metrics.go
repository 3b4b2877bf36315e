package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_operations_total",
		Help: "Settlement operations by outcome",
	}, []string{"operation", "outcome"})

	gatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_gateway_call_duration_seconds",
		Help:    "Payment gateway call latency including retries",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"call", "outcome"})

	amountMovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_amount_minor_units_total",
		Help: "Money moved through the gateway in minor currency units",
	}, []string{"kind"})

	partialSettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_partial_total",
		Help: "Settlement sequences that stopped after moving money",
	}, []string{"operation", "completed_step"})

	driverCounterFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_driver_counter_failures_total",
		Help: "Settled members whose driver earnings counters could not be updated",
	})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_published_total",
		Help: "Settlement events published",
	}, []string{"subject"})

	eventsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_failed_total",
		Help: "Settlement events that could not be published",
	}, []string{"subject"})
)

func recordOperation(operation string, err error) {
	operationsTotal.WithLabelValues(operation, outcomeOf(err)).Inc()
}

func observeGatewayCall(call string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	gatewayCallDuration.WithLabelValues(call, outcome).Observe(time.Since(start).Seconds())
}

func recordAmount(kind string, amount int64) {
	if amount > 0 {
		amountMovedTotal.WithLabelValues(kind).Add(float64(amount))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	switch err.(type) {
	case *ValidationError:
		return "invalid"
	case *NotFoundError:
		return "not_found"
	case *StateConflictError:
		return "conflict"
	case *NoShowTooEarlyError:
		return "too_early"
	case *AuthorizationError:
		return "not_authorized"
	case *GatewayError:
		return "gateway_error"
	case *PartialSettlementError:
		return "partial"
	default:
		return "error"
	}
}
