package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolSpareCapacity tracks unclaimed slots across healthy shared pools.
	PoolSpareCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_spare_capacity",
		Help: "Unclaimed instance slots across healthy shared pool servers",
	})

	// AllocationsTotal counts allocation attempts by outcome.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_allocations_total",
		Help: "Database slot allocation attempts by outcome",
	}, []string{"outcome"})

	// ProvisioningRunsTotal counts finished provisioning pipelines by outcome.
	ProvisioningRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioning_runs_total",
		Help: "Finished instance provisioning pipelines by outcome",
	}, []string{"outcome"})

	// WebhookEventsTotal counts billing webhook deliveries by type and result.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Billing webhook deliveries by event type and result",
	}, []string{"event_type", "result"})
)
