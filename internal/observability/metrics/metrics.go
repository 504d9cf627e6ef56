// Package metrics exposes prometheus instrumentation for the billing ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	UsageRecorded     *prometheus.CounterVec
	OverageUnits      *prometheus.CounterVec
	CreditsConsumed   *prometheus.CounterVec
	CreditsPurchased  *prometheus.CounterVec
	InvoicesGenerated prometheus.Counter
	Transitions       *prometheus.CounterVec
	GatewayRetries    prometheus.Counter
	OutboxDropped     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UsageRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "usage_units_recorded_total",
			Help:      "Metered units recorded, by feature.",
		}, []string{"feature"}),
		OverageUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "usage_overage_units_total",
			Help:      "Units billed at the overage rate, by feature.",
		}, []string{"feature"}),
		CreditsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "credits_consumed_total",
			Help:      "Prepaid credits consumed, by credit type.",
		}, []string{"credit_type"}),
		CreditsPurchased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "credits_purchased_total",
			Help:      "Prepaid credits purchased, by credit type.",
		}, []string{"credit_type"}),
		InvoicesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "invoices_generated_total",
			Help:      "Invoices created by the compiler.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions, by target status.",
		}, []string{"target"}),
		GatewayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "gateway_retries_total",
			Help:      "Retried payment gateway calls.",
		}),
		OutboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "outbox_events_dropped_total",
			Help:      "Domain events dropped by the outbox under backpressure.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.UsageRecorded,
			m.OverageUnits,
			m.CreditsConsumed,
			m.CreditsPurchased,
			m.InvoicesGenerated,
			m.Transitions,
			m.GatewayRetries,
			m.OutboxDropped,
		)
	}

	return m
}

var Module = fx.Module("metrics",
	fx.Provide(func() prometheus.Registerer { return prometheus.DefaultRegisterer }),
	fx.Provide(New),
)
