package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_total",
		Help: "Total number of balance purchases by currency",
	}, []string{"currency"})

	PurchasesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_failed_total",
		Help: "Total number of rejected balance purchases",
	}, []string{"reason"})

	IntentsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_created_total",
		Help: "Total number of payment intents issued",
	}, []string{"kind"})

	IntentsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_confirmed_total",
		Help: "Total number of payment intents settled by a transfer",
	}, []string{"kind"})

	IntentsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_cancelled_total",
		Help: "Total number of payment intents cancelled",
	}, []string{"reason"})

	AllocationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "allocation_failures_after_payment_total",
		Help: "Paid direct orders that could not be delivered",
	})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	WalletCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_credits_total",
		Help: "Total number of wallet credits",
	}, []string{"currency", "source"})

	ReconcileTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_ticks_total",
		Help: "Reconciliation ticks by result",
	}, []string{"result"})

	ReconcileTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_tick_latency_seconds",
		Help:    "Latency of one reconciliation tick",
		Buckets: prometheus.DefBuckets,
	})

	ReconcileTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_transactions_total",
		Help: "Feed transactions examined by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
