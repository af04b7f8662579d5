package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the settlement engine.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC metrics
	ledgerCallsTotal   *prometheus.CounterVec
	ledgerCallDuration *prometheus.HistogramVec
	ledgerRetries      *prometheus.CounterVec

	// Reconciliation metrics
	ordersProcessedTotal   *prometheus.CounterVec
	creditsIssuedTotal     *prometheus.CounterVec
	milestonesHandledTotal *prometheus.CounterVec

	// Submission metrics
	submissionsTotal        *prometheus.CounterVec
	submissionRetryExceeded prometheus.Counter
	lockConflictsTotal      prometheus.Counter

	// Trade engine metrics
	tradeFillsTotal     *prometheus.CounterVec
	tradeOrdersExpired  prometheus.Counter
	tradeOrdersCanceled prometheus.Counter

	// Database metrics
	dbQueryDuration *prometheus.HistogramVec

	// Event publishing metrics
	eventsPublishedTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ledgerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger node RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		ledgerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger node RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		ledgerRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_retries_total",
				Help: "Total number of ledger RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		ordersProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_processed_total",
				Help: "Total number of orders processed by type and outcome",
			},
			[]string{"order_type", "outcome"},
		),
		creditsIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_issued_total",
				Help: "Total number of credit refunds issued by reason",
			},
			[]string{"reason"},
		),
		milestonesHandledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "milestones_handled_total",
				Help: "Total number of ingested ledger transactions handled",
			},
			[]string{"status"},
		),

		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submissions_total",
				Help: "Total number of outbound block submissions by status",
			},
			[]string{"status"},
		),
		submissionRetryExceeded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "submission_retry_exceeded_total",
				Help: "Total number of transactions that exhausted their retry budget",
			},
		),
		lockConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "address_lock_conflicts_total",
				Help: "Total number of executions blocked on a foreign address lock",
			},
		),

		tradeFillsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_fills_total",
				Help: "Total number of trade order fills by token",
			},
			[]string{"token"},
		),
		tradeOrdersExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trade_orders_expired_total",
				Help: "Total number of trade orders moved to expired",
			},
		),
		tradeOrdersCanceled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trade_orders_canceled_total",
				Help: "Total number of trade orders canceled",
			},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),

		eventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of settlement events published by subject and status",
			},
			[]string{"subject", "status"},
		),
	}
}

// RecordLedgerCall records a ledger RPC call with its duration.
func (m *Metrics) RecordLedgerCall(method, status, endpoint string, durationSeconds float64) {
	m.ledgerCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.ledgerCallDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordLedgerRetry records a ledger RPC retry attempt.
func (m *Metrics) RecordLedgerRetry(method, reason string) {
	m.ledgerRetries.WithLabelValues(method, reason).Inc()
}

// RecordOrderProcessed records a processed order by type and outcome
// ("reconciled", "voided", "refunded", "ignored").
func (m *Metrics) RecordOrderProcessed(orderType, outcome string) {
	m.ordersProcessedTotal.WithLabelValues(orderType, outcome).Inc()
}

// RecordCreditIssued records a credit refund by reason.
func (m *Metrics) RecordCreditIssued(reason string) {
	m.creditsIssuedTotal.WithLabelValues(reason).Inc()
}

// RecordMilestoneHandled records an ingested ledger transaction handled
// with status "processed" or "skipped".
func (m *Metrics) RecordMilestoneHandled(status string) {
	m.milestonesHandledTotal.WithLabelValues(status).Inc()
}

// RecordSubmission records an outbound submission with status "success" or
// "failure".
func (m *Metrics) RecordSubmission(status string) {
	m.submissionsTotal.WithLabelValues(status).Inc()
}

// RecordRetryExceeded records a transaction exhausting its retry budget.
func (m *Metrics) RecordRetryExceeded() {
	m.submissionRetryExceeded.Inc()
}

// RecordLockConflict records an execution blocked on a foreign lock.
func (m *Metrics) RecordLockConflict() {
	m.lockConflictsTotal.Inc()
}

// RecordTradeFill records a matched trade fill for a token.
func (m *Metrics) RecordTradeFill(token string) {
	m.tradeFillsTotal.WithLabelValues(token).Inc()
}

// RecordTradeOrdersExpired records expired trade orders.
func (m *Metrics) RecordTradeOrdersExpired(count int) {
	m.tradeOrdersExpired.Add(float64(count))
}

// RecordTradeOrderCanceled records a canceled trade order.
func (m *Metrics) RecordTradeOrderCanceled() {
	m.tradeOrdersCanceled.Inc()
}

// RecordDBQuery records the duration of a database operation.
func (m *Metrics) RecordDBQuery(operation string, durationSeconds float64) {
	m.dbQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordEventPublished records a published settlement event.
func (m *Metrics) RecordEventPublished(subject, status string) {
	m.eventsPublishedTotal.WithLabelValues(subject, status).Inc()
}
