package server

import (
	"context"
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	loginAttemptsTotal      *prometheus.CounterVec
	transfersTotal          *prometheus.CounterVec
	transferredCreditsTotal prometheus.Counter
	rechargesTotal          prometheus.Counter
	rechargedCreditsTotal   prometheus.Counter
	settlementsTotal        *prometheus.CounterVec
	gatewayCallsTotal       *prometheus.CounterVec
	paymentsPending         prometheus.Gauge
	paymentsPaid            prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		loginAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "identity",
				Name:      "login_attempts_total",
				Help:      "Total login attempts by result.",
			},
			[]string{"result"},
		),
		transfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "transfers_total",
				Help:      "Total credit transfers by result.",
			},
			[]string{"result"},
		),
		transferredCreditsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "transferred_credits_total",
				Help:      "Total credits moved by successful transfers.",
			},
		),
		rechargesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "recharges_total",
				Help:      "Total successful recharges.",
			},
		),
		rechargedCreditsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "ledger",
				Name:      "recharged_credits_total",
				Help:      "Total credits added by successful recharges.",
			},
		),
		settlementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "settlement",
				Name:      "settlements_total",
				Help:      "Total settlement attempts by outcome.",
			},
			[]string{"outcome"},
		),
		gatewayCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "creditd",
				Subsystem: "gateway",
				Name:      "calls_total",
				Help:      "Total payment provider calls by operation and result.",
			},
			[]string{"op", "result"},
		),
		paymentsPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "creditd",
				Subsystem: "settlement",
				Name:      "payments_pending",
				Help:      "Current count of payments awaiting confirmation.",
			},
		),
		paymentsPaid: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "creditd",
				Subsystem: "settlement",
				Name:      "payments_paid",
				Help:      "Current count of settled payments.",
			},
		),
	}
}

func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.loginAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTransfer(tx *CreditTransaction, err error) {
	if m == nil {
		return
	}
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			m.transfersTotal.WithLabelValues("insufficient_funds").Inc()
			return
		}
		m.transfersTotal.WithLabelValues("error").Inc()
		return
	}
	m.transfersTotal.WithLabelValues("success").Inc()
	if tx != nil {
		m.transferredCreditsTotal.Add(float64(tx.Amount))
	}
}

func (m *Metrics) ObserveRecharge(tx *CreditTransaction, err error) {
	if m == nil || err != nil {
		return
	}
	m.rechargesTotal.Inc()
	if tx != nil {
		m.rechargedCreditsTotal.Add(float64(tx.Amount))
	}
}

func (m *Metrics) ObserveSettlement(outcome SettleOutcome, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.settlementsTotal.WithLabelValues("error").Inc()
		return
	}
	m.settlementsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ObserveGatewayCall(op string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.gatewayCallsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RefreshPaymentCounts(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	const q = `
SELECT
  COUNT(*) FILTER (WHERE status IN ('PENDING', 'PENDING_RESELLER')) AS pending,
  COUNT(*) FILTER (WHERE status = 'PAID') AS paid
FROM pix_payments
`
	var pending int64
	var paid int64
	if err := db.QueryRowContext(ctx, q).Scan(&pending, &paid); err != nil {
		return
	}
	m.paymentsPending.Set(float64(pending))
	m.paymentsPaid.Set(float64(paid))
}
