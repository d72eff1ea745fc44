package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claimrails/internal/domain"
)

// Metrics is built before the components so their observer hooks can feed
// it, then handed to the server to expose.
type Metrics struct {
	registry           *prometheus.Registry
	transitionsTotal   *prometheus.CounterVec
	otpVerifications   *prometheus.CounterVec
	payoutsTotal       *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	hmacRejections     prometheus.Counter
	sweepExpired       prometheus.Counter
	dlqDepth           prometheus.Gauge
}

func NewMetrics() *Metrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimrails_transfer_transitions_total",
		Help: "Transfer lifecycle transitions",
	}, []string{"from", "to"})

	otp := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimrails_otp_verifications_total",
		Help: "OTP verification attempts by result",
	}, []string{"result"})

	payouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimrails_payouts_total",
		Help: "Payout dispatches by method and outcome",
	}, []string{"method", "outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimrails_retry_attempts_total",
		Help: "Retry attempts for escrow, provider and notifier calls",
	}, []string{"result"})

	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claimrails_hmac_rejections_total",
		Help: "Sender requests rejected for a bad or missing signature",
	})

	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claimrails_sweep_expired_total",
		Help: "Transfers expired by the sweep",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claimrails_dlq_depth",
		Help: "Number of escalated payouts awaiting manual resolution",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, otp, payouts, retries, rejections, expired, dlq)

	return &Metrics{
		registry:           r,
		transitionsTotal:   transitions,
		otpVerifications:   otp,
		payoutsTotal:       payouts,
		retryAttemptsTotal: retries,
		hmacRejections:     rejections,
		sweepExpired:       expired,
		dlqDepth:           dlq,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(from, to domain.TransferStatus) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) OTPVerification(result string) {
	m.otpVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Payout(method domain.PayoutMethod, outcome string) {
	m.payoutsTotal.WithLabelValues(string(method), outcome).Inc()
}

func (m *Metrics) Retry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Expired(n int) {
	m.sweepExpired.Add(float64(n))
}

func (m *Metrics) incHMACRejection(error) {
	m.hmacRejections.Inc()
}

func (m *Metrics) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
