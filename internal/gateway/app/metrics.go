package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	otpIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "otp_issued_total",
		Help:      "OTP challenges issued.",
	})

	otpVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "otp_verifications_total",
		Help:      "OTP verification attempts by result.",
	}, []string{"result"})

	messagesDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "messages_dispatched_total",
		Help:      "Outbound messages by service type and final status.",
	}, []string{"service_type", "status"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "dispatch_duration_seconds",
		Help:      "End-to-end dispatch latency including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service_type"})

	deliveryReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "delivery_reports_total",
		Help:      "Delivery report callbacks by resulting status.",
	}, []string{"status"})
)
