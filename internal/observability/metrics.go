// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level metric vectors so host packages can record events without
// holding a Server instance. NewServer registers them all.
var (
	extensionCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_extension_calls_total",
			Help: "Total number of extension calls by extension, operation, and outcome",
		},
		[]string{"extension", "op", "outcome"},
	)

	extensionCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsuzuki_extension_call_seconds",
			Help:    "Latency of extension calls by extension and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"extension", "op"},
	)

	extensionInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsuzuki_extension_calls_in_flight",
			Help: "Number of extension calls currently executing",
		},
		[]string{"extension"},
	)

	extensionDecodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_extension_decode_failures_total",
			Help: "Total number of extension responses dropped as malformed",
		},
		[]string{"extension", "op"},
	)

	capabilityDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_capability_denials_total",
			Help: "Total number of host function calls denied by capability checks",
		},
		[]string{"extension", "capability"},
	)

	extensionStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_extension_state_transitions_total",
			Help: "Total number of extension lifecycle state transitions",
		},
		[]string{"extension", "state"},
	)

	fanoutDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_fanout_dispatches_total",
			Help: "Total number of multi-extension dispatches by operation",
		},
		[]string{"op"},
	)

	fanoutTargets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_fanout_targets_total",
			Help: "Total number of extensions addressed by multi-extension dispatches",
		},
		[]string{"op"},
	)

	fanoutFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_fanout_failures_total",
			Help: "Total number of per-extension failures inside multi-extension dispatches",
		},
		[]string{"op"},
	)

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsuzuki_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func registerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		extensionCalls,
		extensionCallSeconds,
		extensionInFlight,
		extensionDecodeFailures,
		capabilityDenials,
		extensionStateTransitions,
		fanoutDispatches,
		fanoutTargets,
		fanoutFailures,
		apiRequests,
	)
}

// RecordExtensionCall records one completed extension call.
func RecordExtensionCall(extension, op, outcome string, elapsed time.Duration) {
	extensionCalls.WithLabelValues(extension, op, outcome).Inc()
	extensionCallSeconds.WithLabelValues(extension, op).Observe(elapsed.Seconds())
}

// TrackExtensionInFlight marks one extension call as executing and returns
// the function that unmarks it.
func TrackExtensionInFlight(extension string) func() {
	g := extensionInFlight.WithLabelValues(extension)
	g.Inc()
	return g.Dec
}

// RecordExtensionDecodeFailure records a response dropped as malformed.
func RecordExtensionDecodeFailure(extension, op string) {
	extensionDecodeFailures.WithLabelValues(extension, op).Inc()
}

// RecordCapabilityDenial records a host function call refused for a missing
// capability grant.
func RecordCapabilityDenial(extension, capability string) {
	capabilityDenials.WithLabelValues(extension, capability).Inc()
}

// RecordExtensionState records a lifecycle state transition.
func RecordExtensionState(extension, state string) {
	extensionStateTransitions.WithLabelValues(extension, state).Inc()
}

// RecordAggregateFanout records one multi-extension dispatch and how many of
// its targets failed.
func RecordAggregateFanout(op string, targets, failures int) {
	fanoutDispatches.WithLabelValues(op).Inc()
	fanoutTargets.WithLabelValues(op).Add(float64(targets))
	fanoutFailures.WithLabelValues(op).Add(float64(failures))
}

// RecordAPIRequest records one served API request.
func RecordAPIRequest(route string, status int) {
	apiRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
