// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package metrics provides the prometheus collectors of the device agent.
//
// The record functions are no-ops until Init has been called.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "pam8053_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	hubConnectAttempts *prometheus.CounterVec
	hubConnected       prometheus.Gauge
	networkConnected   prometheus.Gauge
	telemetrySent      *prometheus.CounterVec
	twinUpdates        *prometheus.CounterVec
	directMethods      *prometheus.CounterVec
	rebootRequests     *prometheus.CounterVec
	provisioningSteps  *prometheus.CounterVec
)

// Init creates and registers the collectors with the given registerer. A nil registerer
// means the prometheus default registerer.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		hubConnectAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "hub_connect_attempts_total",
				Help: "Hub connection attempts by result",
			},
			[]string{"result"},
		)
		hubConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "hub_connected",
				Help: "1 while the hub connection is established",
			},
		)
		networkConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "network_connected",
				Help: "1 while L4 connectivity is available",
			},
		)
		telemetrySent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_messages_total",
				Help: "Telemetry messages by result",
			},
			[]string{"result"},
		)
		twinUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "twin_updates_total",
				Help: "Device twin documents by direction",
			},
			[]string{"direction"},
		)
		directMethods = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "direct_methods_total",
				Help: "Direct method invocations by method name",
			},
			[]string{"method"},
		)
		rebootRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reboot_requests_total",
				Help: "Reboot requests by kind",
			},
			[]string{"kind"},
		)
		provisioningSteps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "provisioning_steps_total",
				Help: "Provisioning steps by field and outcome",
			},
			[]string{"field", "outcome"},
		)
		reg.MustRegister(
			hubConnectAttempts,
			hubConnected,
			networkConnected,
			telemetrySent,
			twinUpdates,
			directMethods,
			rebootRequests,
			provisioningSteps,
		)
	})
}

// RecordHubConnectAttempt counts a hub connection attempt.
func RecordHubConnectAttempt(result string) {
	if hubConnectAttempts == nil {
		return
	}
	hubConnectAttempts.WithLabelValues(result).Inc()
}

// SetHubConnected sets the hub connection gauge.
func SetHubConnected(connected bool) {
	if hubConnected == nil {
		return
	}
	hubConnected.Set(boolToFloat(connected))
}

// SetNetworkConnected sets the L4 connectivity gauge.
func SetNetworkConnected(connected bool) {
	if networkConnected == nil {
		return
	}
	networkConnected.Set(boolToFloat(connected))
}

// RecordTelemetry counts a telemetry message.
func RecordTelemetry(result string) {
	if telemetrySent == nil {
		return
	}
	telemetrySent.WithLabelValues(result).Inc()
}

// RecordTwinUpdate counts a desired ("desired") or reported ("reported") twin document.
func RecordTwinUpdate(direction string) {
	if twinUpdates == nil {
		return
	}
	twinUpdates.WithLabelValues(direction).Inc()
}

// RecordDirectMethod counts a direct method invocation.
func RecordDirectMethod(method string) {
	if directMethods == nil {
		return
	}
	directMethods.WithLabelValues(method).Inc()
}

// RecordReboot counts a reboot request.
func RecordReboot(kind string) {
	if rebootRequests == nil {
		return
	}
	rebootRequests.WithLabelValues(kind).Inc()
}

// RecordProvisioningStep counts the outcome of one provisioning step.
func RecordProvisioningStep(field, outcome string) {
	if provisioningSteps == nil {
		return
	}
	provisioningSteps.WithLabelValues(field, outcome).Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
