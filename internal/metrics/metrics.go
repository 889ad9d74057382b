// Package metrics exposes the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ns_streamer"

var (
	PacketsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_processed_total",
		Help:      "Packets accounted into a flow.",
	})
	PacketsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Packets skipped because they could not be classified.",
	})
	BytesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_dropped_total",
		Help:      "Wire bytes of skipped packets.",
	})
	FlowsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_created_total",
		Help:      "Flow records created.",
	})
	FlowsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_emitted_total",
		Help:      "Flow records handed to the output channel, by end reason.",
	}, []string{"reason"})
	FlowsLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_lost_total",
		Help:      "Terminated flow records that could not be delivered.",
	})
	LiveFlows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_flows",
		Help:      "Flow records currently held in the flow table.",
	})
	PipelineFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_failures_total",
		Help:      "Pipeline hook invocations that returned an error or panicked.",
	}, []string{"stage", "hook"})
	ExportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_errors_total",
		Help:      "Failed batch writes, by writer.",
	}, []string{"writer"})
	FlowsExported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_exported_total",
		Help:      "Flow records written by each writer.",
	}, []string{"writer"})
)

func init() {
	prometheus.MustRegister(
		PacketsProcessed,
		PacketsDropped,
		BytesDropped,
		FlowsCreated,
		FlowsEmitted,
		FlowsLost,
		LiveFlows,
		PipelineFailures,
		ExportErrors,
		FlowsExported,
	)
}
