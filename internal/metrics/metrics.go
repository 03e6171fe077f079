// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolAllocationsTotal counts pool allocations by result (reused, grown, exhausted, inconsistent)
	PoolAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapkit_pool_allocations_total",
			Help: "Total number of pooled buffer allocations",
		},
		[]string{"pool", "result"},
	)

	// PoolBuffersInUse tracks borrowed pooled buffers
	PoolBuffersInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcapkit_pool_buffers_in_use",
			Help: "Number of pooled buffers currently borrowed",
		},
		[]string{"pool"},
	)

	// PoolLeaksTotal counts pooled buffers reclaimed by the garbage collector while still live
	PoolLeaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapkit_pool_leaks_total",
			Help: "Total number of leaked pooled buffers",
		},
		[]string{"pool"},
	)

	// DecodeLayersTotal counts decoded layers by layer type
	DecodeLayersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapkit_decode_layers_total",
			Help: "Total number of decoded protocol layers",
		},
		[]string{"layer"},
	)

	// DecodeErrorsTotal counts decode failures by reason
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapkit_decode_errors_total",
			Help: "Total number of decode errors",
		},
		[]string{"reason"},
	)

	// PipelineHandlerErrorsTotal counts handler failures that aborted a dispatch
	PipelineHandlerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcapkit_pipeline_handler_errors_total",
			Help: "Total number of pipeline handler errors",
		},
	)

	// FramesTotal counts frames handed to the engine
	FramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcapkit_frames_total",
			Help: "Total number of frames received from the capture source",
		},
	)

	// StreamsActive tracks open TCP streams in the follower
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcapkit_streams_active",
			Help: "Number of TCP streams currently buffered",
		},
	)

	// StreamsFlushedTotal counts reassembled streams by trigger (fin, rst, syn, idle, overflow)
	StreamsFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapkit_streams_flushed_total",
			Help: "Total number of TCP streams reassembled",
		},
		[]string{"reason"},
	)

	// ReassemblyActiveFragments tracks IPv4 datagrams awaiting reassembly
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcapkit_reassembly_active_fragments",
			Help: "Number of IPv4 datagrams in the reassembly queue",
		},
	)

	// ReassemblyRejectedTotal counts fragments dropped by limits
	ReassemblyRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcapkit_reassembly_rejected_total",
			Help: "Total number of IPv4 fragments rejected",
		},
		[]string{"reason"},
	)
)
