// Package telemetry exposes the operational counters and gauges spec §7
// calls for (Capacity/Resource error kinds, dropped frames, retransmits)
// without requiring a Prometheus server to be running: metrics are always
// registered, scraping is opt-in.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter/gauge the streaming subsystem updates.
// A single instance is shared across all sessions. No per-session or
// per-chunk-key labels are created; BlockActionsTotal is labelled by kind
// and outcome only.
type Metrics struct {
	ChunksEvicted       prometheus.Counter
	ChunkAcksReceived   prometheus.Counter
	ChunkRetransmits    prometheus.Counter
	ChunksDroppedMaxRetries prometheus.Counter
	EvictionRefused     prometheus.Counter
	OutstandingWindow   prometheus.Gauge
	BatchTargetBytes    prometheus.Gauge
	GenerationJobsTotal prometheus.Counter
	SerializeJobsTotal  prometheus.Counter
	BlockActionsTotal   *prometheus.CounterVec
}

// New constructs and registers all metrics against reg. Passing
// prometheus.NewRegistry() in tests keeps test runs isolated from the
// global default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelstream_chunks_evicted_total",
			Help: "Chunks removed from the ChunkStore by LRU eviction.",
		}),
		ChunkAcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelstream_chunk_acks_total",
			Help: "chunk_ack messages processed across all sessions.",
		}),
		ChunkRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelstream_chunk_retransmits_total",
			Help: "Outstanding chunk frames resent after ACK timeout.",
		}),
		ChunksDroppedMaxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelstream_chunks_dropped_max_retries_total",
			Help: "Outstanding entries dropped after exceeding max_retries.",
		}),
		EvictionRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelstream_eviction_refused_total",
			Help: "Eviction attempts skipped because the chunk was pinned.",
		}),
		OutstandingWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelstream_outstanding_window_size",
			Help: "Outstanding entries of the session that most recently sent a chunk frame (not a sum across sessions).",
		}),
		BatchTargetBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelstream_batch_target_bytes",
			Help: "Most recently observed adaptive batch_target_bytes value.",
		}),
		GenerationJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelstream_generation_jobs_total",
			Help: "Chunk generation jobs completed by the generation pool.",
		}),
		SerializeJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelstream_serialize_jobs_total",
			Help: "Chunk serialize jobs completed by the serialize pool.",
		}),
		BlockActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelstream_block_actions_total",
			Help: "place_block/break_block requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.ChunksEvicted, m.ChunkAcksReceived, m.ChunkRetransmits,
		m.ChunksDroppedMaxRetries, m.EvictionRefused, m.OutstandingWindow,
		m.BatchTargetBytes, m.GenerationJobsTotal, m.SerializeJobsTotal,
		m.BlockActionsTotal,
	)
	return m
}

// NewUnregistered builds a Metrics against a fresh private registry, for
// tests and components that don't care about exposing /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
