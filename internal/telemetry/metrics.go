package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricVADStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_vad_starts_total",
		Help: "Total VAD speech-start events observed",
	})

	metricVADEnds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_vad_ends_total",
		Help: "Total VAD speech-end events observed",
	})

	metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_barge_ins_total",
		Help: "Total barge-in cancellations triggered",
	})

	metricBargeInLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_barge_in_latency_ms",
		Help:    "Time from SpeechStart during Speaking to CancelTurn issued",
		Buckets: prometheus.ExponentialBuckets(5, 1.6, 10),
	})

	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_turn_state_transitions_total",
		Help: "Turn Controller state transitions",
	}, []string{"from", "to"})

	metricSTTFinalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_stt_finals_total",
		Help: "Total STT final segments received",
	})

	metricSTTDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_stt_duplicate_finals_total",
		Help: "STT finals dropped as duplicates",
	})

	metricSTTStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_stt_stale_finals_total",
		Help: "STT finals dropped as stale (already committed/cancelled)",
	})

	metricSTTReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_stt_reconnects_total",
		Help: "STT transport reconnect attempts",
	})

	metricEgressStalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_egress_stalled_total",
		Help: "TTS egress stalls that abandoned a chunk",
	})

	metricDroppedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_ingress_dropped_frames_total",
		Help: "Ingress frames dropped on per-participant queue overflow",
	})

	metricE2ELatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_turn_e2e_latency_ms",
		Help:    "End-to-end turn latency from commit to last audio frame",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 14),
	})
)

// RecordVADStart increments the VAD speech-start counter.
func RecordVADStart() { metricVADStarts.Inc() }

// RecordVADEnd increments the VAD speech-end counter.
func RecordVADEnd() { metricVADEnds.Inc() }

// RecordBargeIn records a triggered barge-in and its latency in milliseconds.
func RecordBargeIn(latencyMs int64) {
	metricBargeIns.Inc()
	metricBargeInLatencyMs.Observe(float64(latencyMs))
}

// RecordStateTransition increments the labeled state-transition counter.
func RecordStateTransition(from, to string) {
	metricStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSTTFinal increments the STT final-segment counter.
func RecordSTTFinal() { metricSTTFinalsTotal.Inc() }

// RecordSTTDuplicate increments the STT duplicate-final counter.
func RecordSTTDuplicate() { metricSTTDuplicatesTotal.Inc() }

// RecordSTTStale increments the STT stale-final counter.
func RecordSTTStale() { metricSTTStaleTotal.Inc() }

// RecordSTTReconnect increments the STT reconnect counter.
func RecordSTTReconnect() { metricSTTReconnectsTotal.Inc() }

// RecordEgressStall increments the egress-stall counter.
func RecordEgressStall() { metricEgressStalledTotal.Inc() }

// RecordDroppedFrame increments the ingress-drop counter.
func RecordDroppedFrame() { metricDroppedFramesTotal.Inc() }

// RecordE2ELatency observes an end-to-end turn latency in milliseconds.
func RecordE2ELatency(ms int64) { metricE2ELatencyMs.Observe(float64(ms)) }
