package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the voice core. Instruments
// are registered against the provided Registerer so tests can use a private
// registry instead of the global default.
type Metrics struct {
	// Media transport
	PacketsReceived  prometheus.Counter
	PacketsDropped   *prometheus.CounterVec // labeled by reason
	SequenceGaps     prometheus.Counter
	DecryptFailures  prometheus.Counter
	DecodeFailures   prometheus.Counter
	DecoderResets    prometheus.Counter
	FramesProduced   prometheus.Counter

	// Segmentation
	UtterancesEmitted   prometheus.Counter
	UtterancesDiscarded prometheus.Counter
	UtteranceDuration   prometheus.Histogram

	// Worker pool
	QueueDepth            prometheus.Gauge
	TasksEnqueued         prometheus.Counter
	TasksDropped          prometheus.Counter
	TranscriptionSuccess  prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionLatency  prometheus.Histogram

	// Session
	ActiveSpeakers prometheus.Gauge
}

// New creates and registers all instruments on reg. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_packets_received_total",
			Help: "Total media datagrams received from the relay",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_packets_dropped_total",
			Help: "Media datagrams dropped before decode",
		}, []string{"reason"}),
		SequenceGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_sequence_gaps_total",
			Help: "Detected sequence-number gaps (packet loss)",
		}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_decrypt_failures_total",
			Help: "Packets that failed authenticated decryption",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_decode_failures_total",
			Help: "Packets that failed audio decoding",
		}),
		DecoderResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_decoder_resets_total",
			Help: "Per-speaker decoder rebuilds after consecutive failures",
		}),
		FramesProduced: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_produced_total",
			Help: "PCM frames handed to the segmentation pipeline",
		}),
		UtterancesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_emitted_total",
			Help: "Finalized utterances handed to the worker pool",
		}),
		UtterancesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_discarded_total",
			Help: "Speech segments discarded as below the minimum duration",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_duration_seconds",
			Help:    "Duration of finalized utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s to ~32s
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_pool_queue_depth",
			Help: "Tasks waiting in the transcription queue",
		}),
		TasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pool_tasks_enqueued_total",
			Help: "Tasks accepted by the transcription pool",
		}),
		TasksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_pool_tasks_dropped_total",
			Help: "Tasks dropped because their speaker was no longer tracked",
		}),
		TranscriptionSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_successes_total",
			Help: "Transcription calls that returned a result",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_failures_total",
			Help: "Transcription calls that failed or timed out",
		}),
		TranscriptionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_transcription_duration_seconds",
			Help:    "Wall time of transcription calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		ActiveSpeakers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_speakers",
			Help: "Speakers currently routed to the pipeline",
		}),
	}
}

// Drop reasons used with PacketsDropped.
const (
	DropShort         = "short"
	DropVersion       = "version"
	DropUnknownSource = "unknown_source"
)
