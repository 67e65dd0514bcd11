package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corellm_inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corellm_prompt_tokens_total",
		Help: "The total number of prompt tokens prefilled",
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corellm_prefill_duration_seconds",
		Help:    "Duration of batched prompt forward passes",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	DecodeStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corellm_decode_step_duration_seconds",
		Help:    "Duration of single-token forward passes",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corellm_generations_total",
		Help: "Finished generations by terminal state and reason",
	}, []string{"state", "reason"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corellm_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{16, 64, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768},
	})

	ContextShiftsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corellm_context_shifts_total",
		Help: "Number of times a session dropped old tokens to continue decoding",
	})

	KVCachePositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corellm_kv_cache_positions",
		Help: "Cached positions per session",
	}, []string{"session"})

	KVCacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corellm_kv_cache_bytes",
		Help: "Bytes held by the key/value cache per session",
	}, []string{"session"})

	ModelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corellm_models_loaded",
		Help: "Number of models currently loaded",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corellm_sessions_active",
		Help: "Number of open inference sessions",
	})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corellm_model_load_duration_seconds",
		Help:    "Time to open, map and build a model",
		Buckets: prometheus.DefBuckets,
	})

	LoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corellm_load_errors_total",
		Help: "Failed model loads by error kind",
	}, []string{"kind"})

	DequantizedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corellm_dequantized_bytes_total",
		Help: "Weight bytes expanded to float32, by source type",
	}, []string{"type"})

	SamplingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corellm_sampling_duration_seconds",
		Help:    "Time spent choosing a token from logits",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	TokenizerEncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corellm_tokenizer_encode_duration_seconds",
		Help:    "Time spent encoding text into tokens",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	TokenizerEncodeTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "corellm_tokenizer_encode_tokens",
		Help:    "Tokens produced per encode call",
		Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096},
	})

	TokenizerByteFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corellm_tokenizer_byte_fallback_total",
		Help: "Atoms encoded through byte fallback tokens",
	})

	TraceRecordsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corellm_trace_records_exported_total",
		Help: "Generation trace rows written, by sink",
	}, []string{"sink"})
)

// TotalTokens returns the number of tokens generated by this process.
func TotalTokens() int64 { return totalTokens.Load() }

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	DecodeStepDuration.Observe(duration.Seconds())
}

func RecordPrefill(tokens int, duration time.Duration) {
	PromptTokensTotal.Add(float64(tokens))
	PrefillDuration.Observe(duration.Seconds())
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordGeneration(state, reason string) {
	GenerationsTotal.WithLabelValues(state, reason).Inc()
}

func RecordContextShift() {
	ContextShiftsTotal.Inc()
}

func RecordKVCacheStats(session string, positions int, bytes int64) {
	KVCachePositions.WithLabelValues(session).Set(float64(positions))
	KVCacheBytes.WithLabelValues(session).Set(float64(bytes))
}

// ForgetSession drops the per-session series once a session closes.
func ForgetSession(session string) {
	KVCachePositions.DeleteLabelValues(session)
	KVCacheBytes.DeleteLabelValues(session)
}

func RecordModelLoad(duration time.Duration) {
	ModelLoadDuration.Observe(duration.Seconds())
	ModelsLoaded.Inc()
}

func RecordModelUnload() {
	ModelsLoaded.Dec()
}

func RecordLoadError(kind string) {
	LoadErrors.WithLabelValues(kind).Inc()
}

func RecordSessionOpen() {
	SessionsActive.Inc()
}

func RecordSessionClose() {
	SessionsActive.Dec()
}

func RecordDequantization(typ string, bytes int) {
	DequantizedBytes.WithLabelValues(typ).Add(float64(bytes))
}

func RecordSampling(duration time.Duration) {
	SamplingDuration.Observe(duration.Seconds())
}

func RecordTokenizerEncode(tokens int, byteFallbacks int, duration time.Duration) {
	TokenizerEncodeDuration.Observe(duration.Seconds())
	TokenizerEncodeTokens.Observe(float64(tokens))
	if byteFallbacks > 0 {
		TokenizerByteFallbacks.Add(float64(byteFallbacks))
	}
}

func RecordTraceExport(sink string, rows int) {
	TraceRecordsExported.WithLabelValues(sink).Add(float64(rows))
}
