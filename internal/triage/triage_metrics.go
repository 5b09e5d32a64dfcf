package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	StepFailures   *prometheus.CounterVec
	AnalysesTotal  *prometheus.CounterVec
	LLMCallsTotal  *prometheus.CounterVec
	LLMTokensIn    prometheus.Counter
	LLMTokensOut   prometheus.Counter
	LLMDuration    prometheus.Histogram
	MemoryOpsTotal *prometheus.CounterVec
	BatchSize      prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_pipeline_runs_total",
			Help: "Total pipeline runs by operation and result.",
		}, []string{"operation", "result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"operation", "result"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_pipeline_step_failures_total",
			Help: "Pipeline runs that failed, by the step that failed.",
		}, []string{"step"}),
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_analyses_total",
			Help: "Analyses produced, by tier (model, fallback, basic).",
		}, []string{"tier"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_llm_calls_total",
			Help: "Total LLM provider calls by result.",
		}, []string{"result"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		MemoryOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_memory_ops_total",
			Help: "Context memory operations by op and result.",
		}, []string{"op", "result"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_batch_size",
			Help:    "Issues per batch request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 .. 128
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StepFailures,
		m.AnalysesTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.MemoryOpsTotal,
		m.BatchSize,
	)

	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// EngineHooks returns engine hooks that update the corresponding metrics.
func (m *Metrics) EngineHooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64, failed bool) {
			m.LLMCallsTotal.WithLabelValues(result(!failed)).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnAnalysis: func(tier Tier) {
			m.AnalysesTotal.WithLabelValues(string(tier)).Inc()
		},
	}
}

// PipelineHooks returns pipeline hooks that update the corresponding metrics.
func (m *Metrics) PipelineHooks() PipelineHooks {
	return PipelineHooks{
		OnRun: func(op string, success bool, duration float64) {
			m.RunsTotal.WithLabelValues(op, result(success)).Inc()
			m.RunDuration.WithLabelValues(op, result(success)).Observe(duration)
		},
		OnStepFailed: func(step Step) {
			m.StepFailures.WithLabelValues(string(step)).Inc()
		},
		OnBatch: func(size int) {
			m.BatchSize.Observe(float64(size))
		},
	}
}

// MemoryHooks returns memory hooks that update the corresponding metrics.
func (m *Metrics) MemoryHooks() MemoryHooks {
	return MemoryHooks{
		OnOp: func(op string, ok bool) {
			m.MemoryOpsTotal.WithLabelValues(op, result(ok)).Inc()
		},
	}
}
