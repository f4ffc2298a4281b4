package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	predictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mbti",
			Subsystem: "inference",
			Name:      "predictions_total",
			Help:      "按结果类型统计的预测次数。",
		},
		[]string{"label"},
	)

	predictionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mbti",
			Subsystem: "inference",
			Name:      "prediction_failures_total",
			Help:      "推理失败次数。",
		},
	)

	predictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mbti",
			Subsystem: "inference",
			Name:      "prediction_duration_seconds",
			Help:      "单次推理耗时（秒）。",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)
)

// ObservePrediction 记录一次成功推理。
func ObservePrediction(label string, elapsed time.Duration) {
	predictionsTotal.WithLabelValues(label).Inc()
	predictionDuration.Observe(elapsed.Seconds())
}

// ObservePredictionFailure 记录一次推理失败。
func ObservePredictionFailure() {
	predictionFailuresTotal.Inc()
}
