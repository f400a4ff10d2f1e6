package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegister(t *testing.T) {
	r := prometheus.NewRegistry()
	Register(r)
	// 重复注册不会 panic。
	Register(r)
	assert.Equal(t, r, GetRegisterer())

	RegisteredTypes.WithLabelValues("metrics-test").Add(2)
	PipelineBuilds.WithLabelValues("metrics-test", SuccessLabel).Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(RegisteredTypes.WithLabelValues("metrics-test")))
	assert.Equal(t, float64(1), testutil.ToFloat64(PipelineBuilds.WithLabelValues("metrics-test", SuccessLabel)))

	CleanupModelMetrics("metrics-test")
	assert.Equal(t, float64(0), testutil.ToFloat64(RegisteredTypes.WithLabelValues("metrics-test")))
}
