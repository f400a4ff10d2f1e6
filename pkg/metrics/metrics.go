// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// protobufNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	protobufNamespace = "danmu_protobuf"

	modelLabelName  = "model"
	statusLabelName = "status"

	SuccessLabel = "success"
	FailLabel    = "fail"
)

var (
	// buckets 为耗时直方图的桶划分，单位为毫秒。
	// [0.0625 0.125 ... 4096]
	buckets = prometheus.ExponentialBuckets(0.0625, 2, 17)

	RegisteredTypes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: protobufNamespace,
			Name:      "registered_types_total",
			Help:      "number of types registered in the type model",
		}, []string{modelLabelName})

	PipelineBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: protobufNamespace,
			Name:      "pipeline_builds_total",
			Help:      "number of serializer pipeline builds",
		}, []string{modelLabelName, statusLabelName})

	PipelineBuildLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: protobufNamespace,
			Name:      "pipeline_build_latency_ms",
			Help:      "latency of serializer pipeline builds",
			Buckets:   buckets,
		}, []string{modelLabelName})

	LockWaitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: protobufNamespace,
			Name:      "lock_wait_latency_ms",
			Help:      "time spent waiting for the type model lock",
			Buckets:   buckets,
		}, []string{modelLabelName})

	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: protobufNamespace,
			Name:      "lock_contention_total",
			Help:      "number of lock releases during which another caller was waiting",
		}, []string{modelLabelName})

	LockTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: protobufNamespace,
			Name:      "lock_timeout_total",
			Help:      "number of type model lock acquisitions that timed out",
		}, []string{modelLabelName})

	metricRegisterer prometheus.Registerer
	registerOnce     sync.Once
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(RegisteredTypes)
		r.MustRegister(PipelineBuilds)
		r.MustRegister(PipelineBuildLatency)
		r.MustRegister(LockWaitLatency)
		r.MustRegister(LockContention)
		r.MustRegister(LockTimeouts)
		registerCodecMetrics(r)
		metricRegisterer = r
	})
}

// CleanupModelMetrics 删除某个类型模型的全部标签序列。
func CleanupModelMetrics(model string) {
	RegisteredTypes.DeleteLabelValues(model)
	PipelineBuilds.DeletePartialMatch(prometheus.Labels{modelLabelName: model})
	PipelineBuildLatency.DeleteLabelValues(model)
	LockWaitLatency.DeleteLabelValues(model)
	LockContention.DeleteLabelValues(model)
	LockTimeouts.DeleteLabelValues(model)
}
