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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	codecMetricSubsystem = "codec"

	directionLabelName = "direction"

	EncodeLabel = "encode"
	DecodeLabel = "decode"
)

var (
	// sizeBuckets 为帧大小的桶划分，单位为字节。
	sizeBuckets = prometheus.ExponentialBuckets(16, 4, 10)

	CodecFrameBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: protobufNamespace,
			Subsystem: codecMetricSubsystem,
			Name:      "frame_bytes",
			Help:      "size of encoded item frames including the length prefix",
			Buckets:   sizeBuckets,
		}, []string{directionLabelName})

	CodecCompressedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: protobufNamespace,
			Subsystem: codecMetricSubsystem,
			Name:      "compressed_frames_total",
			Help:      "number of frames whose payload went through the compressor",
		}, []string{directionLabelName})
)

func registerCodecMetrics(r prometheus.Registerer) {
	r.MustRegister(CodecFrameBytes)
	r.MustRegister(CodecCompressedFrames)
}
