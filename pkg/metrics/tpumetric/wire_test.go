// Copyright (c) 2025, Google LLC.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tpumetric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}

	original := &MetricResponse{
		Metric: &TPUMetric{
			Name: "tpu.runtime.hbm.memory.usage.bytes",
			Metrics: []*Metric{
				{
					Attribute: &Attribute{
						Key:   "device-id",
						Value: &AttrValue{IntAttr: 3},
					},
					Gauge: &Gauge{AsInt: 8522039296},
				},
				{
					Attribute: &Attribute{
						Key:   "device-id",
						Value: &AttrValue{IntAttr: 4},
					},
					Gauge: &Gauge{AsDouble: 99.5},
				},
				{
					Attribute: &Attribute{
						Key:   "buffer-size",
						Value: &AttrValue{StringAttr: "8MB+"},
					},
					Histogram: &Histogram{
						TotalCount:   10,
						Scale:        1.0,
						GrowthFactor: 2.0,
						BucketCounts: []int64{0, 0, 5, 5},
					},
				},
			},
		},
	}

	data, err := codec.Marshal(original)
	require.NoError(t, err)

	decoded := &MetricResponse{}
	require.NoError(t, codec.Unmarshal(data, decoded))
	assert.Equal(t, original, decoded)
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	codec := Codec{}

	_, err := codec.Marshal("not a message")
	assert.Error(t, err)

	err = codec.Unmarshal(nil, 42)
	assert.Error(t, err)
}

func TestMetricRequestRoundTrip(t *testing.T) {
	codec := Codec{}

	data, err := codec.Marshal(&MetricRequest{MetricName: "tpu.runtime.tensorcore.dutycycle.percent"})
	require.NoError(t, err)

	decoded := &MetricRequest{}
	require.NoError(t, codec.Unmarshal(data, decoded))
	assert.Equal(t, "tpu.runtime.tensorcore.dutycycle.percent", decoded.MetricName)
}

func TestHistogramAcceptsUnpackedBucketCounts(t *testing.T) {
	// Encoders may emit repeated varints one tag at a time instead of the
	// packed form; both must decode to the same buckets.
	var b []byte
	for _, count := range []int64{1, 2, 3} {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(count))
	}

	h := &Histogram{}
	require.NoError(t, h.unmarshal(b))
	assert.Equal(t, []int64{1, 2, 3}, h.BucketCounts)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	data, err := Codec{}.Marshal(&MetricRequest{MetricName: "x"})
	require.NoError(t, err)

	// Append a field number the message does not define.
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)

	decoded := &MetricRequest{}
	require.NoError(t, Codec{}.Unmarshal(data, decoded))
	assert.Equal(t, "x", decoded.MetricName)
}
