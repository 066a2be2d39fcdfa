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

// Package tpumetric holds hand-maintained wire types for the libtpu
// RuntimeMetricService protobuf contract. The runtime does not ship its
// descriptor sources, so the small message set is encoded directly with
// protowire instead of checked-in generated stubs. Field numbers here must
// stay in sync with the runtime's tpu_metric_service.proto.
package tpumetric

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// MetricRequest asks the runtime for one named metric.
type MetricRequest struct {
	MetricName string
}

// MetricResponse carries the named metric and its per-device measurements.
type MetricResponse struct {
	Metric *TPUMetric
}

// TPUMetric is a named collection of measurements, one per device or
// histogram bucket key.
type TPUMetric struct {
	Name    string
	Metrics []*Metric
}

// Metric is a single measurement: an attribute identifying its source plus
// either a scalar gauge or a cumulative histogram.
type Metric struct {
	Attribute *Attribute
	Gauge     *Gauge
	Histogram *Histogram
}

// Attribute identifies the source of a measurement, e.g. a device id or a
// buffer-size label.
type Attribute struct {
	Key   string
	Value *AttrValue
}

// AttrValue is the attribute's value. Exactly one field is meaningful;
// proto3 zero values stand in for the unset arm.
type AttrValue struct {
	IntAttr    int64
	StringAttr string
}

// Gauge is a scalar sample reported as either an integer or a double.
type Gauge struct {
	AsInt    int64
	AsDouble float64
}

// Histogram is a cumulative exponential-bucket distribution. Bucket i
// (1-indexed from the top) has lower bound Scale * GrowthFactor^(i-1).
type Histogram struct {
	TotalCount   int64
	Scale        float64
	GrowthFactor float64
	BucketCounts []int64
}

func (m *MetricRequest) marshal() []byte {
	var b []byte
	if m.MetricName != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.MetricName)
	}

	return b
}

func (m *MetricRequest) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.MetricName = v

			return n, nil
		}

		return skipField(num, typ, b)
	})
}

func (m *MetricResponse) marshal() []byte {
	var b []byte
	if m.Metric != nil {
		b = appendMessage(b, 1, m.Metric.marshal())
	}

	return b
}

func (m *MetricResponse) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.Metric = &TPUMetric{}

			return n, m.Metric.unmarshal(v)
		}

		return skipField(num, typ, b)
	})
}

func (m *TPUMetric) marshal() []byte {
	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}

	for _, metric := range m.Metrics {
		b = appendMessage(b, 2, metric.marshal())
	}

	return b
}

func (m *TPUMetric) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.Name = v

			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			metric := &Metric{}
			if err := metric.unmarshal(v); err != nil {
				return n, err
			}

			m.Metrics = append(m.Metrics, metric)

			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
}

func (m *Metric) marshal() []byte {
	var b []byte
	if m.Attribute != nil {
		b = appendMessage(b, 1, m.Attribute.marshal())
	}

	if m.Gauge != nil {
		b = appendMessage(b, 2, m.Gauge.marshal())
	}

	if m.Histogram != nil {
		b = appendMessage(b, 3, m.Histogram.marshal())
	}

	return b
}

func (m *Metric) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || num < 1 || num > 3 {
			return skipField(num, typ, b)
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, protowire.ParseError(n)
		}

		switch num {
		case 1:
			m.Attribute = &Attribute{}
			return n, m.Attribute.unmarshal(v)
		case 2:
			m.Gauge = &Gauge{}
			return n, m.Gauge.unmarshal(v)
		default:
			m.Histogram = &Histogram{}
			return n, m.Histogram.unmarshal(v)
		}
	})
}

func (m *Attribute) marshal() []byte {
	var b []byte
	if m.Key != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Key)
	}

	if m.Value != nil {
		b = appendMessage(b, 2, m.Value.marshal())
	}

	return b
}

func (m *Attribute) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.Key = v

			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.Value = &AttrValue{}

			return n, m.Value.unmarshal(v)
		default:
			return skipField(num, typ, b)
		}
	})
}

func (m *AttrValue) marshal() []byte {
	var b []byte
	if m.IntAttr != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.IntAttr))
	}

	if m.StringAttr != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.StringAttr)
	}

	return b
}

func (m *AttrValue) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.IntAttr = int64(v)

			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.StringAttr = v

			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
}

func (m *Gauge) marshal() []byte {
	var b []byte
	if m.AsInt != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.AsInt))
	}

	if m.AsDouble != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.AsDouble))
	}

	return b
}

func (m *Gauge) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.AsInt = int64(v)

			return n, nil
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.AsDouble = math.Float64frombits(v)

			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
}

func (m *Histogram) marshal() []byte {
	var b []byte
	if m.TotalCount != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TotalCount))
	}

	if m.Scale != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.Scale))
	}

	if m.GrowthFactor != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.GrowthFactor))
	}

	if len(m.BucketCounts) > 0 {
		var packed []byte
		for _, count := range m.BucketCounts {
			packed = protowire.AppendVarint(packed, uint64(count))
		}

		b = appendMessage(b, 4, packed)
	}

	return b
}

func (m *Histogram) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.TotalCount = int64(v)

			return n, nil
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.Scale = math.Float64frombits(v)

			return n, nil
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.GrowthFactor = math.Float64frombits(v)

			return n, nil
		case num == 4 && typ == protowire.BytesType:
			// Packed repeated int64.
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return n, protowire.ParseError(vn)
				}

				m.BucketCounts = append(m.BucketCounts, int64(v))
				packed = packed[vn:]
			}

			return n, nil
		case num == 4 && typ == protowire.VarintType:
			// Unpacked encoding is legal for repeated varints.
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, protowire.ParseError(n)
			}

			m.BucketCounts = append(m.BucketCounts, int64(v))

			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
}

// walkFields iterates the top-level fields of a wire-encoded message,
// handing each tag and the remaining buffer to handle, which returns how
// many bytes it consumed after the tag.
func walkFields(b []byte, handle func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		consumed, err := handle(num, typ, b)
		if err != nil {
			return err
		}

		b = b[consumed:]
	}

	return nil
}

// skipField consumes an unrecognized field so unknown additions to the
// runtime's proto do not break decoding.
func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}

	return n, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)

	return b
}
