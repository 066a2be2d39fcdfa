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

// Package metrics reads live utilization and latency telemetry from the
// libtpu runtime metric service over gRPC.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/device"
	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/metrics/tpumetric"
)

// MetricName is a metric key defined by libtpu.
type MetricName string

const (
	// TotalMemory is the per-core HBM capacity in bytes.
	TotalMemory MetricName = "tpu.runtime.hbm.memory.total.bytes"
	// MemoryUsage is the per-core HBM usage in bytes.
	MemoryUsage MetricName = "tpu.runtime.hbm.memory.usage.bytes"
	// DutyCyclePct is the per-chip TensorCore duty cycle percentage.
	DutyCyclePct MetricName = "tpu.runtime.tensorcore.dutycycle.percent"
	// BufferTransferLatency is a distribution of collective buffer
	// transfer latencies, reported per buffer-size bucket.
	BufferTransferLatency MetricName = "megascale.buffer_transfer_latencies"
)

// SupportedMetrics maps the user-facing metric names accepted by the CLI to
// the libtpu metric keys they query.
var SupportedMetrics = map[string]MetricName{
	"hbm_capacity_total":      TotalMemory,
	"hbm_capacity_usage":      MemoryUsage,
	"duty_cycle_pct":          DutyCyclePct,
	"buffer_transfer_latency": BufferTransferLatency,
}

// DefaultAddr is the endpoint libtpu serves runtime metrics on.
const DefaultAddr = "localhost:8431"

// DefaultTimeout bounds each RPC round trip. The runtime answers from
// in-memory state, so a slow response means the service is wedged.
const DefaultTimeout = 5 * time.Second

// ErrMetricMismatch reports that memory and duty-cycle responses disagree in
// length after per-core alignment. That means the metrics service and the
// detected topology disagree about how many devices exist, which must be
// surfaced rather than zipped away.
var ErrMetricMismatch = errors.New("metrics not found for all chips")

// Usage is a point-in-time sample for one TPU device.
type Usage struct {
	DeviceID     int64
	MemoryUsage  int64
	TotalMemory  int64
	DutyCyclePct float64
}

// TransferLatencyDistribution summarizes one latency histogram as point
// percentile estimates. Values carry the unit of the source histogram.
type TransferLatencyDistribution struct {
	// Key is the histogram's free-form attribute, e.g. a buffer size.
	Key  string
	P50  float64
	P90  float64
	P95  float64
	P999 float64
}

// Client is a synchronous client for the libtpu runtime metric service.
// Every call is a blocking round trip bounded by the configured timeout;
// nothing is cached between calls.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient opens a channel to the metric service at addr. A non-positive
// timeout falls back to DefaultTimeout.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failure connecting to '%s': %w", addr, err)
	}

	return &Client{conn: conn, timeout: timeout}, nil
}

// Close tears down the underlying channel.
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsUnavailable reports whether err means the metric service is not
// reachable. libtpu only serves metrics while a workload holds the TPU, so
// this is an expected condition and callers present it as "unavailable"
// rather than aborting.
func IsUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// GetUsage returns usage statistics for every attached TPU device, aligned
// by device id. Memory metrics are reported once per core while duty cycle
// is reported once per chip; each chip's duty-cycle sample is replicated
// across its cores before the three responses are zipped. A length mismatch
// after replication yields ErrMetricMismatch.
func (c *Client) GetUsage(ctx context.Context, family device.ChipFamily) ([]Usage, error) {
	totals, err := c.sortedMetricResponse(ctx, TotalMemory)
	if err != nil {
		return nil, err
	}

	usages, err := c.sortedMetricResponse(ctx, MemoryUsage)
	if err != nil {
		return nil, err
	}

	dutyCycles, err := c.sortedMetricResponse(ctx, DutyCyclePct)
	if err != nil {
		return nil, err
	}

	devicesPerChip := family.Spec().DevicesPerChip

	perCore := make([]*tpumetric.Metric, 0, len(dutyCycles)*devicesPerChip)
	for _, d := range dutyCycles {
		for i := 0; i < devicesPerChip; i++ {
			perCore = append(perCore, d)
		}
	}

	if len(totals) != len(usages) || len(usages) != len(perCore) {
		return nil, fmt.Errorf("%w: total=%d usage=%d duty_cycle(per core)=%d",
			ErrMetricMismatch, len(totals), len(usages), len(perCore))
	}

	result := make([]Usage, len(usages))
	for i := range usages {
		result[i] = Usage{
			DeviceID:     metricDeviceID(usages[i]),
			MemoryUsage:  gaugeInt(usages[i]),
			TotalMemory:  gaugeInt(totals[i]),
			DutyCyclePct: gaugeDouble(perCore[i]),
		}
	}

	return result, nil
}

// GetLatency queries one distribution-valued metric and returns a percentile
// summary per returned histogram, keyed by the histogram's attribute.
func (c *Client) GetLatency(ctx context.Context, name MetricName) ([]TransferLatencyDistribution, error) {
	responses, err := c.getMetric(ctx, name)
	if err != nil {
		return nil, err
	}

	var distributions []TransferLatencyDistribution

	for _, m := range responses {
		if m.Histogram == nil {
			continue
		}

		p50, p90, p95, p999 := histogramPercentiles(m.Histogram)
		distributions = append(distributions, TransferLatencyDistribution{
			Key:  metricKey(m),
			P50:  p50,
			P90:  p90,
			P95:  p95,
			P999: p999,
		})
	}

	return distributions, nil
}

// GaugeSample is one scalar measurement from a gauge-valued metric.
type GaugeSample struct {
	DeviceID    int64
	IntValue    int64
	DoubleValue float64
}

// GetGauges queries one gauge-valued metric and returns its samples sorted
// by device id. Histogram entries in the response are ignored.
func (c *Client) GetGauges(ctx context.Context, name MetricName) ([]GaugeSample, error) {
	responses, err := c.sortedMetricResponse(ctx, name)
	if err != nil {
		return nil, err
	}

	var samples []GaugeSample

	for _, m := range responses {
		if m.Gauge == nil {
			continue
		}

		samples = append(samples, GaugeSample{
			DeviceID:    metricDeviceID(m),
			IntValue:    m.Gauge.AsInt,
			DoubleValue: m.Gauge.AsDouble,
		})
	}

	return samples, nil
}

// getMetric issues one unary metric request bounded by the client timeout.
func (c *Client) getMetric(ctx context.Context, name MetricName) ([]*tpumetric.Metric, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &tpumetric.MetricRequest{MetricName: string(name)}
	resp := &tpumetric.MetricResponse{}

	err := c.conn.Invoke(ctx, tpumetric.GetRuntimeMetricMethod, req, resp, grpc.ForceCodec(tpumetric.Codec{}))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", name, err)
	}

	if resp.Metric == nil {
		return nil, nil
	}

	return resp.Metric.Metrics, nil
}

// sortedMetricResponse fetches a metric and orders its measurements by
// device-id attribute so responses from separate requests line up.
func (c *Client) sortedMetricResponse(ctx context.Context, name MetricName) ([]*tpumetric.Metric, error) {
	metrics, err := c.getMetric(ctx, name)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(metrics, func(i, j int) bool {
		return metricDeviceID(metrics[i]) < metricDeviceID(metrics[j])
	})

	return metrics, nil
}

func metricDeviceID(m *tpumetric.Metric) int64 {
	if m.Attribute == nil || m.Attribute.Value == nil {
		return 0
	}

	return m.Attribute.Value.IntAttr
}

// metricKey returns the histogram's free-form attribute label.
func metricKey(m *tpumetric.Metric) string {
	if m.Attribute == nil || m.Attribute.Value == nil {
		return ""
	}

	if m.Attribute.Value.StringAttr != "" {
		return m.Attribute.Value.StringAttr
	}

	return strconv.FormatInt(m.Attribute.Value.IntAttr, 10)
}

func gaugeInt(m *tpumetric.Metric) int64 {
	if m.Gauge == nil {
		return 0
	}

	return m.Gauge.AsInt
}

func gaugeDouble(m *tpumetric.Metric) float64 {
	if m.Gauge == nil {
		return 0
	}

	return m.Gauge.AsDouble
}
