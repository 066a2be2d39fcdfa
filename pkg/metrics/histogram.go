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

package metrics

import (
	"math"

	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/metrics/tpumetric"
)

// Percentile estimates the value at targetFraction of a cumulative
// exponential-bucket histogram. Bucket i has lower bound
// scale * growthFactor^(i-1). The walk starts at the highest bucket and
// subtracts counts until the remaining sample count reaches the target,
// then interpolates linearly within the crossing bucket.
//
// When no bucket satisfies the stopping condition the function returns 1.
// That constant matches the runtime's own tooling and is a coarse floor, not
// a meaningful percentile.
func Percentile(targetFraction float64, totalCount int64, bucketCounts []int64, scale, growthFactor float64) float64 {
	targetCount := math.Floor(float64(totalCount) * targetFraction)
	remaining := float64(totalCount)

	for i := len(bucketCounts) - 1; i >= 0; i-- {
		count := float64(bucketCounts[i])
		remaining -= count

		if remaining <= targetCount {
			lowerBound := scale * math.Pow(growthFactor, float64(i-1))
			if count == 0 {
				// An empty crossing bucket leaves nothing to
				// interpolate over.
				return lowerBound
			}

			return lowerBound * (1 + (targetCount-remaining)/count*(growthFactor-1))
		}
	}

	return 1
}

// percentiles reported for distribution-valued metrics.
const (
	fractionP50  = 0.5
	fractionP90  = 0.9
	fractionP95  = 0.95
	fractionP999 = 0.999
)

// histogramPercentiles computes the standard percentile set for one
// histogram response.
func histogramPercentiles(h *tpumetric.Histogram) (p50, p90, p95, p999 float64) {
	p50 = Percentile(fractionP50, h.TotalCount, h.BucketCounts, h.Scale, h.GrowthFactor)
	p90 = Percentile(fractionP90, h.TotalCount, h.BucketCounts, h.Scale, h.GrowthFactor)
	p95 = Percentile(fractionP95, h.TotalCount, h.BucketCounts, h.Scale, h.GrowthFactor)
	p999 = Percentile(fractionP999, h.TotalCount, h.BucketCounts, h.Scale, h.GrowthFactor)

	return p50, p90, p95, p999
}
