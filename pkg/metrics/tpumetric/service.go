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
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully-qualified name of the libtpu metric service.
	ServiceName = "tpu.monitoring.runtime.RuntimeMetricService"
	// GetRuntimeMetricMethod is the full method path for unary metric reads.
	GetRuntimeMetricMethod = "/" + ServiceName + "/GetRuntimeMetric"
)

// RuntimeMetricServiceServer is the server contract. The real implementation
// lives inside libtpu; this interface exists so tests can stand up a fake.
type RuntimeMetricServiceServer interface {
	GetRuntimeMetric(context.Context, *MetricRequest) (*MetricResponse, error)
}

// RegisterRuntimeMetricServiceServer registers a fake metric service. The
// server must be constructed with grpc.ForceServerCodec(tpumetric.Codec{}).
func RegisterRuntimeMetricServiceServer(s grpc.ServiceRegistrar, srv RuntimeMetricServiceServer) {
	s.RegisterService(&runtimeMetricServiceDesc, srv)
}

var runtimeMetricServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuntimeMetricServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetRuntimeMetric",
			Handler:    getRuntimeMetricHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tpu_metric_service.proto",
}

func getRuntimeMetricHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MetricRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(RuntimeMetricServiceServer).GetRuntimeMetric(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetRuntimeMetricMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RuntimeMetricServiceServer).GetRuntimeMetric(ctx, req.(*MetricRequest))
	}

	return interceptor(ctx, in, info, handler)
}
