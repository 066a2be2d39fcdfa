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

import "fmt"

// wireMessage is implemented by every message type in this package.
type wireMessage interface {
	marshal() []byte
	unmarshal([]byte) error
}

// Codec is a grpc encoding.Codec for the RuntimeMetricService message set.
// Pass it via grpc.ForceCodec on calls (and grpc.ForceServerCodec on fake
// servers in tests) so grpc does not require generated proto.Message types.
type Codec struct{}

// Marshal encodes a tpumetric message to protobuf wire format.
func (Codec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("tpumetric codec cannot marshal %T", v)
	}

	return msg.marshal(), nil
}

// Unmarshal decodes protobuf wire data into a tpumetric message.
func (Codec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("tpumetric codec cannot unmarshal into %T", v)
	}

	return msg.unmarshal(data)
}

// Name returns the codec name. The wire format is standard protobuf, so the
// default "proto" content subtype is kept.
func (Codec) Name() string { return "proto" }
