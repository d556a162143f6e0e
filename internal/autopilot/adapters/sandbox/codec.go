// Copyright 2025 Tom Barlow
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

package sandbox

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodec passes rawBytes straight through the wire without a protobuf
// schema, since the sandbox control plane is an opaque external service
// the core does not own a .proto definition for.
type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(rawBytes)
	if !ok {
		return nil, fmt.Errorf("raw codec: expected rawBytes, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*rawBytes)
	if !ok {
		return fmt.Errorf("raw codec: expected *rawBytes, got %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
