// Copyright (c) 2024 - The Source Bus authors.
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

package sourcebus

import (
	"context"
)

// MessageCodec is a codec for marshaling and unmarshaling messages to and
// from a wire form. The in-process bus passes live messages by reference and
// never uses a codec; stores and store backed listeners do.
type MessageCodec interface {
	// MarshalMessage marshals a message into bytes.
	MarshalMessage(ctx context.Context, m Message) ([]byte, error)

	// UnmarshalMessage unmarshals a message from bytes, running any
	// registered upcasters on old schema versions.
	UnmarshalMessage(ctx context.Context, b []byte) (Message, error)
}
