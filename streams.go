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
	"unicode"
	"unicode/utf8"

	"github.com/sourcebus/sourcebus/uuid"
)

// StreamNamer maps aggregates and categories to stream names. It is a pure
// naming convention: "{prefix}.{camelCaseTypeName}-{idHex}" for aggregate
// streams and "{prefix}.{camelCaseTypeName}" for category streams.
type StreamNamer struct {
	Prefix string
}

// StreamName returns the stream name for one aggregate instance.
func (n StreamNamer) StreamName(aggregateType string, id uuid.UUID) string {
	return n.CategoryStream(aggregateType) + "-" + uuid.Hex(id)
}

// CategoryStream returns the stream name grouping all instances of an
// aggregate type.
func (n StreamNamer) CategoryStream(aggregateType string) string {
	return n.Prefix + "." + lowerFirst(aggregateType)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}

	r, size := utf8.DecodeRuneInString(s)

	return string(unicode.ToLower(r)) + s[size:]
}
