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

// Package mongoutils has shared helpers for the MongoDB backed packages.
package mongoutils

import (
	"errors"
	"strings"
)

var (
	ErrMissingCollectionName       = errors.New("missing collection name")
	ErrInvalidCharInCollectionName = errors.New("invalid char in collection name (space)")
)

// CheckCollectionName checks that a collection name is usable with MongoDB.
// Only spaces are rejected beyond emptiness, since they are hard to spot by
// humans when debugging a misconfigured store.
func CheckCollectionName(name string) error {
	if name == "" {
		return ErrMissingCollectionName
	}

	if strings.ContainsAny(name, " ") {
		return ErrInvalidCharInCollectionName
	}

	return nil
}
