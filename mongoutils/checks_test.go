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

package mongoutils

import "testing"

func TestCheckCollectionName(t *testing.T) {
	cases := []struct {
		name    string
		coll    string
		wantErr error
	}{
		{"valid name", "events", nil},
		{"empty name", "", ErrMissingCollectionName},
		{"name with space", "my events", ErrInvalidCharInCollectionName},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := CheckCollectionName(c.coll); err != c.wantErr {
				t.Errorf("wrong error: %v, expected: %v", err, c.wantErr)
			}
		})
	}
}
