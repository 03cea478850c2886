// Copyright 2025 Market Spine Authors
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

package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marketspine/spine/pkg/errors"
)

// LatestVersion picks the newest of a set of "v<N>" revision tags as
// published by upstream sources. Comparison is numeric: v10 beats v2,
// which lexicographic ordering would get wrong.
func LatestVersion(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", &errors.ValidationError{
			Field:   "versions",
			Message: "no version tags to compare",
		}
	}

	best := ""
	bestNum := -1
	for _, tag := range tags {
		n, err := parseVersionTag(tag)
		if err != nil {
			return "", err
		}
		if n > bestNum {
			bestNum = n
			best = tag
		}
	}
	return best, nil
}

func parseVersionTag(tag string) (int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(tag), "v")
	if trimmed == tag || trimmed == "" {
		return 0, &errors.ValidationError{
			Field:   "versions",
			Message: fmt.Sprintf("malformed version tag %q", tag),
		}
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return 0, &errors.ValidationError{
			Field:   "versions",
			Message: fmt.Sprintf("malformed version tag %q", tag),
		}
	}
	return n, nil
}
