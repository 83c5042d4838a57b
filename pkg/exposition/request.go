// Copyright 2025 UMH Systems GmbH
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

package exposition

import (
	"errors"
	"strings"
)

// ErrBadRequestLine is returned for a request line that is not
// "METHOD TARGET" or "METHOD TARGET HTTP/x".
var ErrBadRequestLine = errors.New("malformed request line")

// ParseRequestLine splits the first line of a request into method and
// target path. The query string is stripped from the path.
func ParseRequestLine(line string) (method, path string, err error) {
	line = strings.TrimRight(line, "\r\n")

	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
	case 3:
		if !strings.HasPrefix(fields[2], "HTTP/") {
			return "", "", ErrBadRequestLine
		}
	default:
		return "", "", ErrBadRequestLine
	}

	method, path = fields[0], fields[1]
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	return method, path, nil
}
