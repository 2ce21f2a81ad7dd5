// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transport

import "strings"

// PathAllowlist is the set of request path prefixes permitted to receive
// cross-origin requests.
type PathAllowlist []string

// Allows reports whether path falls within any allow-listed prefix.
func (a PathAllowlist) Allows(path string) bool {
	for _, prefix := range a {
		if MatchesPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// MatchesPrefix reports whether path equals prefix or extends it at a path
// segment boundary. Plain string prefixing would let "/mcp-admin" slip
// through a policy written for "/mcp"; segment matching closes that hole.
// A prefix with a trailing slash only matches paths that keep the slash.
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if path == prefix {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return strings.HasPrefix(path, prefix+"/")
}
