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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		prefix string
		want   bool
	}{
		{"exact match", "/mcp", "/mcp", true},
		{"nested path", "/mcp/session", "/mcp", true},
		{"deeply nested path", "/mcp/a/b/c", "/mcp", true},
		{"sibling with shared prefix", "/mcp-admin", "/mcp", false},
		{"prefix of the prefix", "/mc", "/mcp", false},
		{"unrelated path", "/health", "/mcp", false},
		{"trailing slash prefix requires the slash", "/a", "/a/", false},
		{"trailing slash prefix exact", "/a/", "/a/", true},
		{"trailing slash prefix nested", "/a/b", "/a/", true},
		{"root prefix matches everything", "/anything", "/", true},
		{"empty prefix matches nothing", "/mcp", "", false},
		{"empty path", "", "/mcp", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesPrefix(tt.path, tt.prefix))
		})
	}
}

func TestPathAllowlist_Allows(t *testing.T) {
	allowlist := PathAllowlist{"/mcp", "/api/v1/"}

	assert.True(t, allowlist.Allows("/mcp"))
	assert.True(t, allowlist.Allows("/mcp/stream"))
	assert.True(t, allowlist.Allows("/api/v1/reports"))
	assert.False(t, allowlist.Allows("/mcp-admin"))
	assert.False(t, allowlist.Allows("/api/v1"))
	assert.False(t, allowlist.Allows("/api/v2/reports"))
	assert.False(t, allowlist.Allows("/"))
}

func TestPathAllowlist_Empty(t *testing.T) {
	var allowlist PathAllowlist
	assert.False(t, allowlist.Allows("/mcp"))
}
