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

// spoold is the spool daemon: a session-managed MCP (Model Context
// Protocol) server that bridges MCP clients to the reporting service.
//
// MCP clients speak JSON-RPC over streamable HTTP: POST carries requests,
// an optional GET stream delivers server pushes via SSE, and DELETE ends
// the session. Each session runs its own protocol engine; the upstream
// reporting REST API is exposed through the engines as MCP tools and
// resources.
//
// Usage:
//
//	spoold serve --upstream-url https://reporting.example.com
//
// For editor or desktop clients that spawn servers directly, a single
// session can be served over stdio instead:
//
//	spoold serve --stdio --upstream-url https://reporting.example.com
package main

func main() {
	Execute()
}
