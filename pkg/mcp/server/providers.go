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
// Package server implements the Model Context Protocol (MCP) engine: a
// JSON-RPC dispatcher with method handlers and provider interfaces for
// exposing tools and resources to MCP clients. Transports create one engine
// per session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teradata-labs/spool/pkg/mcp/protocol"
)

// ToolProvider supplies tools to the engine.
// Implementations map domain-specific capabilities to MCP tool definitions.
type ToolProvider interface {
	// ListTools returns all available tools.
	ListTools(ctx context.Context) ([]protocol.Tool, error)

	// CallTool invokes a tool by name with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.CallToolResult, error)
}

// ResourceProvider supplies resources to the engine.
// Implementations expose domain-specific data to clients that read it by URI.
type ResourceProvider interface {
	// ListResources returns all available resources.
	ListResources(ctx context.Context) ([]protocol.Resource, error)

	// ReadResource reads a resource by its URI.
	ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error)
}

// decodeParams unmarshals request params into dst, mapping malformed JSON to
// an InvalidParams error so the client sees a JSON-RPC error rather than an
// internal one.
func decodeParams(params json.RawMessage, dst interface{}, what string) error {
	if err := json.Unmarshal(params, dst); err != nil {
		return protocol.NewError(protocol.InvalidParams, fmt.Sprintf("invalid %s params: %v", what, err), nil)
	}
	return nil
}

func (e *Engine) handleToolsList(ctx context.Context, _ json.RawMessage, _ json.RawMessage) (interface{}, error) {
	tools, err := e.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return protocol.ToolListResult{Tools: tools}, nil
}

// handleToolsCall dispatches tools/call. Request-shape problems (unparseable
// params, missing name) and provider errors that carry a JSON-RPC code become
// protocol errors; anything else the tool reports is surfaced to the client
// as a tool result with IsError set, so the session keeps going.
func (e *Engine) handleToolsCall(ctx context.Context, _ json.RawMessage, params json.RawMessage) (interface{}, error) {
	var callParams protocol.CallToolParams
	if err := decodeParams(params, &callParams, "tool call"); err != nil {
		return nil, err
	}
	if callParams.Name == "" {
		return nil, protocol.NewError(protocol.InvalidParams, "tool name is required", nil)
	}

	result, err := e.tools.CallTool(ctx, callParams.Name, callParams.Arguments)
	if err != nil {
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return &protocol.CallToolResult{
			Content: []protocol.Content{
				{Type: "text", Text: err.Error()},
			},
			IsError: true,
		}, nil
	}
	return result, nil
}

func (e *Engine) handleResourcesList(ctx context.Context, _ json.RawMessage, _ json.RawMessage) (interface{}, error) {
	resources, err := e.resources.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return protocol.ResourceListResult{Resources: resources}, nil
}

func (e *Engine) handleResourcesRead(ctx context.Context, _ json.RawMessage, params json.RawMessage) (interface{}, error) {
	var readParams protocol.ReadResourceParams
	if err := decodeParams(params, &readParams, "resource read"); err != nil {
		return nil, err
	}
	if readParams.URI == "" {
		return nil, protocol.NewError(protocol.InvalidParams, "resource URI is required", nil)
	}

	result, err := e.resources.ReadResource(ctx, readParams.URI)
	if err != nil {
		return nil, fmt.Errorf("read resource %q: %w", readParams.URI, err)
	}
	return result, nil
}
