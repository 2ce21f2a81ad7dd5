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
// Package reports maps the upstream reporting service to MCP tool and
// resource providers. Report definitions double as resources under
// report://definitions/<id> so clients can browse them without a tool call.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	"github.com/teradata-labs/spool/pkg/upstream"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds each upstream call made through the toolset.
const DefaultRequestTimeout = 30 * time.Second

// resourceURIPrefix is the URI scheme for report definition resources.
const resourceURIPrefix = "report://definitions/"

// ReportService is the subset of the upstream client the toolset uses.
type ReportService interface {
	ListReports(ctx context.Context) ([]upstream.Report, error)
	RunReport(ctx context.Context, reportID string, params map[string]interface{}) (*upstream.Run, error)
	GetRun(ctx context.Context, runID string) (*upstream.Run, error)
}

// toolHandler handles a specific tool call.
type toolHandler func(ctx context.Context, args map[string]interface{}) (*protocol.CallToolResult, error)

// Toolset exposes the reporting service as MCP tools and resources.
type Toolset struct {
	service        ReportService
	logger         *zap.Logger
	requestTimeout time.Duration
	tools          []protocol.Tool
	toolsByName    map[string]protocol.Tool
	handlers       map[string]toolHandler
}

// Option configures a Toolset.
type Option func(*Toolset)

// WithRequestTimeout sets the per-call upstream timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Toolset) {
		t.requestTimeout = d
	}
}

// NewToolset creates a toolset over the given reporting service.
func NewToolset(service ReportService, logger *zap.Logger, opts ...Option) *Toolset {
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := &Toolset{
		service:        service,
		logger:         logger,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(ts)
	}

	ts.tools = buildToolDefinitions()
	ts.toolsByName = make(map[string]protocol.Tool, len(ts.tools))
	for _, tool := range ts.tools {
		ts.toolsByName[tool.Name] = tool
	}
	ts.handlers = map[string]toolHandler{
		"list_reports":   ts.handleListReports,
		"run_report":     ts.handleRunReport,
		"get_run_status": ts.handleGetRunStatus,
	}
	return ts
}

// ListTools implements server.ToolProvider.
func (t *Toolset) ListTools(_ context.Context) ([]protocol.Tool, error) {
	return t.tools, nil
}

// CallTool implements server.ToolProvider. Arguments are checked against
// the tool's input schema before the upstream call.
func (t *Toolset) CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.CallToolResult, error) {
	handler, ok := t.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	if err := protocol.ValidateToolArguments(t.toolsByName[name], args); err != nil {
		return nil, err
	}

	t.logger.Debug("calling tool", zap.String("tool", name))

	callCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()
	return handler(callCtx, args)
}

// ListResources implements server.ResourceProvider. Every report
// definition is listed as a browsable resource.
func (t *Toolset) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	listCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	reports, err := t.service.ListReports(listCtx)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	resources := make([]protocol.Resource, len(reports))
	for i, report := range reports {
		resources[i] = protocol.Resource{
			URI:         resourceURIPrefix + report.ID,
			Name:        report.Name,
			Description: report.Description,
			MimeType:    "application/json",
		}
	}
	return resources, nil
}

// ReadResource implements server.ResourceProvider.
func (t *Toolset) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	reportID, ok := strings.CutPrefix(uri, resourceURIPrefix)
	if !ok || reportID == "" {
		return nil, fmt.Errorf("unknown resource URI: %s", uri)
	}

	readCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	reports, err := t.service.ListReports(readCtx)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	for _, report := range reports {
		if report.ID != reportID {
			continue
		}
		text, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode report %s: %w", reportID, err)
		}
		return &protocol.ReadResourceResult{
			Contents: []protocol.ResourceContents{
				{URI: uri, MimeType: "application/json", Text: string(text)},
			},
		}, nil
	}
	return nil, fmt.Errorf("no report definition with id %q", reportID)
}

// ============================================================================
// Tool handlers
// ============================================================================

func (t *Toolset) handleListReports(ctx context.Context, _ map[string]interface{}) (*protocol.CallToolResult, error) {
	reports, err := t.service.ListReports(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(struct {
		Reports []upstream.Report `json:"reports"`
	}{Reports: reports})
}

func (t *Toolset) handleRunReport(ctx context.Context, args map[string]interface{}) (*protocol.CallToolResult, error) {
	reportID, _ := args["report_id"].(string)

	var params map[string]interface{}
	if raw, ok := args["parameters"]; ok {
		params, ok = raw.(map[string]interface{})
		if !ok {
			return nil, protocol.NewError(protocol.InvalidParams, "parameters must be an object", nil)
		}
	}

	run, err := t.service.RunReport(ctx, reportID, params)
	if err != nil {
		return nil, err
	}
	return jsonResult(run)
}

func (t *Toolset) handleGetRunStatus(ctx context.Context, args map[string]interface{}) (*protocol.CallToolResult, error) {
	runID, _ := args["run_id"].(string)

	run, err := t.service.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return jsonResult(run)
}

// jsonResult renders v as a JSON text content item.
func jsonResult(v interface{}) (*protocol.CallToolResult, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &protocol.CallToolResult{
		Content: []protocol.Content{
			{Type: "text", Text: string(text)},
		},
	}, nil
}

// ============================================================================
// Tool definitions
// ============================================================================

func boolP(b bool) *bool { return &b }

func readOnlyAnnotation() *protocol.ToolAnnotations {
	return &protocol.ToolAnnotations{
		ReadOnlyHint:    boolP(true),
		DestructiveHint: boolP(false),
		IdempotentHint:  boolP(true),
	}
}

func mutatingAnnotation() *protocol.ToolAnnotations {
	return &protocol.ToolAnnotations{
		ReadOnlyHint:    boolP(false),
		DestructiveHint: boolP(false),
	}
}

type schemaProperty struct {
	name     string
	typ      string
	desc     string
	required bool
}

func prop(name, typ, desc string) schemaProperty {
	return schemaProperty{name: name, typ: typ, desc: desc}
}

func reqProp(name, typ, desc string) schemaProperty {
	return schemaProperty{name: name, typ: typ, desc: desc, required: true}
}

// objectSchema builds a JSON Schema for an object with the given properties.
func objectSchema(props ...schemaProperty) map[string]interface{} {
	schema := map[string]interface{}{
		"type": "object",
	}

	if len(props) > 0 {
		properties := make(map[string]interface{})
		var required []string

		for _, p := range props {
			properties[p.name] = map[string]interface{}{
				"type":        p.typ,
				"description": p.desc,
			}
			if p.required {
				required = append(required, p.name)
			}
		}

		schema["properties"] = properties
		if len(required) > 0 {
			schema["required"] = required
		}
	}

	return schema
}

func buildToolDefinitions() []protocol.Tool {
	ro := readOnlyAnnotation()
	mut := mutatingAnnotation()

	return []protocol.Tool{
		{
			Name:        "list_reports",
			Description: "List the report definitions available on the reporting service.",
			InputSchema: objectSchema(),
			Annotations: ro,
		},
		{
			Name:        "run_report",
			Description: "Submit a run of a report. Returns the queued run; poll get_run_status for completion.",
			InputSchema: objectSchema(
				reqProp("report_id", "string", "ID of the report definition to run"),
				prop("parameters", "object", "Report parameters, e.g. date ranges or filters"),
			),
			Annotations: mut,
		},
		{
			Name:        "get_run_status",
			Description: "Get the current status of a report run, including the result URL once it succeeds.",
			InputSchema: objectSchema(
				reqProp("run_id", "string", "ID of the run to inspect"),
			),
			Annotations: ro,
		},
	}
}
