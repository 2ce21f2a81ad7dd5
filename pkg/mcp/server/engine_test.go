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
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	"go.uber.org/zap/zaptest"
)

func TestNewEngine(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test-engine", "1.0.0", logger)

	require.NotNil(t, e)
	assert.Equal(t, "test-engine", e.info.Name)
	assert.Equal(t, "1.0.0", e.info.Version)

	// Built-in handlers should be registered
	e.mu.RLock()
	_, hasInit := e.handlers["initialize"]
	_, hasNotif := e.handlers["notifications/initialized"]
	_, hasPing := e.handlers["ping"]
	e.mu.RUnlock()

	assert.True(t, hasInit)
	assert.True(t, hasNotif)
	assert.True(t, hasPing)
}

func TestNewEngine_NilLogger(t *testing.T) {
	e := NewEngine("test", "1.0.0", nil)
	require.NotNil(t, e)
	require.NotNil(t, e.logger)
}

func TestEngine_HandleInitialize(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test-engine", "1.0.0", logger)

	req := protocol.Request{
		JSONRPC: "2.0",
		ID:      protocol.NewNumericRequestID(1),
		Method:  "initialize",
		Params:  json.RawMessage(`{}`),
	}
	reqBytes, err := json.Marshal(req)
	require.NoError(t, err)

	respBytes, err := e.HandleMessage(context.Background(), reqBytes)
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)

	var result protocol.InitializeResult
	err = json.Unmarshal(resp.Result, &result)
	require.NoError(t, err)

	assert.Equal(t, protocol.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test-engine", result.ServerInfo.Name)
	assert.Equal(t, "1.0.0", result.ServerInfo.Version)
	assert.NotNil(t, result.Capabilities.Logging)
}

func TestEngine_HandlePing(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	req := protocol.Request{
		JSONRPC: "2.0",
		ID:      protocol.NewNumericRequestID(1),
		Method:  "ping",
	}
	reqBytes, err := json.Marshal(req)
	require.NoError(t, err)

	respBytes, err := e.HandleMessage(context.Background(), reqBytes)
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
}

func TestEngine_HandleNotificationsInitialized(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	// Notification has no ID
	req := protocol.Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	}
	reqBytes, err := json.Marshal(req)
	require.NoError(t, err)

	respBytes, err := e.HandleMessage(context.Background(), reqBytes)
	require.NoError(t, err)
	assert.Nil(t, respBytes) // Notifications return no response
}

func TestEngine_HandleUnknownMethod(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	req := protocol.Request{
		JSONRPC: "2.0",
		ID:      protocol.NewNumericRequestID(1),
		Method:  "unknown/method",
	}
	reqBytes, err := json.Marshal(req)
	require.NoError(t, err)

	respBytes, err := e.HandleMessage(context.Background(), reqBytes)
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
}

func TestEngine_HandleUnknownNotification(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	// Notification (no ID) for unknown method - should be ignored
	req := protocol.Request{
		JSONRPC: "2.0",
		Method:  "notifications/unknown",
	}
	reqBytes, err := json.Marshal(req)
	require.NoError(t, err)

	respBytes, err := e.HandleMessage(context.Background(), reqBytes)
	require.NoError(t, err)
	assert.Nil(t, respBytes) // Silently ignored
}

func TestEngine_HandleInvalidJSONRPCVersion(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	req := protocol.Request{
		JSONRPC: "1.0", // Wrong version
		ID:      protocol.NewNumericRequestID(1),
		Method:  "ping",
	}
	reqBytes, err := json.Marshal(req)
	require.NoError(t, err)

	respBytes, err := e.HandleMessage(context.Background(), reqBytes)
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)
}

func TestEngine_HandleMissingMethod(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	respBytes, err := e.HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1}`))
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)
}

func TestEngine_HandleInvalidJSON(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	respBytes, err := e.HandleMessage(context.Background(), []byte(`{not json`))
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ParseError, resp.Error.Code)
}

func TestEngine_RegisterHandler(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	e.RegisterHandler("custom/method", func(_ context.Context, _ json.RawMessage, _ json.RawMessage) (interface{}, error) {
		return map[string]string{"custom": "result"}, nil
	})

	respBytes, err := e.HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"custom/method"}`))
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	assert.Contains(t, string(respBytes), `"custom":"result"`)
}

func TestEngine_HandlerError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	e.RegisterHandler("failing/method", func(_ context.Context, _ json.RawMessage, _ json.RawMessage) (interface{}, error) {
		return nil, errors.New("handler exploded")
	})

	respBytes, err := e.HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"failing/method"}`))
	require.NoError(t, err)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "handler exploded")
}

func TestEngine_HandlerErrorPreservesRPCCode(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	e.RegisterHandler("invalid/params", func(_ context.Context, _ json.RawMessage, _ json.RawMessage) (interface{}, error) {
		return nil, protocol.NewError(protocol.InvalidParams, "missing argument", nil)
	})

	respBytes, err := e.HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"invalid/params"}`))
	require.NoError(t, err)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestEngine_HandleInitialize_WithClientInfo(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	params := `{
		"protocolVersion": "2025-03-26",
		"clientInfo": {"name": "test-client", "version": "2.0.0"},
		"capabilities": {"sampling": {}}
	}`
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":%s}`, params)

	respBytes, err := e.HandleMessage(context.Background(), []byte(body))
	require.NoError(t, err)
	require.NotNil(t, respBytes)

	info := e.ClientInfo()
	require.NotNil(t, info)
	assert.Equal(t, "test-client", info.Name)
	assert.Equal(t, "2.0.0", info.Version)

	caps := e.ClientCapabilities()
	require.NotNil(t, caps)
	assert.NotNil(t, caps.Sampling)
	assert.Nil(t, caps.Roots)
}

func TestEngine_HandleInitialize_VersionMismatch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`
	respBytes, err := e.HandleMessage(context.Background(), []byte(body))
	require.NoError(t, err)

	// Mismatched versions are tolerated; the response carries ours.
	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), protocol.ProtocolVersion)
}

func TestEngine_HandleInitialize_InvalidParams(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"not an object"}`
	respBytes, err := e.HandleMessage(context.Background(), []byte(body))
	require.NoError(t, err)

	var resp protocol.Response
	err = json.Unmarshal(respBytes, &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestEngine_Close(t *testing.T) {
	e := NewEngine("test", "1.0.0", zaptest.NewLogger(t))

	require.NoError(t, e.Close(context.Background()))

	// The notification channel is closed.
	_, open := <-e.Notifications()
	assert.False(t, open)

	// Closing again is safe.
	require.NoError(t, e.Close(context.Background()))
}

func TestEngine_NotifyResourceListChanged(t *testing.T) {
	e := NewEngine("test", "1.0.0", zaptest.NewLogger(t))

	e.NotifyResourceListChanged()

	select {
	case msg := <-e.Notifications():
		assert.Contains(t, string(msg), "notifications/resources/list_changed")
	default:
		t.Fatal("expected a queued notification")
	}
}

func TestEngine_NotifyLogMessage(t *testing.T) {
	e := NewEngine("test", "1.0.0", zaptest.NewLogger(t))

	e.NotifyLogMessage("info", "reports", map[string]string{"run_id": "r-1"})

	select {
	case msg := <-e.Notifications():
		assert.Contains(t, string(msg), "notifications/message")
		assert.Contains(t, string(msg), `"level":"info"`)
		assert.Contains(t, string(msg), "r-1")
	default:
		t.Fatal("expected a queued notification")
	}
}

func TestEngine_NotifyAfterCloseIsDropped(t *testing.T) {
	e := NewEngine("test", "1.0.0", zaptest.NewLogger(t))
	require.NoError(t, e.Close(context.Background()))

	assert.NotPanics(t, func() {
		e.NotifyResourceListChanged()
	})
}

func TestEngine_NotifyChannelFullDrops(t *testing.T) {
	e := NewEngine("test", "1.0.0", zaptest.NewLogger(t))

	// Saturate the buffer; the overflow notification must be dropped, not block.
	for i := 0; i < 32; i++ {
		e.NotifyResourceListChanged()
	}

	drained := 0
	for {
		select {
		case <-e.Notifications():
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 16, drained)
}

func TestEngine_ConcurrentHandleMessage(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := NewEngine("test", "1.0.0", logger)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, id)
			resp, err := e.HandleMessage(context.Background(), []byte(body))
			assert.NoError(t, err)
			assert.NotNil(t, resp)
		}(i)
	}
	wg.Wait()
}
