package mcpwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(id, method string, params any) Message {
	msg := Message{JSONRPC: JSONRPCVersion, ID: MustString(id), Method: method}
	if params != nil {
		bs, _ := json.Marshal(params)
		msg.Params = bs
	}
	return msg
}

func TestServerInitialize(t *testing.T) {
	server := testServer()

	resp := server.HandleMessage(context.Background(), request("1", MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Info{Name: "tester", Version: "0.0.1"},
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestServerPing(t *testing.T) {
	resp := testServer().HandleMessage(context.Background(), request("1", MethodPing, nil))
	require.NotNil(t, resp)

	var result pingResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "pong", result.Type)
}

func TestServerMethodNotFound(t *testing.T) {
	resp := testServer().HandleMessage(context.Background(), request("1", "foo/bar", nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "foo/bar")
}

func TestServerCallTool(t *testing.T) {
	server := NewServer("calc", "1.0.0")
	server.RegisterToolHandler(ToolInfo{Name: "add"}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		a, _ := arguments["a"].(float64)
		b, _ := arguments["b"].(float64)
		return []Content{{Type: "text", Text: strconv.Itoa(int(a + b))}}, nil
	})

	resp := server.HandleMessage(context.Background(), request("1", MethodToolsCall, callToolParams{
		Name:      "add",
		Arguments: map[string]any{"a": 3, "b": 5},
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result callToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "8", result.Content[0].Text)
}

func TestServerToolFailureIsData(t *testing.T) {
	server := NewServer("flaky", "1.0.0")
	server.RegisterToolHandler(ToolInfo{Name: "boom"}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		return nil, errors.New("kaboom")
	})

	resp := server.HandleMessage(context.Background(), request("1", MethodToolsCall, callToolParams{Name: "boom"}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result callToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "kaboom", result.Content[0].Text)
}

func TestServerToolArgumentValidation(t *testing.T) {
	server := NewServer("strict", "1.0.0")
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	server.RegisterToolHandler(ToolInfo{Name: "greet", InputSchema: schema},
		func(ctx context.Context, arguments map[string]any) ([]Content, error) {
			return []Content{{Type: "text", Text: "hi " + arguments["name"].(string)}}, nil
		})

	resp := server.HandleMessage(context.Background(), request("1", MethodToolsCall, callToolParams{
		Name:      "greet",
		Arguments: map[string]any{},
	}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = server.HandleMessage(context.Background(), request("2", MethodToolsCall, callToolParams{
		Name:      "greet",
		Arguments: map[string]any{"name": "ada"},
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
}

func TestServerUnknownToolCall(t *testing.T) {
	resp := testServer().HandleMessage(context.Background(), request("1", MethodToolsCall, callToolParams{Name: "absent"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestServerEmptyListings(t *testing.T) {
	server := NewServer("bare", "1.0.0")
	ctx := context.Background()

	resp := server.HandleMessage(ctx, request("1", MethodToolsList, nil))
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"tools":[]}`, string(resp.Result))

	resp = server.HandleMessage(ctx, request("2", MethodResourcesList, nil))
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"resources":[]}`, string(resp.Result))

	resp = server.HandleMessage(ctx, request("3", MethodPromptsList, nil))
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"prompts":[]}`, string(resp.Result))
}

func TestServerCustomListHandler(t *testing.T) {
	server := NewServer("dynamic", "1.0.0")
	server.SetListToolsHandler(func(ctx context.Context) ([]ToolInfo, error) {
		return []ToolInfo{{Name: "generated"}}, nil
	})

	resp := server.HandleMessage(context.Background(), request("1", MethodToolsList, nil))
	require.NotNil(t, resp)

	var result listToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "generated", result.Tools[0].Name)
}

func TestServerHandlerPanicBecomesInternalError(t *testing.T) {
	server := NewServer("panicky", "1.0.0")
	server.RegisterToolHandler(ToolInfo{Name: "crash"}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		panic("oh no")
	})

	resp := server.HandleMessage(context.Background(), request("1", MethodToolsCall, callToolParams{Name: "crash"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInternalError, resp.Error.Code)
}

func TestServerNotificationsProduceNoResponse(t *testing.T) {
	server := testServer()

	got := make(chan struct{}, 1)
	server.RegisterNotificationHandler("notifications/initialized", func(ctx context.Context, params json.RawMessage) {
		got <- struct{}{}
	})

	resp := server.HandleMessage(context.Background(), Message{JSONRPC: JSONRPCVersion, Method: "notifications/initialized"})
	assert.Nil(t, resp)
	assert.Len(t, got, 1)

	// Unhandled notifications are dropped silently.
	resp = server.HandleMessage(context.Background(), Message{JSONRPC: JSONRPCVersion, Method: "notifications/unknown"})
	assert.Nil(t, resp)
}

func TestServerServeStream(t *testing.T) {
	server := testServer()

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":"1","method":"ping"}`,
		`this is not json`,
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`,
		``,
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, server.Serve(context.Background(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Message
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, MustString("1"), first.ID)
	assert.Equal(t, MustString("2"), second.ID)
	assert.Nil(t, second.Error)
}
