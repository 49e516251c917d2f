package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, server *Server, options ...ClientOption) *Client {
	t.Helper()

	options = append(options, WithDialer(
		func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
			return newServerTransport(server), nil
		}))
	client := NewClient("stdio://test", options...)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func TestClientConnectAndServerInfo(t *testing.T) {
	client := newTestClient(t, testServer())

	info := client.ServerInfo()
	require.NotNil(t, info)
	assert.Equal(t, "test-server", info.Name)

	// Connect again is a no-op.
	require.NoError(t, client.Connect(context.Background()))
}

func TestClientOperationsRequireConnect(t *testing.T) {
	client := NewClient("stdio://test")

	_, err := client.ListTools(context.Background())
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Nil(t, client.ServerInfo())
}

func TestClientCallToolSuccess(t *testing.T) {
	client := newTestClient(t, testServer())

	result, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
}

func TestClientCallToolUnknownName(t *testing.T) {
	client := newTestClient(t, testServer())

	_, err := client.CallTool(context.Background(), "absent", nil)
	var notFound *ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "absent", notFound.Name)
}

func TestClientCallToolFailureIsData(t *testing.T) {
	server := testServer()
	server.RegisterToolHandler(ToolInfo{Name: "boom"}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		return nil, errors.New("tool exploded")
	})
	client := newTestClient(t, server)

	result, err := client.CallTool(context.Background(), "boom", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tool exploded", result.ErrorMessage)
}

func TestClientCallToolRejectsInvalidArguments(t *testing.T) {
	server := testServer()
	server.RegisterToolHandler(ToolInfo{
		Name: "add",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"a": {"type": "number"},
				"b": {"type": "number"}
			},
			"required": ["a", "b"]
		}`),
	}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		return []Content{{Type: "text", Text: "ok"}}, nil
	})

	transport := newServerTransport(server)
	client := NewClient("stdio://test",
		WithDialer(func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
			return transport, nil
		}))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	_, err := client.CallTool(context.Background(), "add", map[string]any{"a": "not a number", "b": 2})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "a", valErr.Field)

	// The rejected call never went out on the wire.
	for _, msg := range transport.sentMessages() {
		assert.NotEqual(t, MethodToolsCall, msg.Method)
	}
}

func TestClientResourcesAndPrompts(t *testing.T) {
	client := newTestClient(t, testServer())
	ctx := context.Background()

	resources, err := client.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)

	res, err := client.ReadResource(ctx, "memo://greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Contents[0].Text)

	_, err = client.ReadResource(ctx, "memo://absent")
	var notFound *ResourceNotFoundError
	assert.ErrorAs(t, err, &notFound)

	prompts, err := client.ListPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 1)

	prompt, err := client.GetPrompt(ctx, "summarize", nil)
	require.NoError(t, err)
	assert.Equal(t, "summarize a document", prompt.Description)
}

func TestClientHealthCheck(t *testing.T) {
	client := newTestClient(t, testServer())

	status := client.HealthCheck(context.Background())
	assert.True(t, status.Healthy)

	require.NoError(t, client.Disconnect(context.Background()))
	status = client.HealthCheck(context.Background())
	assert.False(t, status.Healthy)
}

func TestClientMiddlewareWrapsOperations(t *testing.T) {
	metrics := NewMetricsMiddleware()
	client := newTestClient(t, testServer(), WithMiddleware(metrics))
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))
	_, err := client.ListTools(ctx)
	require.NoError(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.PerOperation[MethodPing])
	assert.Equal(t, int64(1), snap.PerOperation[MethodToolsList])
}

func TestClientCachedListingsThroughMiddleware(t *testing.T) {
	cache := NewCacheMiddleware(nil)
	server := testServer()
	transport := newServerTransport(server)
	client := NewClient("stdio://test",
		WithMiddleware(cache),
		WithDialer(func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
			return transport, nil
		}))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	ctx := context.Background()
	_, err := client.ListTools(ctx)
	require.NoError(t, err)
	wireCalls := len(transport.sentMessages())

	_, err = client.ListTools(ctx)
	require.NoError(t, err)
	assert.Equal(t, wireCalls, len(transport.sentMessages()))
}

func TestClientDisconnectIsIdempotent(t *testing.T) {
	client := newTestClient(t, testServer())

	require.NoError(t, client.Disconnect(context.Background()))
	require.NoError(t, client.Disconnect(context.Background()))
}
