package mcpwire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, servers map[string]*Server, options ...PipelineOption) *Pipeline {
	t.Helper()

	options = append(options, WithClientOptions(WithDialer(
		func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
			return newServerTransport(servers[address]), nil
		})))
	pipeline := NewPipeline(options...)
	t.Cleanup(func() { _ = pipeline.Close(context.Background()) })

	for name := range servers {
		_, err := pipeline.AddServer(context.Background(), name, name)
		require.NoError(t, err)
	}
	return pipeline
}

func twoServers() map[string]*Server {
	first := NewServer("alpha", "1.0.0")
	first.RegisterToolHandler(ToolInfo{Name: "upper"}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		return []Content{{Type: "text", Text: "ALPHA"}}, nil
	})

	second := NewServer("beta", "1.0.0")
	second.RegisterToolHandler(ToolInfo{Name: "lower"}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		return []Content{{Type: "text", Text: "beta"}}, nil
	})

	return map[string]*Server{"alpha": first, "beta": second}
}

func TestPipelineAddAndCall(t *testing.T) {
	pipeline := newTestPipeline(t, twoServers())
	ctx := context.Background()

	assert.ElementsMatch(t, []string{"alpha", "beta"}, pipeline.Servers())

	result, err := pipeline.CallTool(ctx, "alpha", "upper", nil)
	require.NoError(t, err)
	assert.Equal(t, "ALPHA", result.Content[0].Text)

	result, err = pipeline.CallTool(ctx, "beta", "lower", nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", result.Content[0].Text)
}

func TestPipelineRejectsDuplicateNames(t *testing.T) {
	pipeline := newTestPipeline(t, twoServers())

	_, err := pipeline.AddServer(context.Background(), "alpha", "alpha")
	assert.ErrorContains(t, err, "already registered")
}

func TestPipelineUnknownServer(t *testing.T) {
	pipeline := newTestPipeline(t, twoServers())

	_, err := pipeline.CallTool(context.Background(), "gamma", "upper", nil)
	assert.ErrorContains(t, err, "not registered")
	assert.Nil(t, pipeline.Client("gamma"))
}

func TestPipelineRemoveServer(t *testing.T) {
	pipeline := newTestPipeline(t, twoServers())
	ctx := context.Background()

	require.NoError(t, pipeline.RemoveServer(ctx, "alpha"))
	assert.Nil(t, pipeline.Client("alpha"))

	// Removing an unknown name is a no-op.
	require.NoError(t, pipeline.RemoveServer(ctx, "alpha"))
}

func TestPipelineHealthCheck(t *testing.T) {
	pipeline := newTestPipeline(t, twoServers())

	statuses := pipeline.HealthCheck(context.Background())
	require.Len(t, statuses, 2)
	assert.True(t, statuses["alpha"].Healthy)
	assert.True(t, statuses["beta"].Healthy)
}

func TestPipelineBatch(t *testing.T) {
	pipeline := newTestPipeline(t, twoServers())

	results := pipeline.Batch(context.Background(), []BatchCall{
		{Server: "alpha", Tool: "upper"},
		{Server: "beta", Tool: "lower"},
		{Server: "gamma", Tool: "upper"},
		{Server: "alpha", Tool: "missing"},
	})
	require.Len(t, results, 4)

	// Results stay in call order and one failure never aborts siblings.
	require.NoError(t, results[0].Err)
	assert.Equal(t, "ALPHA", results[0].Result.Content[0].Text)
	require.NoError(t, results[1].Err)
	assert.Equal(t, "beta", results[1].Result.Content[0].Text)

	assert.ErrorContains(t, results[2].Err, "not registered")

	var notFound *ToolNotFoundError
	assert.ErrorAs(t, results[3].Err, &notFound)
}

func TestPipelineSharedMiddleware(t *testing.T) {
	metrics := NewMetricsMiddleware()
	pipeline := newTestPipeline(t, twoServers(), WithSharedMiddleware(metrics))
	ctx := context.Background()

	_, err := pipeline.CallTool(ctx, "alpha", "upper", nil)
	require.NoError(t, err)
	_, err = pipeline.CallTool(ctx, "beta", "lower", nil)
	require.NoError(t, err)

	// Both clients report into the one shared collector. Each CallTool
	// also triggers the catalog fetch behind the name check.
	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.PerOperation[MethodToolsCall])
	assert.Equal(t, int64(2), snap.PerOperation[MethodToolsList])
}
