package hubgateway

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpconn"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcphub"
)

func newBackend(t *testing.T) *mcp.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "backend-a", Version: "1.0.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "search",
		Description: "find things",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "hit"}},
		}, nil
	})
	return server
}

func newHubWithBackend(t *testing.T, backend *mcp.Server) *mcphub.Hub {
	t.Helper()
	servers := configstore.NewMemStore[configstore.ServerRecord]()
	t.Cleanup(servers.Close)

	hub, err := mcphub.New(mcphub.Options{
		Servers: servers,
		Connection: &mcpconn.Options{
			DialTransport: func(context.Context, configstore.ServerRecord) (mcp.Transport, error) {
				serverTransport, clientTransport := mcp.NewInMemoryTransports()
				if _, err := backend.Connect(context.Background(), serverTransport, nil); err != nil {
					return nil, err
				}
				return clientTransport, nil
			},
			NewBackOff: func() backoff.BackOff {
				return backoff.NewConstantBackOff(20 * time.Millisecond)
			},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hub.Start(ctx))
	t.Cleanup(hub.Stop)

	require.NoError(t, hub.Connect(configstore.ServerRecord{ID: "A", URL: "https://a.example"}))
	return hub
}

func TestGatewayExposesNamespacedCatalog(t *testing.T) {
	hub := newHubWithBackend(t, newBackend(t))

	gateway, err := NewGateway(hub, &Options{Path: "/mcp"})
	require.NoError(t, err)
	t.Cleanup(gateway.Close)

	ts := httptest.NewServer(gateway.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   ts.URL + "/mcp",
		HTTPClient: ts.Client(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	// The backend connects asynchronously; poll until the namespaced tool
	// shows up downstream.
	require.Eventually(t, func() bool {
		res, err := session.ListTools(ctx, nil)
		if err != nil {
			return false
		}
		for _, tool := range res.Tools {
			if tool.Name == "A:search" {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "A:search",
		Arguments: map[string]any{"q": "x"},
	})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hit", text.Text)
}

func TestMissingKeys(t *testing.T) {
	t.Parallel()
	old := map[string]struct{}{"a": {}, "b": {}, "c": {}}
	current := map[string]struct{}{"b": {}}
	assert.ElementsMatch(t, []string{"a", "c"}, missingKeys(old, current))
	assert.Empty(t, missingKeys(current, old))
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()
	opts := (*Options)(nil).withDefaults()
	assert.Equal(t, ":8700", opts.Addr)
	assert.Equal(t, "/mcp", opts.Path)
	assert.NotNil(t, opts.Implementation)
	assert.NotNil(t, opts.CORS)
	assert.NotNil(t, opts.Logger)
}
