package mcpconn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
)

func newBackendServer(t *testing.T) *mcp.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "backend", Version: "1.0.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "search",
		Description: "find things",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "ok"}},
		}, nil
	})
	return server
}

// dialInMemory wires each connection attempt to a fresh in-memory session
// against the given server.
func dialInMemory(server *mcp.Server) func(context.Context, configstore.ServerRecord) (mcp.Transport, error) {
	return func(context.Context, configstore.ServerRecord) (mcp.Transport, error) {
		serverTransport, clientTransport := mcp.NewInMemoryTransports()
		if _, err := server.Connect(context.Background(), serverTransport, nil); err != nil {
			return nil, err
		}
		return clientTransport, nil
	}
}

func newServerStore(t *testing.T, id string) *configstore.MemStore[configstore.ServerRecord] {
	t.Helper()
	store := configstore.NewMemStore[configstore.ServerRecord]()
	t.Cleanup(store.Close)
	store.Set(id, configstore.ServerRecord{ID: id, URL: "https://" + id + ".example"})
	return store
}

func waitForState(t *testing.T, c *Connection, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == want
	}, 5*time.Second, 10*time.Millisecond, "state never reached %s (now %s)", want, c.State())
}

func TestConnectionReachesReadyAndForwardsCalls(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newServerStore(t, "a")
	server := newBackendServer(t)

	conn := New("a", store, nil, nil, &Options{DialTransport: dialInMemory(server)})
	conn.Start(ctx)
	waitForState(t, conn, StateReady)

	snap := conn.Snapshot()
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "search", snap.Tools[0].Name)

	rec, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, configstore.StatusConnected, rec.Status)
	assert.Equal(t, "backend", rec.Name)

	res, err := conn.CallTool(ctx, "search", map[string]any{"q": "x"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)

	conn.Cleanup()
	waitForState(t, conn, StateDone)
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("run loop did not exit after cleanup")
	}
	rec, _ = store.Get("a")
	assert.Equal(t, configstore.StatusDisconnected, rec.Status)
}

func TestConnectionUnauthorizedThenAuthenticate(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newServerStore(t, "a")
	server := newBackendServer(t)

	var authorized atomic.Bool
	dial := func(dctx context.Context, rec configstore.ServerRecord) (mcp.Transport, error) {
		if !authorized.Load() {
			return nil, errors.New("server returned 401 Unauthorized")
		}
		return dialInMemory(server)(dctx, rec)
	}

	conn := New("a", store, nil, nil, &Options{DialTransport: dial})
	conn.Start(ctx)
	waitForState(t, conn, StateAuthenticating)

	rec, _ := store.Get("a")
	assert.Equal(t, configstore.StatusAuthenticating, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, 401, rec.Error.Code)

	// No automatic retry while authorization is outstanding.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateAuthenticating, conn.State())
	assert.Equal(t, 0, conn.Retries())

	authorized.Store(true)
	conn.Authenticate()
	waitForState(t, conn, StateReady)
	assert.Equal(t, 1, conn.Retries())
}

func TestConnectionFailedRetriesAfterBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newServerStore(t, "a")
	server := newBackendServer(t)

	var attempts atomic.Int32
	dial := func(dctx context.Context, rec configstore.ServerRecord) (mcp.Transport, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return dialInMemory(server)(dctx, rec)
	}

	conn := New("a", store, nil, nil, &Options{
		DialTransport: dial,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
	})
	conn.Start(ctx)

	waitForState(t, conn, StateReady)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
	assert.GreaterOrEqual(t, conn.Retries(), 2)
	assert.NoError(t, conn.LastError())
}

func TestConnectionRefreshesChangedListOnly(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promptHandler := func(context.Context, *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Messages: []*mcp.PromptMessage{{Role: "user", Content: &mcp.TextContent{Text: "hi"}}},
		}, nil
	}
	server := newBackendServer(t)
	server.AddPrompt(&mcp.Prompt{Name: "summarize"}, promptHandler)

	var published atomic.Value
	publish := func(snap Snapshot) { published.Store(snap) }

	store := newServerStore(t, "a")
	conn := New("a", store, nil, publish, &Options{DialTransport: dialInMemory(server)})
	conn.Start(ctx)
	waitForState(t, conn, StateReady)
	require.Len(t, conn.Snapshot().Tools, 1)
	require.Len(t, conn.Snapshot().Prompts, 1)

	// Registering a tool notifies the live session; the connection re-fetches
	// the tool list and republishes, leaving the prompt list untouched.
	server.AddTool(&mcp.Tool{
		Name:        "lookup",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
	})
	require.Eventually(t, func() bool {
		snap, ok := published.Load().(Snapshot)
		return ok && len(snap.Tools) == 2
	}, 5*time.Second, 10*time.Millisecond)
	snap := published.Load().(Snapshot)
	assert.Equal(t, StateReady, snap.State)
	assert.Len(t, snap.Prompts, 1)

	server.AddPrompt(&mcp.Prompt{Name: "expand"}, promptHandler)
	require.Eventually(t, func() bool {
		snap, ok := published.Load().(Snapshot)
		return ok && len(snap.Prompts) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, published.Load().(Snapshot).Tools, 2)

	rec, _ := store.Get("a")
	assert.Equal(t, configstore.StatusConnected, rec.Status)
}

func TestRefreshFailureFlipsConnectedToDisconnected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newServerStore(t, "a")
	server := newBackendServer(t)

	newSession := func() *mcp.ClientSession {
		serverTransport, clientTransport := mcp.NewInMemoryTransports()
		_, err := server.Connect(ctx, serverTransport, nil)
		require.NoError(t, err)
		client := mcp.NewClient(&mcp.Implementation{Name: "refresh-test-client", Version: "1.0.0"}, nil)
		session, err := client.Connect(ctx, clientTransport, nil)
		require.NoError(t, err)
		return session
	}

	// Drive the refresh directly against a hand-wired ready connection, so
	// the failure path is observable without the run loop tearing it down
	// through its session monitor first.
	conn := New("a", store, nil, nil, nil)
	session := newSession()
	conn.mu.Lock()
	conn.state = StateReady
	conn.live = true
	conn.session = session
	conn.mu.Unlock()

	require.NoError(t, session.Close())
	conn.refreshTools(ctx)

	conn.mu.RLock()
	live := conn.live
	conn.mu.RUnlock()
	assert.False(t, live)
	rec, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, configstore.StatusDisconnected, rec.Status)

	// A later successful refresh flips the sub-cycle back to connected.
	replacement := newSession()
	t.Cleanup(func() { _ = replacement.Close() })
	conn.mu.Lock()
	conn.session = replacement
	conn.mu.Unlock()
	conn.refreshTools(ctx)

	conn.mu.RLock()
	live = conn.live
	conn.mu.RUnlock()
	assert.True(t, live)
	rec, _ = store.Get("a")
	assert.Equal(t, configstore.StatusConnected, rec.Status)
	require.Len(t, conn.Snapshot().Tools, 1)
}

func TestConnectionResourceSnapshotAndReadDedup(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const uri = "res://a/config"
	var reads atomic.Int32
	release := make(chan struct{})

	server := mcp.NewServer(&mcp.Implementation{Name: "backend", Version: "1.0.0"}, nil)
	server.AddResource(&mcp.Resource{
		URI:      uri,
		Name:     "config",
		MIMEType: "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if reads.Add(1) > 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      uri,
				MIMEType: "application/json",
				Text:     `{"retries": 3}`,
			}},
		}, nil
	})

	store := newServerStore(t, "a")
	conn := New("a", store, nil, nil, &Options{DialTransport: dialInMemory(server)})
	conn.Start(ctx)
	waitForState(t, conn, StateReady)

	// Discovery pulls the initial snapshot and decodes it by MIME type.
	require.Eventually(t, func() bool {
		_, ok := conn.Snapshot().Contents[uri]
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	content := conn.Snapshot().Contents[uri]
	require.NotNil(t, content.JSON)
	parsed, ok := content.JSON.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), parsed["retries"])

	// The second read blocks in the backend; further requests for the same
	// URI must be collapsed by the pending set.
	conn.ReadResource(uri)
	require.Eventually(t, func() bool {
		return reads.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	conn.ReadResource(uri)
	conn.ReadResource(uri)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), reads.Load())

	close(release)
	// The pending entry clears after completion, so a new read goes through.
	require.Eventually(t, func() bool {
		conn.ReadResource(uri)
		return reads.Load() > 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConnectionMissingConfigFails(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := configstore.NewMemStore[configstore.ServerRecord]()
	t.Cleanup(store.Close)

	conn := New("ghost", store, nil, nil, &Options{
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	})
	conn.Start(ctx)
	waitForState(t, conn, StateFailed)
	assert.Error(t, conn.LastError())
}
