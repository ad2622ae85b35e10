package mcpconn

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
)

func TestValidTransitions(t *testing.T) {
	t.Parallel()
	allowed := []struct{ from, to State }{
		{StateConnecting, StateDiscovering},
		{StateConnecting, StateAuthenticating},
		{StateConnecting, StateFailed},
		{StateDiscovering, StateReady},
		{StateDiscovering, StateFailed},
		{StateReady, StateConnecting},
		{StateReady, StateFailed},
		{StateAuthenticating, StateConnecting},
		{StateAuthenticating, StateFailed},
		{StateFailed, StateConnecting},
	}
	for _, tc := range allowed {
		assert.True(t, validTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{StateConnecting, StateReady},
		{StateReady, StateDiscovering},
		{StateAuthenticating, StateReady},
		{StateFailed, StateReady},
		{StateDone, StateConnecting},
	}
	for _, tc := range denied {
		assert.False(t, validTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	for from := range transitions {
		if from == StateDone {
			continue
		}
		assert.True(t, validTransition(from, StateDone), "%s -> done", from)
	}
}

func TestStoreStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, configstore.StatusConnecting, storeStatus(StateConnecting, false))
	assert.Equal(t, configstore.StatusDiscovering, storeStatus(StateDiscovering, false))
	assert.Equal(t, configstore.StatusAuthenticating, storeStatus(StateAuthenticating, false))
	assert.Equal(t, configstore.StatusConnected, storeStatus(StateReady, true))
	assert.Equal(t, configstore.StatusDisconnected, storeStatus(StateReady, false))
	assert.Equal(t, configstore.StatusFailed, storeStatus(StateFailed, false))
}

func TestIsUnauthorized(t *testing.T) {
	t.Parallel()
	assert.False(t, IsUnauthorized(nil))
	assert.False(t, IsUnauthorized(errors.New("connection refused")))

	assert.True(t, IsUnauthorized(errors.New("server returned 401 Unauthorized")))
	assert.True(t, IsUnauthorized(errors.New("403 Forbidden")))
	assert.True(t, IsUnauthorized(errors.New("oauth: invalid_token")))

	wrapped := fmt.Errorf("connect: %w", &UnauthorizedError{Err: errors.New("nope")})
	assert.True(t, IsUnauthorized(wrapped))
}

func TestIsMethodUnavailable(t *testing.T) {
	t.Parallel()
	assert.False(t, isMethodUnavailable(nil, "tools/list"))
	assert.False(t, isMethodUnavailable(errors.New("boom"), "tools/list"))

	assert.True(t, isMethodUnavailable(errors.New("jsonrpc error -32601: method not found"), "tools/list"))
	assert.True(t, isMethodUnavailable(errors.New("prompts/list not implemented"), "prompts/list"))
	assert.True(t, isMethodUnavailable(errors.New("server does not support resources"), "resources/list"))
}
