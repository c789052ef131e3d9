package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/vibechat/internal/auth"
)

// TestConnState verifies state names and that sessions skip the handshake
// state, which only exists inside ServeWS.
func TestConnState(t *testing.T) {
	req := require.New(t)
	req.Equal("connecting", stateConnecting.String())
	req.Equal("authenticated", stateAuthenticated.String())
	req.Equal("active", stateActive.String())
	req.Equal("closed", stateClosed.String())
	req.Equal("unknown", connState(42).String())

	h := newTestHub(t, seededStore())
	s := newSession(nil, h, auth.Identity{UserID: "alice"}, "test")
	req.Equal(stateAuthenticated, s.currentState())
	req.NoError(h.register(context.Background(), s))
	req.Equal(stateActive, s.currentState())
	s.Close()
	req.Equal(stateClosed, s.currentState())
}
