package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestOriginPolicy verifies origin normalization and matching.
func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"HTTP://LocalHost:3000", " https://chat.example ", "not a url", ""}, zap.NewNop())

	cases := []struct {
		name   string
		origin string
		want   bool
	}{
		{"exact", "http://localhost:3000", true},
		{"case insensitive", "http://LOCALHOST:3000", true},
		{"second entry", "https://chat.example", true},
		{"path ignored", "https://chat.example/some/page", true},
		{"wrong port", "http://localhost:8080", false},
		{"wrong scheme", "http://chat.example", false},
		{"missing", "", false},
		{"garbage", "::::", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			require.Equal(t, tc.want, policy.checkOrigin(r))
		})
	}
}

// TestOriginPolicyWildcard verifies "*" admits any well-formed origin.
func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, zap.NewNop())

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	require.True(t, policy.checkOrigin(r))

	r.Header.Del("Origin")
	require.False(t, policy.checkOrigin(r))
}

// TestRateLimiter verifies the bucket empties after its burst and does not
// refill before the interval.
func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)

	require.True(t, rl.allow())
	require.True(t, rl.allow())
	require.True(t, rl.allow())
	require.False(t, rl.allow())
}

// TestRateLimiterDefaults verifies invalid settings still produce a usable limiter.
func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	require.True(t, rl.allow())
}
