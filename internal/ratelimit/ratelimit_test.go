package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded first hop", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, remote: "10.0.0.2:1234", want: "203.0.113.7"},
		{name: "forwarded single", headers: map[string]string{"X-Forwarded-For": "203.0.113.8"}, remote: "10.0.0.2:1234", want: "203.0.113.8"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.4"}, remote: "10.0.0.2:1234", want: "198.51.100.4"},
		{name: "remote addr", remote: "192.0.2.10:5555", want: "192.0.2.10"},
		{name: "ipv6 remote", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/health", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			require.Equal(t, tc.want, ClientIP(r))
		})
	}
}

func TestMemoryFixedWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(2, time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := m.Allow(ctx, "ip")
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d, _ = m.Allow(ctx, "ip")
	require.True(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	d, _ = m.Allow(ctx, "ip")
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, 60, d.RetryAfter(now))

	other, _ := m.Allow(ctx, "other-ip")
	require.True(t, other.Allowed, "keys are independent")

	now = now.Add(time.Minute)
	d, _ = m.Allow(ctx, "ip")
	require.True(t, d.Allowed, "window resets")
}

func TestMemorySweepsExpiredWindows(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(10, time.Second)
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, _ = m.Allow(context.Background(), string(rune('a'+i)))
	}
	require.Equal(t, 5, m.Len())

	now = now.Add(2 * time.Second)
	for i := 0; i < sweepEvery; i++ {
		_, _ = m.Allow(context.Background(), "steady")
	}
	require.Equal(t, 1, m.Len())
}

func TestRetryAfterFloor(t *testing.T) {
	now := time.Now()
	require.Equal(t, 1, Decision{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
	require.Equal(t, 2, Decision{ResetAt: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
}

func TestRedisLimiter(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedis(client, 2, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 2, d.Limit)
	require.Equal(t, 0, d.Remaining)
	require.True(t, s.TTL("ratelimit:203.0.113.7") > 0)

	s.FastForward(31 * time.Second)
	d, err = l.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, d.Allowed, "window expires with the key")
}

func TestRedisLimiterRepairsMissingExpiry(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, s.Set("ratelimit:stuck", "5"))
	l := NewRedis(client, 100, time.Minute)
	d, err := l.Allow(context.Background(), "stuck")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, s.TTL("ratelimit:stuck") > 0)
}
