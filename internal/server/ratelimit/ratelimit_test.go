package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_Take(t *testing.T) {
	clock := newFakeClock()
	bucket := newTokenBucket(10, 1.0, clock.Now())

	for i := 0; i < 10; i++ {
		allowed, remaining, _ := bucket.take(clock.Now())
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 9-i, remaining)
	}

	allowed, remaining, reset := bucket.take(clock.Now())
	assert.False(t, allowed)
	assert.Zero(t, remaining)
	assert.Equal(t, clock.Now().Add(10*time.Second), reset)
}

func TestTokenBucket_Refill(t *testing.T) {
	clock := newFakeClock()
	bucket := newTokenBucket(10, 1.0, clock.Now())
	for i := 0; i < 10; i++ {
		bucket.take(clock.Now())
	}

	clock.Advance(1100 * time.Millisecond)
	allowed, _, _ := bucket.take(clock.Now())
	assert.True(t, allowed)

	allowed, _, _ = bucket.take(clock.Now())
	assert.False(t, allowed)

	clock.Advance(time.Hour)
	_, remaining, reset := bucket.take(clock.Now())
	assert.Equal(t, 9, remaining, "refill is capped at capacity")
	assert.True(t, reset.After(clock.Now()))
}

func TestLimiter_Allow(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  10,
		DefaultWindow: time.Minute,
	}, WithClock(clock.Now))
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 10, info.Limit)
		assert.Equal(t, 9-i, info.Remaining)
	}

	allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
	assert.False(t, allowed)
	assert.Zero(t, info.Remaining)
	assert.Equal(t, 6*time.Second, info.RetryAfter)

	// A different client has its own bucket.
	allowed, _ = limiter.Allow("10.0.0.2", "/runs", "GET")
	assert.True(t, allowed)

	clock.Advance(7 * time.Second)
	allowed, _ = limiter.Allow("127.0.0.1", "/runs", "GET")
	assert.True(t, allowed)
}

func TestLimiter_PatternSharesBucket(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/runs/{run_id}/advance", Method: "POST", Limit: 2, Window: time.Hour, Burst: 2},
		},
	}, WithClock(newFakeClock().Now))
	defer limiter.Stop()

	allowed, info := limiter.Allow("c", "/runs/a/advance", "POST")
	assert.True(t, allowed)
	assert.Equal(t, "/runs/{run_id}/advance", info.Pattern)
	allowed, _ = limiter.Allow("c", "/runs/b/advance", "POST")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("c", "/runs/c/advance", "POST")
	assert.False(t, allowed)

	// Other methods and paths use the default limit.
	allowed, info = limiter.Allow("c", "/runs/a", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)
}

func TestLimiter_Whitelist(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"127.0.0.1": true},
	})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}
}

func TestLimiter_Blacklist(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		Blacklist:     map[string]bool{"192.168.1.1": true},
	})
	defer limiter.Stop()

	allowed, _ := limiter.Allow("192.168.1.1", "/runs", "GET")
	assert.False(t, allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(&Config{Enabled: false})
	defer limiter.Stop()

	for i := 0; i < 50; i++ {
		allowed, _ := limiter.Allow("127.0.0.1", "/runs", "POST")
		assert.True(t, allowed)
	}
}

func TestLimiter_UnlimitedEndpoints(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:         true,
		DefaultLimit:    1,
		DefaultWindow:   time.Minute,
		EndpointConfigs: DefaultEndpointConfigs(),
	})
	defer limiter.Stop()

	for i := 0; i < 20; i++ {
		allowed, _ := limiter.Allow("127.0.0.1", "/health", "GET")
		assert.True(t, allowed)
		allowed, _ = limiter.Allow("127.0.0.1", "/metrics", "GET")
		assert.True(t, allowed)
	}
}

func TestLimiter_EvictIdle(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  5,
		DefaultWindow: time.Minute,
		IdleTTL:       time.Minute,
	}, WithClock(clock.Now))
	defer limiter.Stop()

	limiter.Allow("a", "/runs", "GET")
	clock.Advance(30 * time.Second)
	limiter.Allow("b", "/runs", "GET")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, limiter.evictIdle())
	limiter.mu.Lock()
	assert.Len(t, limiter.buckets, 1)
	limiter.mu.Unlock()
}

func TestLimiter_StopTwice(t *testing.T) {
	limiter := NewLimiter(nil)
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Hour,
	}, WithClock(newFakeClock().Now))
	defer limiter.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if ok, _ := limiter.Allow("shared", "/runs", "GET"); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestMatchEndpoint(t *testing.T) {
	configs := DefaultEndpointConfigs()
	tests := []struct {
		path, method, want string
	}{
		{"/health", "GET", "/health"},
		{"/runs", "POST", "/runs"},
		{"/runs/r1/advance", "POST", "/runs/{run_id}/advance"},
		{"/runs/r1/resume", "POST", "/runs/{run_id}/resume"},
		{"/runs//advance", "POST", ""},
		{"/branches/b1", "DELETE", "/branches/"},
		{"/branches", "GET", ""},
		{"/definitions", "POST", "/definitions"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.method, tt.path), func(t *testing.T) {
			got := MatchEndpoint(tt.path, tt.method, configs)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Path)
		})
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("STORY_RATE_LIMIT_DEFAULT_LIMIT", "42")
	t.Setenv("STORY_RATE_LIMIT_WHITELIST", "10.0.0.1, 10.0.0.2,")

	cfg := LoadConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 42, cfg.DefaultLimit)
	assert.Equal(t, map[string]bool{"10.0.0.1": true, "10.0.0.2": true}, cfg.Whitelist)

	t.Setenv("STORY_RATE_LIMIT_ENABLED", "false")
	assert.False(t, LoadConfig().Enabled)
}
