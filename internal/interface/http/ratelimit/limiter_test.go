package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAdmitsWithinLimit(t *testing.T) {
	l := New(3, time.Second)
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("p1")
		require.True(t, ok)
	}
	ok, retryAfter := l.Allow("p1")
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestLimiterSlidingWindowEvicts(t *testing.T) {
	l := New(1, 50*time.Millisecond)
	ok, _ := l.Allow("p1")
	require.True(t, ok)
	ok, _ = l.Allow("p1")
	require.False(t, ok)
	time.Sleep(60 * time.Millisecond)
	ok, _ = l.Allow("p1")
	require.True(t, ok)
}

func TestLimiterIndependentPrincipals(t *testing.T) {
	l := New(1, time.Second)
	ok1, _ := l.Allow("p1")
	ok2, _ := l.Allow("p2")
	require.True(t, ok1)
	require.True(t, ok2)
}

func TestLimiterScenarioS4(t *testing.T) {
	l := New(30, 10*time.Second)
	for i := 0; i < 30; i++ {
		ok, _ := l.Allow("user")
		require.True(t, ok)
	}
	ok, _ := l.Allow("user")
	require.False(t, ok)
}
