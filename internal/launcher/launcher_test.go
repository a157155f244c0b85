package launcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		MaxSpawnsPerMinute:  2,
		DeduplicationWindow: 50 * time.Millisecond,
		FailureThreshold:    2,
		Cooldown:            50 * time.Millisecond,
		SelfHandoffBlocked:  true,
	}
}

func TestSelfHandoffBlocked(t *testing.T) {
	l := New(testPolicy())
	d := l.CanLaunch("claude", "claude")
	require.False(t, d.Allowed)
	require.Equal(t, DenySelfHandoff, d.Reason)
}

func TestRateLimitDeniesAfterMaxSpawnsPerMinute(t *testing.T) {
	l := New(testPolicy())
	l.RecordSpawn("codex")
	l.ExpireDedupForTest("codex")
	l.RecordSpawn("codex")
	l.ExpireDedupForTest("codex")

	d := l.CanLaunch("claude", "codex")
	require.False(t, d.Allowed)
	require.Equal(t, DenyRateLimit, d.Reason)

	l.ExpireRateLimitForTest()
	d = l.CanLaunch("claude", "codex")
	require.True(t, d.Allowed)
}

func TestDedupDeniesWithinWindowThenAllows(t *testing.T) {
	l := New(testPolicy())
	l.RecordSpawn("codex")

	d := l.CanLaunch("claude", "codex")
	require.False(t, d.Allowed)
	require.Equal(t, DenyDedup, d.Reason)

	time.Sleep(60 * time.Millisecond)
	d = l.CanLaunch("claude", "codex")
	require.True(t, d.Allowed)
}

func TestCircuitBreakerOpensAndReopensAfterCooldown(t *testing.T) {
	l := New(testPolicy())
	l.RecordFailure("codex")
	l.RecordFailure("codex")

	d := l.CanLaunch("claude", "codex")
	require.False(t, d.Allowed)
	require.Equal(t, DenyCircuitOpen, d.Reason)

	l.ExpireCircuitBreakerForTest("codex")
	d = l.CanLaunch("claude", "codex")
	require.True(t, d.Allowed, "breaker should be half-open and allow a trial after cooldown")
}

func TestReinstateClearsBreaker(t *testing.T) {
	l := New(testPolicy())
	l.RecordFailure("codex")
	l.RecordFailure("codex")
	l.Reinstate("codex")

	d := l.CanLaunch("claude", "codex")
	require.True(t, d.Allowed)
}
