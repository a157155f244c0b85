// Package launcher implements the auto-launcher policy engine: rate
// limiting, deduplication, and a per-target circuit breaker guarding
// automatic handoff-triggered agent spawns (spec.md §4.I).
package launcher

import (
	"sync"
	"time"
)

// Denial is the reason a canLaunch check refused to allow a spawn.
type Denial string

const (
	DenySelfHandoff     Denial = "self-handoff"
	DenyCircuitOpen     Denial = "circuit breaker open"
	DenyDedup           Denial = "dedup"
	DenyRateLimit       Denial = "rate limit"
)

// Policy holds the tunable thresholds, normally sourced from config.
type Policy struct {
	MaxSpawnsPerMinute   int
	DeduplicationWindow  time.Duration
	FailureThreshold     int
	Cooldown             time.Duration
	SelfHandoffBlocked   bool
}

type breakerState struct {
	failures  int
	openedAt  time.Time
}

// Launcher tracks recent spawns and per-target circuit breaker state.
// Grounded on the teacher's circuit breaker state machine (closed /
// open / half-open), narrowed to the single canLaunch decision this
// daemon needs.
type Launcher struct {
	mu sync.Mutex

	policy Policy

	recentSpawns     []spawnRecord
	lastSpawnByTarget map[string]time.Time
	breakers          map[string]*breakerState
}

type spawnRecord struct {
	target    string
	timestamp time.Time
}

// New constructs a Launcher with the given policy.
func New(policy Policy) *Launcher {
	return &Launcher{
		policy:            policy,
		lastSpawnByTarget: make(map[string]time.Time),
		breakers:          make(map[string]*breakerState),
	}
}

// Decision is the result of a canLaunch check.
type Decision struct {
	Allowed bool
	Reason  Denial
}

// CanLaunch applies the decision order of spec.md §4.I: self-handoff,
// circuit breaker, dedup, rate limit, allow.
func (l *Launcher) CanLaunch(from, target string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()

	if l.policy.SelfHandoffBlocked && from == target {
		return Decision{Reason: DenySelfHandoff}
	}

	if b, ok := l.breakers[target]; ok && b.failures >= l.policy.FailureThreshold {
		if now.Sub(b.openedAt) < l.policy.Cooldown {
			return Decision{Reason: DenyCircuitOpen}
		}
		delete(l.breakers, target) // half-open: clear and allow a trial
	}

	if last, ok := l.lastSpawnByTarget[target]; ok && now.Sub(last) < l.policy.DeduplicationWindow {
		return Decision{Reason: DenyDedup}
	}

	l.pruneOldSpawnsLocked(now)
	if l.policy.MaxSpawnsPerMinute > 0 && len(l.recentSpawns) >= l.policy.MaxSpawnsPerMinute {
		return Decision{Reason: DenyRateLimit}
	}

	return Decision{Allowed: true}
}

func (l *Launcher) pruneOldSpawnsLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := l.recentSpawns[:0]
	for _, s := range l.recentSpawns {
		if s.timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	l.recentSpawns = kept
}

// RecordSpawn notes a successful spawn against target, resetting its
// circuit breaker and updating dedup/rate-limit bookkeeping.
func (l *Launcher) RecordSpawn(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	l.recentSpawns = append(l.recentSpawns, spawnRecord{target: target, timestamp: now})
	l.lastSpawnByTarget[target] = now
	delete(l.breakers, target)
}

// RecordFailure increments target's failure count, opening the
// breaker once it reaches the configured threshold.
func (l *Launcher) RecordFailure(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.breakers[target]
	if !ok {
		b = &breakerState{}
		l.breakers[target] = b
	}
	b.failures++
	if b.failures >= l.policy.FailureThreshold {
		b.openedAt = time.Now().UTC()
	}
}

// Reinstate clears target's circuit breaker, per the reinstate_agent
// request.
func (l *Launcher) Reinstate(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.breakers, target)
}

// BreakerStatus reports a target's current circuit breaker state for
// the check_circuit_breaker request.
type BreakerStatus struct {
	Target   string    `json:"target"`
	Open     bool      `json:"open"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"openedAt,omitempty"`
}

// Status returns target's current breaker state.
func (l *Launcher) Status(target string) BreakerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.breakers[target]
	if !ok {
		return BreakerStatus{Target: target}
	}
	open := b.failures >= l.policy.FailureThreshold && time.Now().UTC().Sub(b.openedAt) < l.policy.Cooldown
	return BreakerStatus{Target: target, Open: open, Failures: b.failures, OpenedAt: b.openedAt}
}

// ExpireRateLimitForTest clears recorded spawns, simulating the 60s
// rate-limit window having elapsed (operator test hook, spec.md §4.I).
func (l *Launcher) ExpireRateLimitForTest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recentSpawns = nil
}

// ExpireDedupForTest clears dedup bookkeeping for target.
func (l *Launcher) ExpireDedupForTest(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastSpawnByTarget, target)
}

// ExpireCircuitBreakerForTest forces target's breaker cooldown to have
// already elapsed.
func (l *Launcher) ExpireCircuitBreakerForTest(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.breakers[target]; ok {
		b.openedAt = time.Now().UTC().Add(-l.policy.Cooldown - time.Second)
	}
}
