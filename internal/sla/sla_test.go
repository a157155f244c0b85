package sla

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	m "github.com/ocx/hubd/internal/model"
)

func TestCriticalGraduatedThresholds(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	cases := []struct {
		staleness time.Duration
		want      m.SLARecommendation
	}{
		{4 * time.Minute, m.RecommendNone},
		{5 * time.Minute, m.RecommendPing},
		{15 * time.Minute, m.RecommendReassign},
		{30 * time.Minute, m.RecommendEscalate},
	}
	for _, c := range cases {
		snap := TaskSnapshot{TaskID: "t", Criticality: m.CriticalityCritical, LastTransitionAt: now.Add(-c.staleness)}
		got := Recommend(snap, th, now)
		require.Equal(t, c.want, got.Level, "staleness %s", c.staleness)
	}
}

func TestMediumRequiresLowProgressForPing(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	stale := TaskSnapshot{TaskID: "t", Criticality: m.CriticalityMedium, Percent: 10, LastTransitionAt: now.Add(-61 * time.Minute)}
	require.Equal(t, m.RecommendPing, Recommend(stale, th, now).Level)

	progressed := TaskSnapshot{TaskID: "t", Criticality: m.CriticalityMedium, Percent: 80, LastTransitionAt: now.Add(-61 * time.Minute)}
	require.Equal(t, m.RecommendNone, Recommend(progressed, th, now).Level)
}

func TestLowOnlyPingsAtLongStaleness(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	snap := TaskSnapshot{TaskID: "t", Criticality: m.CriticalityLow, LastTransitionAt: now.Add(-241 * time.Minute)}
	require.Equal(t, m.RecommendPing, Recommend(snap, th, now).Level)
}

func TestQuarantinedAssigneeEscalatesDirectly(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now().UTC()
	snap := TaskSnapshot{TaskID: "t", Criticality: m.CriticalityLow, LastTransitionAt: now, AssigneeQuarantined: true}
	require.Equal(t, m.RecommendEscalate, Recommend(snap, th, now).Level)
}

type fakeScanner struct{ snaps []TaskSnapshot }

func (f fakeScanner) InFlightSnapshots(ctx context.Context) ([]TaskSnapshot, error) { return f.snaps, nil }

func TestSchedulerRunsAndStopsDeterministically(t *testing.T) {
	now := time.Now().UTC()
	scanner := fakeScanner{snaps: []TaskSnapshot{{TaskID: "t1", Criticality: m.CriticalityCritical, LastTransitionAt: now.Add(-10 * time.Minute)}}}

	results := make(chan []Recommendation, 4)
	sched := NewScheduler(scanner, DefaultThresholds(), 20*time.Millisecond, nil, func(r []Recommendation) {
		select {
		case results <- r:
		default:
		}
	})
	sched.Start(context.Background())
	defer sched.Stop()

	select {
	case recs := <-results:
		require.NotEmpty(t, recs)
	case <-time.After(time.Second):
		t.Fatal("expected scheduler to produce a scan result")
	}
}
