// Package sla implements the SLA & progress engine: progress report
// tracking and the graduated stale-task recommendation scan
// (spec.md §4.F).
package sla

import (
	"context"
	"time"

	m "github.com/ocx/hubd/internal/model"
)

// Thresholds mirrors internal/config's SLAThresholds, expressed as
// durations so the engine does not need to know about config's
// millisecond/minute representation.
type Thresholds struct {
	CriticalPing, CriticalReassign, CriticalEscalate time.Duration
	HighPing, HighReassign, HighEscalate             time.Duration
	MediumPing, MediumReassign                       time.Duration
	LowPing                                          time.Duration
}

// DefaultThresholds returns the lattice given in spec.md §4.F.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalPing: 5 * time.Minute, CriticalReassign: 15 * time.Minute, CriticalEscalate: 30 * time.Minute,
		HighPing: 15 * time.Minute, HighReassign: 60 * time.Minute, HighEscalate: 120 * time.Minute,
		MediumPing: 60 * time.Minute, MediumReassign: 240 * time.Minute,
		LowPing: 240 * time.Minute,
	}
}

// Recommendation is one stale-task scan result.
type Recommendation struct {
	TaskID     string                    `json:"taskId"`
	Assignee   string                    `json:"assignee"`
	Level      m.SLARecommendation       `json:"recommendation"`
	AgeMinutes float64                   `json:"ageMinutes"`
}

// TaskSnapshot is the minimal task state the scan needs, decoupling it
// from the task package's storage representation.
type TaskSnapshot struct {
	TaskID                string
	Assignee              string
	Criticality           m.Criticality
	Percent               float64
	LastTransitionAt      time.Time
	LastProgressReportAt  time.Time
	AssigneeQuarantined   bool
}

// Recommend maps one task's staleness to a graduated recommendation
// per the exact lattice of spec.md §4.F, evaluated as of now.
func Recommend(t TaskSnapshot, th Thresholds, now time.Time) Recommendation {
	if t.AssigneeQuarantined {
		return Recommendation{TaskID: t.TaskID, Assignee: t.Assignee, Level: m.RecommendEscalate, AgeMinutes: age(t, now).Minutes()}
	}

	staleness := age(t, now)
	level := classify(t.Criticality, staleness, t.Percent, th)
	return Recommendation{TaskID: t.TaskID, Assignee: t.Assignee, Level: level, AgeMinutes: staleness.Minutes()}
}

func age(t TaskSnapshot, now time.Time) time.Duration {
	last := t.LastTransitionAt
	if t.LastProgressReportAt.After(last) {
		last = t.LastProgressReportAt
	}
	if last.IsZero() {
		return 0
	}
	return now.Sub(last)
}

func classify(crit m.Criticality, staleness time.Duration, percent float64, th Thresholds) m.SLARecommendation {
	switch crit {
	case m.CriticalityCritical:
		switch {
		case staleness >= th.CriticalEscalate:
			return m.RecommendEscalate
		case staleness >= th.CriticalReassign:
			return m.RecommendReassign
		case staleness >= th.CriticalPing:
			return m.RecommendPing
		}
		return m.RecommendNone
	case m.CriticalityHigh:
		switch {
		case staleness >= th.HighEscalate:
			return m.RecommendEscalate
		case staleness >= th.HighReassign:
			return m.RecommendReassign
		case staleness >= th.HighPing:
			return m.RecommendPing
		}
		return m.RecommendNone
	case m.CriticalityLow:
		if staleness >= th.LowPing {
			return m.RecommendPing
		}
		return m.RecommendNone
	default: // medium or unset
		switch {
		case staleness > th.MediumReassign:
			return m.RecommendReassign
		case staleness > th.MediumPing && percent < 25:
			return m.RecommendPing
		}
		return m.RecommendNone
	}
}

// Scanner owns the set of in-flight tasks to evaluate; implemented by
// internal/router's Router.
type Scanner interface {
	InFlightSnapshots(ctx context.Context) ([]TaskSnapshot, error)
}

// Scan runs one stale-task pass over every task the scanner reports.
func Scan(ctx context.Context, scanner Scanner, th Thresholds) ([]Recommendation, error) {
	snapshots, err := scanner.InFlightSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]Recommendation, 0, len(snapshots))
	for _, snap := range snapshots {
		rec := Recommend(snap, th, now)
		if rec.Level != m.RecommendNone {
			out = append(out, rec)
		}
	}
	return out, nil
}
