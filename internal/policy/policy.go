// Package policy decides from a recipient's bounce history whether the
// linked account should be deactivated.
package policy

import (
	"time"

	"mail-deliverability-go/internal/bounce"
)

const (
	DefaultHardWindow    = 21 * 24 * time.Hour
	DefaultHardThreshold = 3
	DefaultSoftWindow    = 35 * 24 * time.Hour
	DefaultSoftThreshold = 5
	DefaultMaxBounces    = 20
)

// Policy holds the rolling-window thresholds.
type Policy struct {
	HardWindow    time.Duration
	HardThreshold int
	SoftWindow    time.Duration
	SoftThreshold int
	// MaxBounces caps the total number of bounces regardless of window.
	MaxBounces int
}

// Default returns the policy with the standard thresholds.
func Default() Policy {
	return Policy{
		HardWindow:    DefaultHardWindow,
		HardThreshold: DefaultHardThreshold,
		SoftWindow:    DefaultSoftWindow,
		SoftThreshold: DefaultSoftThreshold,
		MaxBounces:    DefaultMaxBounces,
	}
}

// Counts summarizes a bounce history as seen at one point in time.
type Counts struct {
	HardInWindow int `json:"hard_in_window"`
	SoftInWindow int `json:"soft_in_window"`
	Total        int `json:"total"`
}

// Count tallies events relative to now. Windows are inclusive of their
// lower edge.
func (p Policy) Count(events []bounce.Event, now time.Time) Counts {
	hardSince := now.Add(-p.HardWindow)
	softSince := now.Add(-p.SoftWindow)

	var c Counts
	for _, ev := range events {
		if !ev.IsBounce {
			continue
		}
		c.Total++
		switch ev.Type {
		case bounce.TypeHard:
			if !ev.Timestamp.Before(hardSince) {
				c.HardInWindow++
			}
		case bounce.TypeSoft:
			if !ev.Timestamp.Before(softSince) {
				c.SoftInWindow++
			}
		}
	}
	return c
}

// ShouldDeactivate is side-effect free; callers re-evaluate it after every
// append since events age out of the windows.
func (p Policy) ShouldDeactivate(events []bounce.Event, now time.Time) bool {
	c := p.Count(events, now)
	if p.HardThreshold > 0 && c.HardInWindow >= p.HardThreshold {
		return true
	}
	if p.SoftThreshold > 0 && c.SoftInWindow >= p.SoftThreshold {
		return true
	}
	return p.MaxBounces > 0 && c.Total >= p.MaxBounces
}
