package queue

import (
	"math/rand"
	"time"
)

// DelayRange bounds the random gap, in whole minutes, between a new slot and
// the latest pending one.
type DelayRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// MaxDelayMinutes caps any single delay at one week.
const MaxDelayMinutes = 7 * 24 * 60

var (
	// ManualDelay applies to items added by a user.
	ManualDelay = DelayRange{Min: 5, Max: 20}
	// CycleDelay applies to generated items when the cycle has no bounds.
	CycleDelay = DelayRange{Min: 30, Max: 60}
)

// Normalize clamps bounds into [0, MaxDelayMinutes] and swaps inverted ones.
func (r DelayRange) Normalize() DelayRange {
	r.Min = min(max(r.Min, 0), MaxDelayMinutes)
	r.Max = min(max(r.Max, 0), MaxDelayMinutes)
	if r.Max < r.Min {
		r.Min, r.Max = r.Max, r.Min
	}
	return r
}

// Valid reports whether both bounds lie within [0, MaxDelayMinutes].
func (r DelayRange) Valid() bool {
	return r.Min >= 0 && r.Max >= 0 && r.Min <= MaxDelayMinutes && r.Max <= MaxDelayMinutes
}

// IsZero reports whether the range was left unset.
func (r DelayRange) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// draw picks a uniform whole number of minutes in [Min, Max].
func (r DelayRange) draw(rng *rand.Rand) int {
	r = r.Normalize()
	return r.Min + rng.Intn(r.Max-r.Min+1)
}

// nextSlot places a new item d minutes after the latest pending one, or
// after now when nothing is pending.
func nextSlot(latest *time.Time, now time.Time, minutes int) time.Time {
	base := now
	if latest != nil {
		base = *latest
	}
	return base.Add(time.Duration(minutes) * time.Minute)
}
