package models

import (
	"sync/atomic"
	"time"
)

type sinceValue struct {
	at          time.Time
	approximate bool
}

// Since records when a device entered its current state, such as when a
// door was opened. An approximate value is a local fallback (usually
// "now") awaiting correction from the time-series store. Reads and writes
// are single atomic pointer operations so a background correction never
// races with telemetry processing.
type Since struct {
	v atomic.Pointer[sinceValue]
}

// NewSince creates a Since holding at
func NewSince(at time.Time, approximate bool) *Since {
	s := &Since{}
	s.v.Store(&sinceValue{at: at, approximate: approximate})
	return s
}

// Time returns the stored timestamp
func (s *Since) Time() time.Time {
	return s.v.Load().at
}

// Approximate reports whether the timestamp is still a fallback
func (s *Since) Approximate() bool {
	return s.v.Load().approximate
}

// Correct replaces the fallback with an authoritative timestamp
func (s *Since) Correct(at time.Time) {
	s.v.Store(&sinceValue{at: at})
}
