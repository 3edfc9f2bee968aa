package aggregator

import (
	"math"
	"sync"
	"time"

	"homesense-bridge/internal/models"
	"homesense-bridge/internal/taxonomy"
)

// DebounceKey identifies one property of one device
type DebounceKey struct {
	DeviceID string
	Property string
}

// debounceState is the last accepted sample for a key
type debounceState struct {
	lastEmittedAt time.Time
	lastValue     models.Value
}

// DetectorConfig holds debounce windows and minimum-change rules
type DetectorConfig struct {
	Windows       map[models.DeviceType]time.Duration
	DefaultWindow time.Duration
	// PropertyWindows overrides the device-type window for a property on
	// every device. A zero window leaves only the equality check.
	PropertyWindows map[string]time.Duration
	// MinChange maps a property to the smallest numeric delta that counts
	// as a change. Properties without a rule use equality.
	MinChange map[string]float64
}

// DefaultWindows returns the per-type debounce table
func DefaultWindows() map[models.DeviceType]time.Duration {
	return map[models.DeviceType]time.Duration{
		models.DeviceMotion:     5 * time.Second,
		models.DeviceContact:    1 * time.Second,
		models.DeviceVibration:  3 * time.Second,
		models.DeviceCO2:        60 * time.Second,
		models.DeviceClimate:    60 * time.Second,
		models.DeviceLight:      500 * time.Millisecond,
		models.DevicePlug:       500 * time.Millisecond,
		models.DeviceRemote:     100 * time.Millisecond,
		models.DeviceThermostat: 60 * time.Second,
	}
}

// DefaultDetectorConfig returns the per-type windows and the taxonomy's
// minimum-change rules
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Windows:       DefaultWindows(),
		DefaultWindow: time.Second,
		// availability is published only on change, so a quick
		// offline/online flap must not be swallowed
		PropertyWindows: map[string]time.Duration{taxonomy.AvailabilityProperty: 0},
		MinChange:       taxonomy.DefaultThresholds().MinChange,
	}
}

// ChangeDetector decides whether a raw sample becomes a domain event.
// It never touches the network or the event buffer.
type ChangeDetector struct {
	config DetectorConfig
	states map[DebounceKey]*debounceState
	mu     sync.Mutex
}

// NewChangeDetector creates a detector; zero-valued config fields fall back
// to the defaults
func NewChangeDetector(config DetectorConfig) *ChangeDetector {
	defaults := DefaultDetectorConfig()
	if config.Windows == nil {
		config.Windows = defaults.Windows
	}
	if config.DefaultWindow <= 0 {
		config.DefaultWindow = defaults.DefaultWindow
	}
	if config.MinChange == nil {
		config.MinChange = defaults.MinChange
	}
	if config.PropertyWindows == nil {
		config.PropertyWindows = defaults.PropertyWindows
	}
	return &ChangeDetector{
		config: config,
		states: make(map[DebounceKey]*debounceState),
	}
}

// Window returns the debounce window for a device type
func (cd *ChangeDetector) Window(deviceType models.DeviceType) time.Duration {
	if w, ok := cd.config.Windows[deviceType]; ok {
		return w
	}
	return cd.config.DefaultWindow
}

func (cd *ChangeDetector) windowFor(key DebounceKey, deviceType models.DeviceType) time.Duration {
	if w, ok := cd.config.PropertyWindows[key.Property]; ok {
		return w
	}
	return cd.Window(deviceType)
}

// Accept reports whether value for key should be emitted at now. Only an
// accepted sample mutates the stored state.
func (cd *ChangeDetector) Accept(key DebounceKey, deviceType models.DeviceType, value models.Value, now time.Time) bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	state, exists := cd.states[key]
	if !exists {
		// First observation: there is no previous state to compare against
		cd.states[key] = &debounceState{lastEmittedAt: now, lastValue: value}
		return true
	}

	if now.Sub(state.lastEmittedAt) < cd.windowFor(key, deviceType) {
		return false
	}

	if threshold, ok := cd.config.MinChange[key.Property]; ok {
		if !changedBy(state.lastValue, value, threshold) {
			return false
		}
	} else if value.Equal(state.lastValue) {
		return false
	}

	state.lastEmittedAt = now
	state.lastValue = value
	return true
}

// Forget drops every key belonging to deviceID
func (cd *ChangeDetector) Forget(deviceID string) {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	for key := range cd.states {
		if key.DeviceID == deviceID {
			delete(cd.states, key)
		}
	}
}

// Len returns the number of tracked keys
func (cd *ChangeDetector) Len() int {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return len(cd.states)
}

// changedBy is inclusive: a delta equal to threshold counts as a change.
// Non-numeric values fall back to equality.
func changedBy(previous, current models.Value, threshold float64) bool {
	prev, okPrev := previous.AsNumber()
	cur, okCur := current.AsNumber()
	if !okPrev || !okCur {
		return !previous.Equal(current)
	}
	return math.Abs(cur-prev) >= threshold
}
