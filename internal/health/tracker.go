// Package health tracks per-device liveness and data freshness.
//
// "Seen" means any communication at all, including heartbeats that only
// carry housekeeping fields. "Meaningful data" only advances when one of the
// device type's sensor fields actually changes, so a heartbeat proves the
// device is alive without making a stale reading look fresh.
package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"homesense-bridge/internal/models"
)

// Status age boundaries, closed on the upper side
const (
	WarningAfter  = 15 * time.Minute
	CriticalAfter = time.Hour
	DeadAfter     = 6 * time.Hour
)

// MeaningfulFields lists the fields whose change counts as real sensor data
var MeaningfulFields = map[models.DeviceType][]string{
	models.DeviceClimate:    {"temperature", "humidity", "pressure"},
	models.DeviceCO2:        {"co2", "temperature", "humidity"},
	models.DeviceMotion:     {"occupancy", "illuminance"},
	models.DeviceVibration:  {"vibration"},
	models.DeviceContact:    {"contact"},
	models.DeviceLight:      {"state", "brightness", "color_temp"},
	models.DevicePlug:       {"state", "power", "energy"},
	models.DeviceThermostat: {"local_temperature", "occupied_heating_setpoint", "current_heating_setpoint"},
	models.DeviceRemote:     {"action"},
}

// Classify is a pure function of the time since the device was last seen
func Classify(record *models.HealthRecord, now time.Time) models.HealthStatus {
	if record == nil || record.LastSeen == nil {
		return models.HealthUnknown
	}
	age := now.Sub(*record.LastSeen)
	switch {
	case age < WarningAfter:
		return models.HealthOK
	case age < CriticalAfter:
		return models.HealthWarning
	case age < DeadAfter:
		return models.HealthCritical
	default:
		return models.HealthDead
	}
}

// Tracker owns one HealthRecord per device
type Tracker struct {
	records map[string]*models.HealthRecord
	mu      sync.RWMutex
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*models.HealthRecord)}
}

func (t *Tracker) getOrCreate(device models.Device) *models.HealthRecord {
	record, exists := t.records[device.ID]
	if !exists {
		record = &models.HealthRecord{
			DeviceID:       device.ID,
			PreviousValues: make(map[string]models.Value),
			Status:         models.HealthUnknown,
		}
		t.records[device.ID] = record
	}
	record.DeviceName = device.Name
	record.DeviceType = device.Type
	return record
}

// Update records a message from device. declared is the message's own
// timestamp when it carried one. It reports whether meaningful data changed.
func (t *Tracker) Update(device models.Device, payload models.Payload, declared *time.Time, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.getOrCreate(device)

	at := now
	if declared != nil && !declared.IsZero() {
		at = *declared
	}

	if record.LastSeen == nil || at.After(*record.LastSeen) {
		seen := at
		record.LastSeen = &seen
	}

	changed := false
	for _, field := range MeaningfulFields[device.Type] {
		value := payload.Get(field)
		if !value.IsPresent() {
			continue
		}
		if prev, ok := record.PreviousValues[field]; !ok || !prev.Equal(value) {
			changed = true
		}
		record.PreviousValues[field] = value
	}
	if changed && (record.LastMeaningfulData == nil || at.After(*record.LastMeaningfulData)) {
		data := at
		record.LastMeaningfulData = &data
	}

	if battery, ok := payload.Number("battery"); ok {
		b := uint8(math.Max(0, math.Min(100, math.Round(battery))))
		record.Battery = &b
	}
	if lqi, ok := payload.Number("linkquality"); ok {
		l := uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(lqi))))
		record.LinkQuality = &l
	}

	record.Status = Classify(record, now)
	return changed
}

// Discover creates records for devices that have none yet, without marking
// them seen
func (t *Tracker) Discover(device models.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(device)
}

// Remove deletes the record of a device that disappeared from discovery
func (t *Tracker) Remove(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, deviceID)
}

// RecalculateAll refreshes every status. It only rewrites Status and
// returns the number of records whose status changed.
func (t *Tracker) RecalculateAll(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := 0
	for _, record := range t.records {
		status := Classify(record, now)
		if status != record.Status {
			record.Status = status
			changed++
		}
	}
	return changed
}

// Get returns a copy of one record
func (t *Tracker) Get(deviceID string) (models.HealthRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.records[deviceID]
	if !ok {
		return models.HealthRecord{}, false
	}
	return record.Clone(), true
}

// Snapshot returns copies of all records ordered by device name
func (t *Tracker) Snapshot() []models.HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.HealthRecord, 0, len(t.records))
	for _, record := range t.records {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Counts returns the number of devices in each status
func (t *Tracker) Counts() map[models.HealthStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[models.HealthStatus]int, len(models.AllHealthStatuses))
	for _, status := range models.AllHealthStatuses {
		counts[status] = 0
	}
	for _, record := range t.records {
		counts[record.Status]++
	}
	return counts
}
