package models

import "time"

// HealthStatus is the operational state derived from time since last contact
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthDead     HealthStatus = "dead"
	HealthUnknown  HealthStatus = "unknown"
)

// AllHealthStatuses lists every status, used for metrics gauges
var AllHealthStatuses = []HealthStatus{HealthOK, HealthWarning, HealthCritical, HealthDead, HealthUnknown}

// HealthRecord tracks liveness and data freshness for one device
type HealthRecord struct {
	DeviceID           string           `json:"device_id"`
	DeviceName         string           `json:"device_name"`
	DeviceType         DeviceType       `json:"device_type"`
	LastSeen           *time.Time       `json:"last_seen,omitempty"`
	LastMeaningfulData *time.Time       `json:"last_meaningful_data,omitempty"`
	PreviousValues     map[string]Value `json:"previous_values"`
	Battery            *uint8           `json:"battery,omitempty"`
	LinkQuality        *uint16          `json:"link_quality,omitempty"`
	Status             HealthStatus     `json:"status"`
}

// Clone returns a deep copy safe to hand to readers
func (r *HealthRecord) Clone() HealthRecord {
	out := *r
	if r.LastSeen != nil {
		t := *r.LastSeen
		out.LastSeen = &t
	}
	if r.LastMeaningfulData != nil {
		t := *r.LastMeaningfulData
		out.LastMeaningfulData = &t
	}
	if r.Battery != nil {
		b := *r.Battery
		out.Battery = &b
	}
	if r.LinkQuality != nil {
		l := *r.LinkQuality
		out.LinkQuality = &l
	}
	out.PreviousValues = make(map[string]Value, len(r.PreviousValues))
	for k, v := range r.PreviousValues {
		out.PreviousValues[k] = v
	}
	return out
}
