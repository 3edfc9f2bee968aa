package models

import (
	"sort"
	"strings"
)

// DeviceType is the coarse role of a device, derived from its capabilities
type DeviceType string

const (
	DeviceClimate     DeviceType = "climate"
	DeviceMotion      DeviceType = "motion"
	DeviceVibration   DeviceType = "vibration"
	DeviceContact     DeviceType = "contact"
	DeviceCO2         DeviceType = "co2"
	DeviceLight       DeviceType = "light"
	DevicePlug        DeviceType = "plug"
	DeviceThermostat  DeviceType = "thermostat"
	DeviceRemote      DeviceType = "remote"
	DeviceCoordinator DeviceType = "coordinator"
	DeviceUnknown     DeviceType = "unknown"
)

// UnknownRoom is used when a device name carries no "[Room]" prefix
const UnknownRoom = "unknown"

// Device represents a device announced by the discovery feed
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Room         string     `json:"room"`
	Type         DeviceType `json:"type"`
	Capabilities []string   `json:"capabilities"`
	Provisional  bool       `json:"provisional,omitempty"`
}

// NewDevice builds a Device and computes its type and room once
func NewDevice(id, name string, capabilities []string, coordinator bool) Device {
	caps := normalizeCapabilities(capabilities)
	deviceType := DeriveType(caps)
	if coordinator {
		deviceType = DeviceCoordinator
	}
	if name == "" {
		name = id
	}
	return Device{
		ID:           id,
		Name:         name,
		Room:         ParseRoom(name),
		Type:         deviceType,
		Capabilities: caps,
	}
}

// HasCapability reports whether the device exposes the named feature
func (d Device) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// DeriveType applies the fixed priority order:
// co2 > occupancy > vibration > contact > action > thermostat > light > plug > climate.
func DeriveType(capabilities []string) DeviceType {
	has := make(map[string]bool, len(capabilities))
	setpoint := false
	for _, c := range capabilities {
		has[c] = true
		if strings.Contains(c, "setpoint") {
			setpoint = true
		}
	}

	switch {
	case has["co2"]:
		return DeviceCO2
	case has["occupancy"]:
		return DeviceMotion
	case has["vibration"]:
		return DeviceVibration
	case has["contact"]:
		return DeviceContact
	case has["action"]:
		return DeviceRemote
	case (has["temperature"] || has["local_temperature"]) && setpoint:
		return DeviceThermostat
	case has["brightness"]:
		return DeviceLight
	case has["power"] || has["energy"]:
		return DevicePlug
	case has["temperature"] || has["humidity"]:
		return DeviceClimate
	}
	return DeviceUnknown
}

// ParseRoom extracts "Kitchen" from "[Kitchen] Ceiling Light"
func ParseRoom(name string) string {
	name = strings.TrimSpace(name)
	if !strings.HasPrefix(name, "[") {
		return UnknownRoom
	}
	end := strings.Index(name, "]")
	if end <= 1 {
		return UnknownRoom
	}
	room := strings.TrimSpace(name[1:end])
	if room == "" {
		return UnknownRoom
	}
	return room
}

func normalizeCapabilities(capabilities []string) []string {
	seen := make(map[string]struct{}, len(capabilities))
	out := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
