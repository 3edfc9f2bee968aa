package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"homesense-bridge/internal/models"
	"homesense-bridge/internal/taxonomy"
)

const (
	bridgeDevicesTopic = "bridge/devices"
	availabilitySuffix = "/availability"
)

// ParseTopic resolves a topic under base into the feed it belongs to and the
// device it names. ok is false for topics the bridge ignores: command topics
// (/set, /get) and bridge housekeeping other than the device list.
//
// Example: "zigbee2mqtt/[Kitchen] Sensor" -> telemetry, "[Kitchen] Sensor"
func ParseTopic(base, topic string) (kind models.MessageKind, device string, ok bool) {
	prefix := strings.TrimSuffix(base, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(topic, prefix)
	if rest == "" {
		return 0, "", false
	}

	if rest == bridgeDevicesTopic {
		return models.MessageDiscovery, "", true
	}
	if rest == "bridge" || strings.HasPrefix(rest, "bridge/") {
		return 0, "", false
	}
	if strings.HasSuffix(rest, "/set") || strings.HasSuffix(rest, "/get") {
		return 0, "", false
	}

	if name, found := strings.CutSuffix(rest, availabilitySuffix); found {
		if name == "" {
			return 0, "", false
		}
		return models.MessageAvailability, name, true
	}
	return models.MessageTelemetry, rest, true
}

// DecodeTelemetry parses a device payload and extracts the timestamp the
// device declared through last_seen
func DecodeTelemetry(data []byte) (models.Payload, *time.Time, error) {
	payload, err := models.ParsePayload(data)
	if err != nil {
		return nil, nil, err
	}
	return payload, ParseDeclared(payload.Get("last_seen")), nil
}

// ParseDeclared reads a last_seen value: epoch milliseconds or an
// ISO 8601 string. Anything else yields nil.
func ParseDeclared(v models.Value) *time.Time {
	if n, ok := v.AsNumber(); ok {
		if n <= 0 {
			return nil
		}
		t := time.UnixMilli(int64(n))
		return &t
	}
	if s, ok := v.AsText(); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return &t
			}
		}
	}
	return nil
}

// DecodeAvailability accepts the legacy bare "online"/"offline" payload and
// the JSON {"state": "online"} form
func DecodeAvailability(data []byte) (models.Payload, error) {
	trimmed := bytes.TrimSpace(data)

	state := strings.ToLower(string(trimmed))
	if state != "online" && state != "offline" {
		var body struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		state = strings.ToLower(body.State)
	}

	switch state {
	case "online", "offline":
		return models.Payload{taxonomy.AvailabilityProperty: models.Text(state)}, nil
	}
	return nil, fmt.Errorf("%w: unknown availability state %q", models.ErrMalformedPayload, state)
}

type bridgeExpose struct {
	Name     string         `json:"name"`
	Property string         `json:"property"`
	Features []bridgeExpose `json:"features"`
}

type bridgeDevice struct {
	IEEEAddress  string `json:"ieee_address"`
	FriendlyName string `json:"friendly_name"`
	Type         string `json:"type"`
	Definition   *struct {
		Exposes []bridgeExpose `json:"exposes"`
	} `json:"definition"`
}

// DecodeDevices parses the bridge's full device list. Composite exposes
// (a light's brightness inside a "light" feature group) are flattened into
// plain capability names.
func DecodeDevices(data []byte) ([]models.Device, error) {
	var raw []bridgeDevice
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	devices := make([]models.Device, 0, len(raw))
	for _, rd := range raw {
		if rd.IEEEAddress == "" {
			continue
		}
		var caps []string
		if rd.Definition != nil {
			caps = flattenExposes(rd.Definition.Exposes, caps)
		}
		devices = append(devices, models.NewDevice(rd.IEEEAddress, rd.FriendlyName, caps, rd.Type == "Coordinator"))
	}
	return devices, nil
}

func flattenExposes(exposes []bridgeExpose, out []string) []string {
	for _, e := range exposes {
		if len(e.Features) > 0 {
			out = flattenExposes(e.Features, out)
			continue
		}
		switch {
		case e.Property != "":
			out = append(out, e.Property)
		case e.Name != "":
			out = append(out, e.Name)
		}
	}
	return out
}
