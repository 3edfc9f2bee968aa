package mqtt

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homesense-bridge/internal/models"
	"homesense-bridge/internal/taxonomy"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic  string
		kind   models.MessageKind
		device string
		ok     bool
	}{
		{"zigbee2mqtt/[Kitchen] Sensor", models.MessageTelemetry, "[Kitchen] Sensor", true},
		{"zigbee2mqtt/Lamp/availability", models.MessageAvailability, "Lamp", true},
		{"zigbee2mqtt/bridge/devices", models.MessageDiscovery, "", true},
		{"zigbee2mqtt/bridge/state", 0, "", false},
		{"zigbee2mqtt/bridge", 0, "", false},
		{"zigbee2mqtt/Lamp/set", 0, "", false},
		{"zigbee2mqtt/Lamp/get", 0, "", false},
		{"zigbee2mqtt//availability", 0, "", false},
		{"zigbee2mqtt/", 0, "", false},
		{"other/Lamp", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			kind, device, ok := ParseTopic("zigbee2mqtt", tt.topic)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.kind, kind)
				assert.Equal(t, tt.device, device)
			}
		})
	}

	kind, device, ok := ParseTopic("zigbee2mqtt/", "zigbee2mqtt/Door")
	require.True(t, ok)
	assert.Equal(t, models.MessageTelemetry, kind)
	assert.Equal(t, "Door", device)
}

func TestParseDeclared(t *testing.T) {
	millis := ParseDeclared(models.Number(1700000000000))
	require.NotNil(t, millis)
	assert.True(t, time.UnixMilli(1700000000000).Equal(*millis))

	iso := ParseDeclared(models.Text("2024-01-02T03:04:05Z"))
	require.NotNil(t, iso)
	assert.True(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Equal(*iso))

	offset := ParseDeclared(models.Text("2024-01-02T03:04:05.000+0100"))
	require.NotNil(t, offset)
	assert.True(t, time.Date(2024, 1, 2, 2, 4, 5, 0, time.UTC).Equal(*offset))

	assert.Nil(t, ParseDeclared(models.Number(0)))
	assert.Nil(t, ParseDeclared(models.Text("yesterday")))
	assert.Nil(t, ParseDeclared(models.Bool(true)))
	assert.Nil(t, ParseDeclared(models.Absent()))
}

func TestDecodeAvailability(t *testing.T) {
	p, err := DecodeAvailability([]byte("online"))
	require.NoError(t, err)
	state, _ := p.Get(taxonomy.AvailabilityProperty).AsText()
	assert.Equal(t, "online", state)

	p, err = DecodeAvailability([]byte(`{"state":"OFFLINE"}`))
	require.NoError(t, err)
	state, _ = p.Get(taxonomy.AvailabilityProperty).AsText()
	assert.Equal(t, "offline", state)

	_, err = DecodeAvailability([]byte("maybe"))
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))

	_, err = DecodeAvailability([]byte(`{"state":"sleeping"}`))
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))
}

func TestDecodeDevices(t *testing.T) {
	devices, err := DecodeDevices([]byte(`[
		{"ieee_address": "0x00", "friendly_name": "Coordinator", "type": "Coordinator"},
		{
			"ieee_address": "0x01",
			"friendly_name": "[Living Room] Lamp",
			"type": "Router",
			"definition": {"exposes": [
				{"type": "light", "features": [
					{"name": "state", "property": "state"},
					{"name": "brightness", "property": "brightness"}
				]},
				{"name": "linkquality", "property": "linkquality"}
			]}
		},
		{"friendly_name": "no address"}
	]`))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, models.DeviceCoordinator, devices[0].Type)

	lamp := devices[1]
	assert.Equal(t, "0x01", lamp.ID)
	assert.Equal(t, models.DeviceLight, lamp.Type)
	assert.Equal(t, "Living Room", lamp.Room)
	assert.Equal(t, []string{"brightness", "linkquality", "state"}, lamp.Capabilities)

	_, err = DecodeDevices([]byte("{"))
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))
}

func TestSubscriberDecode(t *testing.T) {
	received := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	s := NewSubscriber(nil, SubscriberConfig{BaseTopic: "zigbee2mqtt"}, make(chan models.Message, 1), zerolog.Nop())
	s.now = func() time.Time { return received }

	msg, ok, err := s.Decode("zigbee2mqtt/Door", []byte(`{"contact": false, "last_seen": 1700000000000}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.MessageTelemetry, msg.Kind)
	assert.Equal(t, "Door", msg.DeviceName)
	assert.Equal(t, received, msg.ReceivedAt)
	require.NotNil(t, msg.Declared)
	assert.True(t, time.UnixMilli(1700000000000).Equal(*msg.Declared))
	contact, _ := msg.Payload.Get("contact").AsBool()
	assert.False(t, contact)

	msg, ok, err = s.Decode("zigbee2mqtt/Door/availability", []byte("offline"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.MessageAvailability, msg.Kind)

	msg, ok, err = s.Decode("zigbee2mqtt/bridge/devices", []byte(`[{"ieee_address":"0x01","friendly_name":"Door"}]`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.MessageDiscovery, msg.Kind)
	assert.Len(t, msg.Devices, 1)

	// cleared retained message
	_, ok, err = s.Decode("zigbee2mqtt/Door", nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Decode("zigbee2mqtt/Door/set", []byte(`{"state":"ON"}`))
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Decode("zigbee2mqtt/Door", []byte("not json"))
	assert.True(t, errors.Is(err, models.ErrMalformedPayload))
}

func TestEventTopic(t *testing.T) {
	assert.Equal(t, "homesense/events/[Hall] Door", EventTopic("homesense/events", "[Hall] Door"))
}
