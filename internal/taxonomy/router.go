package taxonomy

import (
	"math"
	"strings"
	"time"

	"homesense-bridge/internal/models"
)

// Event type keys
const (
	EventDoorOpened         = "door_opened"
	EventDoorClosed         = "door_closed"
	EventMotionDetected     = "motion_detected"
	EventMotionCleared      = "motion_cleared"
	EventVibrationDetected  = "vibration_detected"
	EventWaterLeakDetected  = "water_leak_detected"
	EventWaterLeakCleared   = "water_leak_cleared"
	EventCO2Reading         = "co2_reading"
	EventTemperatureReading = "temperature_reading"
	EventHumidityReading    = "humidity_reading"
	EventPressureReading    = "pressure_reading"
	EventIlluminanceReading = "illuminance_reading"
	EventPowerReading       = "power_reading"
	EventSetpointChanged    = "setpoint_changed"
	EventBrightnessChanged  = "brightness_changed"
	EventLightOn            = "light_on"
	EventLightOff           = "light_off"
	EventPlugOn             = "plug_on"
	EventPlugOff            = "plug_off"
	EventButtonPressed      = "button_pressed"
	EventBatteryLow         = "battery_low"
	EventDeviceOnline       = "device_online"
	EventDeviceOffline      = "device_offline"
)

// Categories
const (
	CategorySecurity = "security"
	CategoryClimate  = "climate"
	CategoryLighting = "lighting"
	CategoryPower    = "power"
	CategoryControl  = "control"
	CategorySystem   = "system"
)

// AvailabilityProperty carries "online"/"offline" from the availability topic
const AvailabilityProperty = "availability"

// Observation is a previously emitted value of one property
type Observation struct {
	Value models.Value
	At    time.Time
}

// Sample is one property of one telemetry message, with the device's
// previously emitted observations for context
type Sample struct {
	DeviceType models.DeviceType
	DeviceName string
	Property   string
	Value      models.Value
	Payload    models.Payload
	At         time.Time
	// Recent holds the last emitted observation per property of this device
	Recent map[string]Observation
}

func (s Sample) previous(property string) (Observation, bool) {
	obs, ok := s.Recent[property]
	return obs, ok && obs.Value.IsPresent()
}

// Classification is the semantic meaning of a sample
type Classification struct {
	EventType string
	Category  string
	Severity  models.Severity
	IsAnomaly bool
}

type rule struct {
	category string
	event    func(r *Router, s Sample) (string, bool)
}

// Router classifies samples. It is stateless; previous values are supplied
// by the caller through Sample.Recent.
type Router struct {
	thresholds Thresholds
	rules      map[string]rule
}

// NewRouter creates a router; zero threshold fields take their defaults
func NewRouter(thresholds Thresholds) *Router {
	r := &Router{thresholds: thresholds.withDefaults()}
	r.rules = map[string]rule{
		"state":                     {CategoryLighting, switchEvent},
		"occupancy":                 {CategorySecurity, boolEvent(EventMotionDetected, EventMotionCleared)},
		"contact":                   {CategorySecurity, boolEvent(EventDoorClosed, EventDoorOpened)},
		"vibration":                 {CategorySecurity, boolEvent(EventVibrationDetected, "")},
		"water_leak":                {CategorySecurity, boolEvent(EventWaterLeakDetected, EventWaterLeakCleared)},
		"co2":                       {CategoryClimate, numericEvent(EventCO2Reading)},
		"temperature":               {CategoryClimate, numericEvent(EventTemperatureReading)},
		"local_temperature":         {CategoryClimate, numericEvent(EventTemperatureReading)},
		"humidity":                  {CategoryClimate, numericEvent(EventHumidityReading)},
		"pressure":                  {CategoryClimate, numericEvent(EventPressureReading)},
		"illuminance":               {CategoryClimate, numericEvent(EventIlluminanceReading)},
		"illuminance_lux":           {CategoryClimate, numericEvent(EventIlluminanceReading)},
		"occupied_heating_setpoint": {CategoryClimate, numericEvent(EventSetpointChanged)},
		"current_heating_setpoint":  {CategoryClimate, numericEvent(EventSetpointChanged)},
		"brightness":                {CategoryLighting, numericEvent(EventBrightnessChanged)},
		"power":                     {CategoryPower, numericEvent(EventPowerReading)},
		"battery":                   {CategorySystem, batteryEvent},
		"action":                    {CategoryControl, actionEvent},
		AvailabilityProperty:        {CategorySystem, availabilityEvent},
	}
	return r
}

// Thresholds returns the effective thresholds
func (r *Router) Thresholds() Thresholds { return r.thresholds }

// Knows reports whether property has a classification rule. Properties
// without one are housekeeping (linkquality, last_seen, voltage, ...).
func (r *Router) Knows(property string) bool {
	_, ok := r.rules[property]
	return ok
}

// Classify maps a sample to an event. It returns false for housekeeping
// fields, values of the wrong kind, and numeric changes below the
// property's minimum-change threshold.
func (r *Router) Classify(s Sample) (Classification, bool) {
	ru, ok := r.rules[s.Property]
	if !ok {
		return Classification{}, false
	}

	if threshold, ok := r.thresholds.MinChange[s.Property]; ok {
		if prev, ok := s.previous(s.Property); ok {
			cur, okCur := s.Value.AsNumber()
			old, okOld := prev.Value.AsNumber()
			if okCur && okOld && math.Abs(cur-old) < threshold {
				return Classification{}, false
			}
		}
	}

	eventType, ok := ru.event(r, s)
	if !ok {
		return Classification{}, false
	}

	category := ru.category
	if eventType == EventPlugOn || eventType == EventPlugOff {
		category = CategoryPower
	}

	c := Classification{
		EventType: eventType,
		Category:  category,
		Severity:  r.Severity(s.Payload),
	}
	c.IsAnomaly = r.IsAnomaly(s, c.Severity)
	return c, true
}

// Severity derives the layered severity of a message, independent of the
// event type; the highest matching level wins.
func (r *Router) Severity(p models.Payload) models.Severity {
	sev := models.SeverityInfo

	availability, _ := p.Get(AvailabilityProperty).AsText()
	battery, hasBattery := p.Number("battery")
	co2, hasCO2 := p.Number("co2")

	if availability == "offline" || (hasBattery && battery < r.thresholds.CriticalBattery) {
		return models.SeverityError
	}
	if hasCO2 && co2 >= r.thresholds.CO2Critical {
		return models.SeverityError
	}
	if hasBattery && battery < r.thresholds.LowBattery {
		sev = sev.Max(models.SeverityWarning)
	}
	if hasCO2 && co2 >= r.thresholds.CO2Warning {
		sev = sev.Max(models.SeverityWarning)
	}
	if contact, ok := p.Get("contact").AsBool(); ok && !contact {
		sev = sev.Max(models.SeverityWarning)
	}
	if availability == "online" {
		sev = sev.Max(models.SeveritySuccess)
	}
	return sev
}

// IsAnomaly flags errors, fast temperature swings, critical co2 and low
// battery
func (r *Router) IsAnomaly(s Sample, severity models.Severity) bool {
	if severity == models.SeverityError {
		return true
	}
	if temp, ok := s.Payload.Number("temperature"); ok {
		if prev, ok := s.previous("temperature"); ok {
			old, _ := prev.Value.AsNumber()
			if s.At.Sub(prev.At) <= r.thresholds.TemperatureWindow && math.Abs(temp-old) >= r.thresholds.TemperatureJump {
				return true
			}
		}
	}
	if co2, ok := s.Payload.Number("co2"); ok && co2 >= r.thresholds.CO2Critical {
		return true
	}
	if battery, ok := s.Payload.Number("battery"); ok && battery < r.thresholds.LowBattery {
		return true
	}
	return false
}

func boolEvent(onTrue, onFalse string) func(*Router, Sample) (string, bool) {
	return func(_ *Router, s Sample) (string, bool) {
		b, ok := s.Value.AsBool()
		if !ok {
			return "", false
		}
		if b {
			return onTrue, onTrue != ""
		}
		return onFalse, onFalse != ""
	}
}

func numericEvent(eventType string) func(*Router, Sample) (string, bool) {
	return func(_ *Router, s Sample) (string, bool) {
		_, ok := s.Value.AsNumber()
		return eventType, ok
	}
}

func batteryEvent(r *Router, s Sample) (string, bool) {
	battery, ok := s.Value.AsNumber()
	if !ok || battery >= r.thresholds.LowBattery {
		return "", false
	}
	return EventBatteryLow, true
}

func actionEvent(_ *Router, s Sample) (string, bool) {
	action, ok := s.Value.AsText()
	if !ok || strings.TrimSpace(action) == "" {
		return "", false
	}
	return EventButtonPressed, true
}

func availabilityEvent(_ *Router, s Sample) (string, bool) {
	state, _ := s.Value.AsText()
	switch strings.ToLower(state) {
	case "online":
		return EventDeviceOnline, true
	case "offline":
		return EventDeviceOffline, true
	}
	return "", false
}

// switchEvent resolves the light/plug ambiguity of ON/OFF state fields
func switchEvent(_ *Router, s Sample) (string, bool) {
	state, ok := s.Value.AsText()
	if !ok {
		return "", false
	}
	var on bool
	switch strings.ToUpper(state) {
	case "ON":
		on = true
	case "OFF":
	default:
		return "", false
	}

	if isLight(s) {
		if on {
			return EventLightOn, true
		}
		return EventLightOff, true
	}
	if on {
		return EventPlugOn, true
	}
	return EventPlugOff, true
}

var lightNameHints = []string{"light", "lamp", "bulb", "led", "strip"}

func isLight(s Sample) bool {
	if s.Payload.Has("brightness") || s.Payload.Has("color_temp") {
		return true
	}
	switch s.DeviceType {
	case models.DeviceLight:
		return true
	case models.DevicePlug:
		return false
	}
	name := strings.ToLower(s.DeviceName)
	for _, hint := range lightNameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}
