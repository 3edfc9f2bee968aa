// Package taxonomy maps raw telemetry properties to semantic domain events
// and derives their severity and anomaly flags. It is the single source of
// truth for alerting thresholds.
package taxonomy

import "time"

// Thresholds are the alerting limits shared by severity and anomaly rules
type Thresholds struct {
	CriticalBattery   float64            `yaml:"critical_battery"`
	LowBattery        float64            `yaml:"low_battery"`
	CO2Warning        float64            `yaml:"co2_warning"`
	CO2Critical       float64            `yaml:"co2_critical"`
	TemperatureJump   float64            `yaml:"temperature_jump"`
	TemperatureWindow time.Duration      `yaml:"temperature_window"`
	MinChange         map[string]float64 `yaml:"min_change"`
}

// DefaultThresholds returns the dashboard thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalBattery:   10,
		LowBattery:        20,
		CO2Warning:        1200,
		CO2Critical:       1500,
		TemperatureJump:   3,
		TemperatureWindow: 10 * time.Minute,
		MinChange:         map[string]float64{"co2": 50},
	}
}

// withDefaults fills zero fields from DefaultThresholds
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CriticalBattery == 0 {
		t.CriticalBattery = d.CriticalBattery
	}
	if t.LowBattery == 0 {
		t.LowBattery = d.LowBattery
	}
	if t.CO2Warning == 0 {
		t.CO2Warning = d.CO2Warning
	}
	if t.CO2Critical == 0 {
		t.CO2Critical = d.CO2Critical
	}
	if t.TemperatureJump == 0 {
		t.TemperatureJump = d.TemperatureJump
	}
	if t.TemperatureWindow == 0 {
		t.TemperatureWindow = d.TemperatureWindow
	}
	if t.MinChange == nil {
		t.MinChange = d.MinChange
	}
	return t
}
