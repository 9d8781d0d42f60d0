package config

import (
	"github.com/FerroO2000/robocomm/internal"
)

// Validator is an utility struct for validating a configuration.
type Validator struct {
	tel *internal.Telemetry
}

// NewValidator returns a new validator.
func NewValidator(tel *internal.Telemetry) *Validator {
	return &Validator{
		tel: tel,
	}
}

// Validate validates the given configuration.
// Every anomaly is logged as a warning and replaced by its fallback value.
// It returns the number of anomalies found.
func (m *Validator) Validate(config Config) int {
	ac := NewAnomalyCollector()
	config.Validate(ac)

	for anomaly := range ac.iter() {
		m.handleAnomaly(anomaly)
	}

	return ac.Len()
}

func (m *Validator) handleAnomaly(an *anomaly) {
	m.tel.LogWarn("config anomaly",
		"field", an.field, "reason", an.reason,
		"actual", an.actual, "fallback", an.fallback)
}
