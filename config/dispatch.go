package config

import (
	"fmt"

	"github.com/kilianp07/feederdispatch/core/drcost"
	"github.com/kilianp07/feederdispatch/core/opf"
)

// DispatchConfig holds the default solve options. The enable_* switches
// default to true when absent.
type DispatchConfig struct {
	Mode             string    `json:"mode"`
	Robust           bool      `json:"robust"`
	EnableVoltage    *bool     `json:"enable_voltage"`
	EnableGeneration *bool     `json:"enable_generation"`
	EnableFlow       *bool     `json:"enable_flow"`
	EtaV             float64   `json:"eta_v"`
	EtaG             float64   `json:"eta_g"`
	Splits           int       `json:"n_splits"`
	RootVoltage      float64   `json:"root_voltage"`
	Tariff           float64   `json:"tariff"`
	Alpha            []float64 `json:"alpha"`
}

// Default violation probabilities of the chance constraints.
const (
	DefaultEtaV = 0.05
	DefaultEtaG = 0.05
)

func (c *DispatchConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = string(opf.ModeOptimizeDR)
	}
	on := true
	if c.EnableVoltage == nil {
		c.EnableVoltage = &on
	}
	if c.EnableGeneration == nil {
		c.EnableGeneration = &on
	}
	if c.EnableFlow == nil {
		c.EnableFlow = &on
	}
	if c.EtaV == 0 {
		c.EtaV = DefaultEtaV
	}
	if c.EtaG == 0 {
		c.EtaG = DefaultEtaG
	}
	if c.Splits == 0 {
		c.Splits = drcost.DefaultSplits
	}
	if c.RootVoltage == 0 {
		c.RootVoltage = 1
	}
}

func (c DispatchConfig) Validate() error {
	if c.EtaV <= 0 || c.EtaV >= 1 {
		return fmt.Errorf("dispatch: eta_v must be in (0,1), got %g", c.EtaV)
	}
	if c.EtaG <= 0 || c.EtaG >= 1 {
		return fmt.Errorf("dispatch: eta_g must be in (0,1), got %g", c.EtaG)
	}
	if c.Tariff < 0 {
		return fmt.Errorf("dispatch: tariff must be non-negative, got %g", c.Tariff)
	}
	return c.Options(nil).Validate()
}

// Options converts the section into solve options for the given
// DR-ineligible buses.
func (c DispatchConfig) Options(nonDR []int) opf.Options {
	return opf.Options{
		Mode:             opf.Mode(c.Mode),
		Robust:           c.Robust,
		EnableVoltage:    enabled(c.EnableVoltage),
		EnableGeneration: enabled(c.EnableGeneration),
		EnableFlow:       enabled(c.EnableFlow),
		Alpha:            c.Alpha,
		NonDRBuses:       nonDR,
		Splits:           c.Splits,
		RootVoltage:      c.RootVoltage,
		Tariff:           c.Tariff,
	}
}

func enabled(b *bool) bool { return b == nil || *b }
