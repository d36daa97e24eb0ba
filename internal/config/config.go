// Package config loads the numeric tunables driving the control loop and
// vote lifetimes. Tunables are read once at startup and treated as
// immutable for the life of every session created from them.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Tunables holds every knob of the duration control loop and the vote
// windows derived from it.
type Tunables struct {
	// PID control.
	PIDOn     bool    `mapstructure:"pid_on"`
	PidPOver  float64 `mapstructure:"pid_p_over"`
	PidPUnder float64 `mapstructure:"pid_p_under"`
	PidI      float64 `mapstructure:"pid_i"`
	PidIInit  int64   `mapstructure:"pid_i_init"`
	PidIHigh  int64   `mapstructure:"pid_i_high"`
	PidILow   int64   `mapstructure:"pid_i_low"`
	PidDOver  float64 `mapstructure:"pid_d_over"`
	PidDUnder float64 `mapstructure:"pid_d_under"`

	// Clamp boost control.
	ClampMinOn   bool `mapstructure:"clamp_min_on"`
	MinInit      int  `mapstructure:"min_init"`
	MinHigh      int  `mapstructure:"min_high"`
	MinLow       int  `mapstructure:"min_low"`
	MinLoadUp    int  `mapstructure:"min_load_up"`
	MinLoadReset int  `mapstructure:"min_load_reset"`

	// Batch update control.
	SamplingWindowP    int           `mapstructure:"sampling_window_p"`
	SamplingWindowI    int           `mapstructure:"sampling_window_i"`
	SamplingWindowD    int           `mapstructure:"sampling_window_d"`
	ReportingRateLimit time.Duration `mapstructure:"reporting_rate_limit"`
	TargetTimeFactor   float64       `mapstructure:"target_time_factor"`

	// Stale control.
	StaleTimeFactor float64 `mapstructure:"stale_time_factor"`

	// Heuristic boost control.
	HeuristicBoostOn      bool    `mapstructure:"heuristic_boost_on"`
	HBoostOnMissedCycles  int     `mapstructure:"hboost_on_missed_cycles"`
	HBoostOffMaxAvgRatio  float64 `mapstructure:"hboost_off_max_avg_ratio"`
	HBoostOffMissedCycles int     `mapstructure:"hboost_off_missed_cycles"`
	HBoostPUnderFactor    float64 `mapstructure:"hboost_p_under_factor"`
	HBoostMin             int     `mapstructure:"hboost_min"`
	JankCheckTimeFactor   float64 `mapstructure:"jank_check_time_factor"`
	LowFrameRateThreshold int     `mapstructure:"low_frame_rate_threshold"`
	MaxRecords            int     `mapstructure:"max_records"`

	// Power-efficient sessions.
	MaxEfficientBase   int `mapstructure:"max_efficient_base"`
	MaxEfficientOffset int `mapstructure:"max_efficient_offset"`
}

// IntegralHigh returns the windup clamp upper bound of the accumulated
// integral term, expressed in integral units.
func (t *Tunables) IntegralHigh() int64 {
	if t.PidI == 0 {
		return t.PidIHigh
	}
	return int64(float64(t.PidIHigh) / t.PidI)
}

// IntegralLow returns the windup clamp lower bound of the accumulated
// integral term.
func (t *Tunables) IntegralLow() int64 {
	if t.PidI == 0 {
		return t.PidILow
	}
	return int64(float64(t.PidILow) / t.PidI)
}

// Default returns the built-in tunables used when no config file is
// given.
func Default() Tunables {
	return Tunables{
		PIDOn:              true,
		PidPOver:           4.0,
		PidPUnder:          2.0,
		PidI:               0.001,
		PidIInit:           200,
		PidIHigh:           512,
		PidILow:            -120,
		PidDOver:           500.0,
		PidDUnder:          0.0,
		ClampMinOn:         true,
		MinInit:            200,
		MinHigh:            480,
		MinLow:             2,
		MinLoadUp:          640,
		MinLoadReset:       240,
		SamplingWindowP:    1,
		SamplingWindowI:    0,
		SamplingWindowD:    1,
		ReportingRateLimit: 166666660 * time.Nanosecond,
		TargetTimeFactor:   1.0,
		StaleTimeFactor:    10.0,

		HeuristicBoostOn:      false,
		HBoostOnMissedCycles:  4,
		HBoostOffMaxAvgRatio:  4.0,
		HBoostOffMissedCycles: 2,
		HBoostPUnderFactor:    1.2,
		HBoostMin:             800,
		JankCheckTimeFactor:   1.2,
		LowFrameRateThreshold: 25,
		MaxRecords:            50,

		MaxEfficientBase:   300,
		MaxEfficientOffset: 192,
	}
}

// Load reads tunables from the JSON file at path, filling missing keys
// with the defaults.
func Load(path string) (Tunables, error) {
	def := Default()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("pid_on", def.PIDOn)
	v.SetDefault("pid_p_over", def.PidPOver)
	v.SetDefault("pid_p_under", def.PidPUnder)
	v.SetDefault("pid_i", def.PidI)
	v.SetDefault("pid_i_init", def.PidIInit)
	v.SetDefault("pid_i_high", def.PidIHigh)
	v.SetDefault("pid_i_low", def.PidILow)
	v.SetDefault("pid_d_over", def.PidDOver)
	v.SetDefault("pid_d_under", def.PidDUnder)
	v.SetDefault("clamp_min_on", def.ClampMinOn)
	v.SetDefault("min_init", def.MinInit)
	v.SetDefault("min_high", def.MinHigh)
	v.SetDefault("min_low", def.MinLow)
	v.SetDefault("min_load_up", def.MinLoadUp)
	v.SetDefault("min_load_reset", def.MinLoadReset)
	v.SetDefault("sampling_window_p", def.SamplingWindowP)
	v.SetDefault("sampling_window_i", def.SamplingWindowI)
	v.SetDefault("sampling_window_d", def.SamplingWindowD)
	v.SetDefault("reporting_rate_limit", def.ReportingRateLimit)
	v.SetDefault("target_time_factor", def.TargetTimeFactor)
	v.SetDefault("stale_time_factor", def.StaleTimeFactor)
	v.SetDefault("heuristic_boost_on", def.HeuristicBoostOn)
	v.SetDefault("hboost_on_missed_cycles", def.HBoostOnMissedCycles)
	v.SetDefault("hboost_off_max_avg_ratio", def.HBoostOffMaxAvgRatio)
	v.SetDefault("hboost_off_missed_cycles", def.HBoostOffMissedCycles)
	v.SetDefault("hboost_p_under_factor", def.HBoostPUnderFactor)
	v.SetDefault("hboost_min", def.HBoostMin)
	v.SetDefault("jank_check_time_factor", def.JankCheckTimeFactor)
	v.SetDefault("low_frame_rate_threshold", def.LowFrameRateThreshold)
	v.SetDefault("max_records", def.MaxRecords)
	v.SetDefault("max_efficient_base", def.MaxEfficientBase)
	v.SetDefault("max_efficient_offset", def.MaxEfficientOffset)

	if err := v.ReadInConfig(); err != nil {
		return Tunables{}, fmt.Errorf("reading tunables %s: %w", path, err)
	}
	var t Tunables
	if err := v.Unmarshal(&t); err != nil {
		return Tunables{}, fmt.Errorf("parsing tunables %s: %w", path, err)
	}
	return t, nil
}
