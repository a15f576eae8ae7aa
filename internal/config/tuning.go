package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig holds every tunable threshold of the decision engine.
// All fields are pointers so a partial JSON file only overrides what it
// names; getters return documented defaults for absent fields. The same
// schema is accepted at startup and for zone-set reloads.
type TuningConfig struct {
	// Detection gate params
	MinConfidence          *float64 `json:"min_confidence,omitempty"`
	MaxAbsCoordinateMeters *float64 `json:"max_abs_coordinate_meters,omitempty"`
	MaxExtentMeters        *float64 `json:"max_extent_meters,omitempty"`

	// Track manager params
	MaxAssociationDistance *float64 `json:"max_association_distance,omitempty"`
	ConfirmationFrames     *int     `json:"confirmation_frames,omitempty"`
	MissTimeoutFrames      *int     `json:"miss_timeout_frames,omitempty"`
	StaleTimeoutFrames     *int     `json:"stale_timeout_frames,omitempty"`
	HistoryLength          *int     `json:"history_length,omitempty"`
	MaxReasonableSpeedMps  *float64 `json:"max_reasonable_speed_mps,omitempty"`

	// Threat scorer params
	ClassWeightPerson  *float64 `json:"class_weight_person,omitempty"`
	ClassWeightVehicle *float64 `json:"class_weight_vehicle,omitempty"`
	ClassWeightCyclist *float64 `json:"class_weight_cyclist,omitempty"`
	ClassWeightUnknown *float64 `json:"class_weight_unknown,omitempty"`
	LookAheadMeters    *float64 `json:"look_ahead_meters,omitempty"`
	OffHoursMultiplier *float64 `json:"off_hours_multiplier,omitempty"`

	// Alert state machine params
	CautionEnterScore *float64 `json:"caution_enter_score,omitempty"`
	CautionExitScore  *float64 `json:"caution_exit_score,omitempty"`
	WarningEnterScore *float64 `json:"warning_enter_score,omitempty"`
	WarningExitScore  *float64 `json:"warning_exit_score,omitempty"`
	AlertEnterScore   *float64 `json:"alert_enter_score,omitempty"`
	AlertExitScore    *float64 `json:"alert_exit_score,omitempty"`
	SustainFrames     *int     `json:"sustain_frames,omitempty"`

	// Pipeline params
	MergeWindow *string `json:"merge_window,omitempty"` // duration string like "200ms"
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	unit := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
		return nil
	}
	for _, check := range []struct {
		name string
		v    *float64
	}{
		{"min_confidence", c.MinConfidence},
		{"class_weight_person", c.ClassWeightPerson},
		{"class_weight_vehicle", c.ClassWeightVehicle},
		{"class_weight_cyclist", c.ClassWeightCyclist},
		{"class_weight_unknown", c.ClassWeightUnknown},
		{"off_hours_multiplier", c.OffHoursMultiplier},
		{"caution_enter_score", c.CautionEnterScore},
		{"caution_exit_score", c.CautionExitScore},
		{"warning_enter_score", c.WarningEnterScore},
		{"warning_exit_score", c.WarningExitScore},
		{"alert_enter_score", c.AlertEnterScore},
		{"alert_exit_score", c.AlertExitScore},
	} {
		if err := unit(check.name, check.v); err != nil {
			return err
		}
	}

	// Exit thresholds must sit strictly below their enter thresholds or
	// the hysteresis collapses into a flapping boundary.
	pairs := []struct {
		name         string
		enter, exit_ float64
	}{
		{"caution", c.GetCautionEnterScore(), c.GetCautionExitScore()},
		{"warning", c.GetWarningEnterScore(), c.GetWarningExitScore()},
		{"alert", c.GetAlertEnterScore(), c.GetAlertExitScore()},
	}
	for _, p := range pairs {
		if p.exit_ >= p.enter {
			return fmt.Errorf("%s_exit_score (%.2f) must be below %s_enter_score (%.2f)", p.name, p.exit_, p.name, p.enter)
		}
	}

	if c.MaxAssociationDistance != nil && *c.MaxAssociationDistance <= 0 {
		return fmt.Errorf("max_association_distance must be positive, got %f", *c.MaxAssociationDistance)
	}
	if c.ConfirmationFrames != nil && *c.ConfirmationFrames < 1 {
		return fmt.Errorf("confirmation_frames must be at least 1, got %d", *c.ConfirmationFrames)
	}
	if c.MissTimeoutFrames != nil && *c.MissTimeoutFrames < 1 {
		return fmt.Errorf("miss_timeout_frames must be at least 1, got %d", *c.MissTimeoutFrames)
	}
	if c.StaleTimeoutFrames != nil && *c.StaleTimeoutFrames < c.GetMissTimeoutFrames() {
		return fmt.Errorf("stale_timeout_frames (%d) must be at least miss_timeout_frames (%d)", *c.StaleTimeoutFrames, c.GetMissTimeoutFrames())
	}
	if c.HistoryLength != nil && *c.HistoryLength < 2 {
		return fmt.Errorf("history_length must be at least 2, got %d", *c.HistoryLength)
	}
	if c.SustainFrames != nil && *c.SustainFrames < 1 {
		return fmt.Errorf("sustain_frames must be at least 1, got %d", *c.SustainFrames)
	}

	if c.MergeWindow != nil && *c.MergeWindow != "" {
		if _, err := time.ParseDuration(*c.MergeWindow); err != nil {
			return fmt.Errorf("invalid merge_window '%s': %w", *c.MergeWindow, err)
		}
	}

	return nil
}

// GetMinConfidence returns the min_confidence value or the default.
// Detections strictly below the floor are dropped; exactly at the floor
// is retained.
func (c *TuningConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.1
	}
	return *c.MinConfidence
}

// GetMaxAbsCoordinateMeters returns the max_abs_coordinate_meters value or the default.
func (c *TuningConfig) GetMaxAbsCoordinateMeters() float64 {
	if c.MaxAbsCoordinateMeters == nil {
		return 500.0
	}
	return *c.MaxAbsCoordinateMeters
}

// GetMaxExtentMeters returns the max_extent_meters value or the default.
func (c *TuningConfig) GetMaxExtentMeters() float64 {
	if c.MaxExtentMeters == nil {
		return 20.0
	}
	return *c.MaxExtentMeters
}

// GetMaxAssociationDistance returns the max_association_distance value or
// the default. The gate is scaled per detection by its planar extent.
func (c *TuningConfig) GetMaxAssociationDistance() float64 {
	if c.MaxAssociationDistance == nil {
		return 2.0
	}
	return *c.MaxAssociationDistance
}

// GetConfirmationFrames returns the confirmation_frames value or the default.
func (c *TuningConfig) GetConfirmationFrames() int {
	if c.ConfirmationFrames == nil {
		return 3
	}
	return *c.ConfirmationFrames
}

// GetMissTimeoutFrames returns the miss_timeout_frames value or the default.
func (c *TuningConfig) GetMissTimeoutFrames() int {
	if c.MissTimeoutFrames == nil {
		return 10
	}
	return *c.MissTimeoutFrames
}

// GetStaleTimeoutFrames returns the stale_timeout_frames value or the
// default. A track older than this without data is forced to SAFE and
// closed out even if per-frame scoring was skipped.
func (c *TuningConfig) GetStaleTimeoutFrames() int {
	if c.StaleTimeoutFrames == nil {
		return 30
	}
	return *c.StaleTimeoutFrames
}

// GetHistoryLength returns the history_length value or the default.
func (c *TuningConfig) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return 10
	}
	return *c.HistoryLength
}

// GetMaxReasonableSpeedMps returns the max_reasonable_speed_mps value or the default.
func (c *TuningConfig) GetMaxReasonableSpeedMps() float64 {
	if c.MaxReasonableSpeedMps == nil {
		return 30.0 // ~108 km/h
	}
	return *c.MaxReasonableSpeedMps
}

// GetClassWeightPerson returns the class_weight_person value or the default.
func (c *TuningConfig) GetClassWeightPerson() float64 {
	if c.ClassWeightPerson == nil {
		return 1.0
	}
	return *c.ClassWeightPerson
}

// GetClassWeightVehicle returns the class_weight_vehicle value or the default.
func (c *TuningConfig) GetClassWeightVehicle() float64 {
	if c.ClassWeightVehicle == nil {
		return 0.8
	}
	return *c.ClassWeightVehicle
}

// GetClassWeightCyclist returns the class_weight_cyclist value or the default.
func (c *TuningConfig) GetClassWeightCyclist() float64 {
	if c.ClassWeightCyclist == nil {
		return 0.6
	}
	return *c.ClassWeightCyclist
}

// GetClassWeightUnknown returns the class_weight_unknown value or the default.
func (c *TuningConfig) GetClassWeightUnknown() float64 {
	if c.ClassWeightUnknown == nil {
		return 0.5
	}
	return *c.ClassWeightUnknown
}

// GetLookAheadMeters returns the look_ahead_meters value or the default.
// Zones within this distance of a track (along its velocity) contribute
// a proximity component even before the track crosses the boundary.
func (c *TuningConfig) GetLookAheadMeters() float64 {
	if c.LookAheadMeters == nil {
		return 5.0
	}
	return *c.LookAheadMeters
}

// GetOffHoursMultiplier returns the off_hours_multiplier value or the
// default. Never zero: an intrusion outside nominal hours is still
// notable, just de-prioritised.
func (c *TuningConfig) GetOffHoursMultiplier() float64 {
	if c.OffHoursMultiplier == nil {
		return 0.3
	}
	return *c.OffHoursMultiplier
}

// GetCautionEnterScore returns the caution_enter_score value or the default.
func (c *TuningConfig) GetCautionEnterScore() float64 {
	if c.CautionEnterScore == nil {
		return 0.25
	}
	return *c.CautionEnterScore
}

// GetCautionExitScore returns the caution_exit_score value or the default.
func (c *TuningConfig) GetCautionExitScore() float64 {
	if c.CautionExitScore == nil {
		return 0.15
	}
	return *c.CautionExitScore
}

// GetWarningEnterScore returns the warning_enter_score value or the default.
func (c *TuningConfig) GetWarningEnterScore() float64 {
	if c.WarningEnterScore == nil {
		return 0.55
	}
	return *c.WarningEnterScore
}

// GetWarningExitScore returns the warning_exit_score value or the default.
func (c *TuningConfig) GetWarningExitScore() float64 {
	if c.WarningExitScore == nil {
		return 0.40
	}
	return *c.WarningExitScore
}

// GetAlertEnterScore returns the alert_enter_score value or the default.
func (c *TuningConfig) GetAlertEnterScore() float64 {
	if c.AlertEnterScore == nil {
		return 0.80
	}
	return *c.AlertEnterScore
}

// GetAlertExitScore returns the alert_exit_score value or the default.
func (c *TuningConfig) GetAlertExitScore() float64 {
	if c.AlertExitScore == nil {
		return 0.65
	}
	return *c.AlertExitScore
}

// GetSustainFrames returns the sustain_frames value or the default.
func (c *TuningConfig) GetSustainFrames() int {
	if c.SustainFrames == nil {
		return 2
	}
	return *c.SustainFrames
}

// GetMergeWindow parses and returns the MergeWindow as a time.Duration.
// This bounds the multi-sensor reorder buffer, keeping merge latency bounded.
func (c *TuningConfig) GetMergeWindow() time.Duration {
	if c.MergeWindow == nil || *c.MergeWindow == "" {
		return 200 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.MergeWindow)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}
