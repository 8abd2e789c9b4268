// Package scheduler holds the noise scheduler configuration loaded with a
// model. Only the configuration lives here; the sampling math belongs to
// the training pipeline.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Prediction types.
const (
	PredictionEpsilon = "epsilon"
	PredictionV       = "v_prediction"
	PredictionSample  = "sample"
)

// DDIMConfig mirrors the diffusers DDIMScheduler configuration.
type DDIMConfig struct {
	NumTrainTimesteps int       `json:"num_train_timesteps"`
	BetaStart         float64   `json:"beta_start"`
	BetaEnd           float64   `json:"beta_end"`
	BetaSchedule      string    `json:"beta_schedule"`
	TrainedBetas      []float64 `json:"trained_betas,omitempty"`
	ClipSample        bool      `json:"clip_sample"`
	SetAlphaToOne     bool      `json:"set_alpha_to_one"`
	StepsOffset       int       `json:"steps_offset"`
	PredictionType    string    `json:"prediction_type"`
}

// DefaultDDIM returns the scheduler configuration installed when a
// checkpoint carries no scheduler of its own. These are the constants the
// SD training ecosystem settled on for epsilon-prediction models.
func DefaultDDIM() DDIMConfig {
	return DDIMConfig{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		TrainedBetas:      nil,
		ClipSample:        false,
		SetAlphaToOne:     false,
		StepsOffset:       1,
		PredictionType:    PredictionEpsilon,
	}
}

// FromPretrained reads scheduler_config.json from a diffusers scheduler
// directory. Fields absent from the file keep their defaults.
func FromPretrained(dir string) (DDIMConfig, error) {
	config := DefaultDDIM()

	//nolint:gosec // G304: scheduler config lives inside the user-supplied model directory
	data, err := os.ReadFile(filepath.Join(dir, "scheduler_config.json"))
	if err != nil {
		return config, fmt.Errorf("failed to read scheduler config: %w", err)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse scheduler config: %w", err)
	}

	if config.PredictionType == "" {
		config.PredictionType = PredictionEpsilon
	}
	return config, nil
}
