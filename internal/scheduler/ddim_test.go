package scheduler

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDDIM(t *testing.T) {
	config := DefaultDDIM()

	if config.NumTrainTimesteps != 1000 {
		t.Errorf("expected 1000 train timesteps, got %d", config.NumTrainTimesteps)
	}
	if config.BetaStart != 0.00085 || config.BetaEnd != 0.012 {
		t.Errorf("unexpected beta range: [%v, %v]", config.BetaStart, config.BetaEnd)
	}
	if config.BetaSchedule != "scaled_linear" {
		t.Errorf("unexpected beta schedule: %s", config.BetaSchedule)
	}
	if config.ClipSample || config.SetAlphaToOne {
		t.Error("clip_sample and set_alpha_to_one must default to false")
	}
	if config.StepsOffset != 1 {
		t.Errorf("expected steps offset 1, got %d", config.StepsOffset)
	}
	if config.PredictionType != PredictionEpsilon {
		t.Errorf("unexpected prediction type: %s", config.PredictionType)
	}
}

func TestFromPretrained(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"num_train_timesteps": 1000,
		"beta_schedule": "scaled_linear",
		"prediction_type": "v_prediction",
		"steps_offset": 1
	}`
	if err := os.WriteFile(filepath.Join(dir, "scheduler_config.json"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	config, err := FromPretrained(dir)
	if err != nil {
		t.Fatalf("FromPretrained failed: %v", err)
	}
	if config.PredictionType != PredictionV {
		t.Errorf("expected v_prediction, got %s", config.PredictionType)
	}
	// Fields absent from the file keep their defaults.
	if config.BetaStart != 0.00085 {
		t.Errorf("beta_start should keep its default, got %v", config.BetaStart)
	}
}

func TestFromPretrainedMissing(t *testing.T) {
	if _, err := FromPretrained(t.TempDir()); err == nil {
		t.Error("expected error for missing scheduler config")
	}
}
