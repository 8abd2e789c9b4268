package modelloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/torch"
)

type internalMeta struct {
	TrainProgress model.TrainProgress `json:"train_progress"`
}

// loadInternal reads a training checkpoint directory saved by this project:
// a diffusers model plus meta.json with the training progress, and optional
// optimizer and EMA state. Only meta.json is mandatory; a missing optimizer
// or EMA state just means the run saved without them.
func (l *Loader) loadInternal(fpath string, t model.Type) (*model.StableDiffusionModel, error) {
	metaPath := filepath.Join(fpath, "meta.json")
	//nolint:gosec // G304: meta file lives inside the user-supplied checkpoint directory
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta.json: %w", err)
	}
	var meta internalMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meta.json: %w", err)
	}

	m, err := l.loadDiffusers(fpath, t)
	if err != nil {
		return nil, err
	}
	m.TrainProgress = meta.TrainProgress

	if sd, err := loadTorchStateDict(filepath.Join(fpath, "optimizer", "optimizer.pt")); err == nil {
		m.OptimizerStateDict = sd
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load optimizer state: %w", err)
	}

	if sd, err := loadTorchStateDict(filepath.Join(fpath, "ema", "ema.pt")); err == nil {
		m.EMAStateDict = sd
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load ema state: %w", err)
	}

	// The spec sidecar is informational; a broken one never fails the load.
	if spec, err := model.SpecFromFile(filepath.Join(fpath, "model_spec.json")); err == nil {
		m.ModelSpec = spec
	}

	return m, nil
}

func loadTorchStateDict(fpath string) (model.StateDict, error) {
	if _, err := os.Stat(fpath); err != nil {
		return nil, err
	}
	cp, err := torch.Load(fpath)
	if err != nil {
		return nil, err
	}
	return model.StateDict(cp.StateDict), nil
}
