package modelloader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/safetensors"
	"github.com/bvhari/OneTrainer/internal/scheduler"
	"github.com/bvhari/OneTrainer/internal/tokenizer"
	"github.com/bvhari/OneTrainer/internal/torch"
)

// loadDiffusers reads a diffusers-format model directory: one subfolder per
// component, each holding a config.json and its weights as safetensors or a
// legacy torch .bin.
func (l *Loader) loadDiffusers(fpath string, t model.Type) (*model.StableDiffusionModel, error) {
	info, err := os.Stat(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat model path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", fpath)
	}

	tok, err := tokenizer.Load(filepath.Join(fpath, "tokenizer"))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	sched, err := scheduler.FromPretrained(filepath.Join(fpath, "scheduler"))
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler: %w", err)
	}

	textEncoder, err := loadTextEncoderDir(filepath.Join(fpath, "text_encoder"))
	if err != nil {
		return nil, err
	}
	vae, err := loadVAEDir(filepath.Join(fpath, "vae"))
	if err != nil {
		return nil, err
	}
	unet, err := loadUNetDir(filepath.Join(fpath, "unet"))
	if err != nil {
		return nil, err
	}

	m := &model.StableDiffusionModel{
		Type:           t,
		Tokenizer:      tok,
		NoiseScheduler: sched,
		TextEncoder:    textEncoder,
		VAE:            vae,
		UNet:           unet,
	}

	if t.HasDepthInput() {
		proc, err := model.LoadImageDepthProcessor(
			filepath.Join(fpath, "feature_extractor", "preprocessor_config.json"))
		if err != nil {
			return nil, fmt.Errorf("failed to load feature extractor: %w", err)
		}
		estimator, err := loadDepthEstimatorDir(filepath.Join(fpath, "depth_estimator"))
		if err != nil {
			return nil, err
		}
		m.ImageDepthProcessor = proc
		m.DepthEstimator = estimator
	}

	config, err := DefaultConfigBytes(t)
	if err != nil {
		return nil, err
	}
	m.SDConfig, err = ParseSDConfig(config)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func loadTextEncoderDir(dir string) (*model.TextEncoder, error) {
	config, err := model.LoadTextEncoderConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load text encoder: %w", err)
	}
	sd, err := loadComponentWeights(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load text encoder weights: %w", err)
	}
	return &model.TextEncoder{Config: config, StateDict: sd}, nil
}

func loadVAEDir(dir string) (*model.VAE, error) {
	config, err := model.LoadVAEConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load vae: %w", err)
	}
	sd, err := loadComponentWeights(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load vae weights: %w", err)
	}
	return &model.VAE{Config: config, StateDict: sd}, nil
}

func loadUNetDir(dir string) (*model.UNet, error) {
	config, err := model.LoadUNetConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load unet: %w", err)
	}
	sd, err := loadComponentWeights(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load unet weights: %w", err)
	}
	return &model.UNet{Config: config, StateDict: sd}, nil
}

func loadDepthEstimatorDir(dir string) (*model.DepthEstimator, error) {
	config, err := model.LoadDepthEstimatorConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load depth estimator: %w", err)
	}
	sd, err := loadComponentWeights(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load depth estimator weights: %w", err)
	}
	return &model.DepthEstimator{Config: config, StateDict: sd}, nil
}

// loadComponentWeights reads a component's state dict: safetensors files
// are preferred, torch .bin files are the legacy fallback. Sharded
// components store several weight files; they are merged.
func loadComponentWeights(dir string) (model.StateDict, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		sd := model.StateDict{}
		for _, fpath := range matches {
			if err := mergeSafetensors(sd, fpath); err != nil {
				return nil, err
			}
		}
		return sd, nil
	}

	matches, err = filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no weight files in %s", dir)
	}

	sd := model.StateDict{}
	for _, fpath := range matches {
		cp, err := torch.Load(fpath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fpath, err)
		}
		for name, raw := range cp.StateDict {
			sd[name] = raw
		}
	}
	return sd, nil
}

func mergeSafetensors(sd model.StateDict, fpath string) error {
	reader, err := safetensors.Open(fpath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", fpath, err)
	}
	defer func() {
		_ = reader.Close() // best effort
	}()

	tensors, err := reader.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fpath, err)
	}
	for name, raw := range tensors {
		sd[name] = raw
	}
	return nil
}
