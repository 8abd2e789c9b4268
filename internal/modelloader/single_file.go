package modelloader

import (
	"fmt"
	"os"
	"strings"

	"github.com/bvhari/OneTrainer/internal/convert"
	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/safetensors"
	"github.com/bvhari/OneTrainer/internal/scheduler"
	"github.com/bvhari/OneTrainer/internal/tensor"
	"github.com/bvhari/OneTrainer/internal/torch"
)

// loadSafetensors reads a monolithic .safetensors checkpoint and converts
// its CompVis state dict into components.
func (l *Loader) loadSafetensors(fpath string, t model.Type) (*model.StableDiffusionModel, error) {
	if err := statFile(fpath, ".safetensors"); err != nil {
		return nil, err
	}

	reader, err := safetensors.Open(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to open safetensors file: %w", err)
	}
	defer func() {
		_ = reader.Close() // best effort
	}()

	stateDict, err := reader.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read tensors: %w", err)
	}

	m, err := buildFromStateDict(stateDict, t, fpath)
	if err != nil {
		return nil, err
	}

	// Embedded spec metadata is best effort.
	m.ModelSpec = model.SpecFromMetadata(reader.Metadata())
	return m, nil
}

// loadCkpt reads a legacy torch .ckpt checkpoint.
func (l *Loader) loadCkpt(fpath string, t model.Type) (*model.StableDiffusionModel, error) {
	if err := statFile(fpath, ".ckpt"); err != nil {
		return nil, err
	}

	cp, err := torch.Load(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	return buildFromStateDict(cp.StateDict, t, fpath)
}

func statFile(fpath, ext string) error {
	if !strings.HasSuffix(fpath, ext) {
		return fmt.Errorf("%s is not a %s file", fpath, ext)
	}
	info, err := os.Stat(fpath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", fpath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", fpath)
	}
	return nil
}

// buildFromStateDict converts a CompVis state dict into the component
// layout and assembles the model with the default scheduler and the yaml
// config resolved for the checkpoint.
func buildFromStateDict(stateDict map[string]*tensor.RawTensor, t model.Type, fpath string) (*model.StableDiffusionModel, error) {
	components, err := convert.StateDict(stateDict)
	if err != nil {
		return nil, fmt.Errorf("failed to convert state dict: %w", err)
	}
	if len(components.UNet) == 0 {
		return nil, fmt.Errorf("checkpoint %s contains no unet weights", fpath)
	}

	sdConfig, err := resolveSDConfig(fpath, t)
	if err != nil {
		return nil, err
	}

	return &model.StableDiffusionModel{
		Type:           t,
		NoiseScheduler: scheduler.DefaultDDIM(),
		TextEncoder: &model.TextEncoder{
			Config:    defaultTextEncoderConfig(t),
			StateDict: model.StateDict(components.TextEncoder),
		},
		VAE: &model.VAE{
			Config:    defaultVAEConfig(),
			StateDict: model.StateDict(components.VAE),
		},
		UNet: &model.UNet{
			Config:    defaultUNetConfig(t),
			StateDict: model.StateDict(components.UNet),
		},
		SDConfig: sdConfig,
	}, nil
}

func defaultUNetConfig(t model.Type) model.UNetConfig {
	config := model.UNetConfig{
		SampleSize:        64,
		InChannels:        4,
		OutChannels:       4,
		LayersPerBlock:    2,
		CrossAttentionDim: 768,
		ClassName:         "UNet2DConditionModel",
	}
	if t.IsV2() {
		config.CrossAttentionDim = 1024
	}
	if t.VPrediction() {
		config.SampleSize = 96
	}
	if t.HasConditioningImageInput() {
		config.InChannels = 9
	}
	if t.HasDepthInput() {
		config.InChannels = 5
	}
	return config
}

func defaultVAEConfig() model.VAEConfig {
	return model.VAEConfig{
		SampleSize:     512,
		InChannels:     3,
		OutChannels:    3,
		LatentChannels: 4,
		ScalingFactor:  0.18215,
		ClassName:      "AutoencoderKL",
	}
}

func defaultTextEncoderConfig(t model.Type) model.TextEncoderConfig {
	config := model.TextEncoderConfig{
		HiddenSize:            768,
		NumHiddenLayers:       12,
		NumAttentionHeads:     12,
		MaxPositionEmbeddings: 77,
		VocabSize:             49408,
		HiddenAct:             "quick_gelu",
		Architectures:         []string{"CLIPTextModel"},
	}
	if t.IsV2() {
		config.HiddenSize = 1024
		config.NumHiddenLayers = 23
		config.NumAttentionHeads = 16
		config.HiddenAct = "gelu"
	}
	return config
}
