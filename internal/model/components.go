package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

// StateDict maps parameter names to their raw weights.
type StateDict map[string]*tensor.RawTensor

// Cast converts every floating point tensor in the dict to dtype. Integer
// tensors (position ids, buffers) pass through unchanged.
func (sd StateDict) Cast(dtype tensor.DataType) (StateDict, error) {
	out := make(StateDict, len(sd))
	for name, raw := range sd {
		if !raw.DType().IsFloat() || raw.DType() == dtype {
			out[name] = raw
			continue
		}
		cast, err := raw.Cast(dtype)
		if err != nil {
			return nil, fmt.Errorf("failed to cast %s: %w", name, err)
		}
		out[name] = cast
	}
	return out, nil
}

// UNetConfig holds the fields of a diffusers UNet2DConditionModel config
// the loader and trainer care about.
type UNetConfig struct {
	SampleSize        int    `json:"sample_size"`
	InChannels        int    `json:"in_channels"`
	OutChannels       int    `json:"out_channels"`
	LayersPerBlock    int    `json:"layers_per_block"`
	CrossAttentionDim int    `json:"cross_attention_dim"`
	AttentionHeadDim  any    `json:"attention_head_dim,omitempty"`
	ClassName         string `json:"_class_name,omitempty"`
}

// UNet is the denoising network: its configuration plus weights.
type UNet struct {
	Config    UNetConfig
	StateDict StateDict
}

// VAEConfig holds the fields of a diffusers AutoencoderKL config.
type VAEConfig struct {
	SampleSize     int     `json:"sample_size"`
	InChannels     int     `json:"in_channels"`
	OutChannels    int     `json:"out_channels"`
	LatentChannels int     `json:"latent_channels"`
	ScalingFactor  float64 `json:"scaling_factor"`
	ClassName      string  `json:"_class_name,omitempty"`
}

// VAE is the image autoencoder.
type VAE struct {
	Config    VAEConfig
	StateDict StateDict
}

// TextEncoderConfig holds the fields of a CLIPTextModel config.
type TextEncoderConfig struct {
	HiddenSize            int      `json:"hidden_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	VocabSize             int      `json:"vocab_size"`
	HiddenAct             string   `json:"hidden_act,omitempty"`
	Architectures         []string `json:"architectures,omitempty"`
}

// TextEncoder is the CLIP (or open_clip) text model.
type TextEncoder struct {
	Config    TextEncoderConfig
	StateDict StateDict
}

// DepthEstimatorConfig holds the fields of a DPT depth estimation config
// used by the depth-conditioned models.
type DepthEstimatorConfig struct {
	HiddenSize      int      `json:"hidden_size"`
	NumHiddenLayers int      `json:"num_hidden_layers"`
	Architectures   []string `json:"architectures,omitempty"`
}

// DepthEstimator is the MiDaS network producing depth conditioning maps.
type DepthEstimator struct {
	Config    DepthEstimatorConfig
	StateDict StateDict
}

// ImageDepthProcessor holds the feature extractor settings that preprocess
// images before depth estimation.
type ImageDepthProcessor struct {
	Size          map[string]int `json:"size,omitempty"`
	ImageMean     []float64      `json:"image_mean,omitempty"`
	ImageStd      []float64      `json:"image_std,omitempty"`
	DoNormalize   bool           `json:"do_normalize"`
	DoResize      bool           `json:"do_resize"`
	ProcessorType string         `json:"image_processor_type,omitempty"`
}

func readConfigJSON(fpath string, v any) error {
	//nolint:gosec // G304: config lives inside the user-supplied model directory
	data, err := os.ReadFile(fpath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", fpath, err)
	}
	return nil
}

// LoadUNetConfig reads a UNet config.json.
func LoadUNetConfig(fpath string) (UNetConfig, error) {
	var config UNetConfig
	err := readConfigJSON(fpath, &config)
	return config, err
}

// LoadVAEConfig reads an AutoencoderKL config.json.
func LoadVAEConfig(fpath string) (VAEConfig, error) {
	var config VAEConfig
	err := readConfigJSON(fpath, &config)
	return config, err
}

// LoadTextEncoderConfig reads a CLIPTextModel config.json.
func LoadTextEncoderConfig(fpath string) (TextEncoderConfig, error) {
	var config TextEncoderConfig
	err := readConfigJSON(fpath, &config)
	return config, err
}

// LoadDepthEstimatorConfig reads a DPT config.json.
func LoadDepthEstimatorConfig(fpath string) (DepthEstimatorConfig, error) {
	var config DepthEstimatorConfig
	err := readConfigJSON(fpath, &config)
	return config, err
}

// LoadImageDepthProcessor reads a preprocessor_config.json.
func LoadImageDepthProcessor(fpath string) (*ImageDepthProcessor, error) {
	var proc ImageDepthProcessor
	if err := readConfigJSON(fpath, &proc); err != nil {
		return nil, err
	}
	return &proc, nil
}
