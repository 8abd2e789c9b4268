// Package convert maps checkpoint weights from the original Stable Diffusion
// (LDM) layout to the per-component diffusers layout the model object uses.
//
// A monolithic checkpoint stores all sub-models in one flat state dict with
// structural prefixes:
//
//	model.diffusion_model.*        the UNet
//	first_stage_model.*            the VAE
//	cond_stage_model.transformer.* the v1 CLIP text encoder
//	cond_stage_model.model.*       the v2 open_clip text encoder
//
// Conversion is pure key bookkeeping plus two tensor fixups: VAE attention
// projections flattened from 1x1 convs to matrices, and the v2 fused qkv
// projection split into thirds.
package convert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

// Components is a checkpoint state dict split into sub-model state dicts.
type Components struct {
	UNet        map[string]*tensor.RawTensor
	VAE         map[string]*tensor.RawTensor
	TextEncoder map[string]*tensor.RawTensor

	// TextEncoderVariant is TextEncoderCLIP or TextEncoderOpenCLIP.
	TextEncoderVariant string

	// Skipped lists checkpoint keys that carry no model weight (EMA copies,
	// scheduler buffers, contrastive heads).
	Skipped []string
}

// StateDict converts a full checkpoint state dict into diffusers-layout
// component state dicts.
func StateDict(stateDict map[string]*tensor.RawTensor) (*Components, error) {
	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)

	components := &Components{
		UNet:               make(map[string]*tensor.RawTensor),
		VAE:                make(map[string]*tensor.RawTensor),
		TextEncoder:        make(map[string]*tensor.RawTensor),
		TextEncoderVariant: DetectTextEncoder(names),
	}

	for _, name := range names {
		raw := stateDict[name]

		switch {
		case strings.HasPrefix(name, unetPrefix):
			mapped, err := UNetKey(strings.TrimPrefix(name, unetPrefix))
			if err != nil {
				return nil, err
			}
			components.UNet[mapped] = raw

		case strings.HasPrefix(name, vaePrefix):
			mapped, reshape, err := VAEKey(strings.TrimPrefix(name, vaePrefix))
			if err != nil {
				return nil, err
			}
			if reshape {
				raw, err = flattenConvWeight(raw)
				if err != nil {
					return nil, fmt.Errorf("vae key %s: %w", name, err)
				}
			}
			components.VAE[mapped] = raw

		case strings.HasPrefix(name, clipPrefix):
			components.TextEncoder[strings.TrimPrefix(name, clipPrefix)] = raw

		case strings.HasPrefix(name, openCLIPPrefix):
			if err := components.addOpenCLIPKey(strings.TrimPrefix(name, openCLIPPrefix), raw); err != nil {
				return nil, err
			}

		default:
			components.Skipped = append(components.Skipped, name)
		}
	}

	return components, nil
}

func (c *Components) addOpenCLIPKey(key string, raw *tensor.RawTensor) error {
	mapped, inProj, err := OpenCLIPKey(key)
	if err != nil {
		return err
	}
	if mapped == "" {
		c.Skipped = append(c.Skipped, openCLIPPrefix+key)
		return nil
	}

	if !inProj {
		c.TextEncoder[mapped] = raw
		return nil
	}

	// Fused qkv projection: split into equal thirds.
	parts, err := raw.Chunk(3)
	if err != nil {
		return fmt.Errorf("text encoder key %s: %w", key, err)
	}
	for i, proj := range []string{"q", "k", "v"} {
		c.TextEncoder[strings.Replace(mapped, "{}", proj, 1)] = parts[i]
	}
	return nil
}

// flattenConvWeight reshapes a [c, c, 1, 1] 1x1-conv kernel to the [c, c]
// linear weight diffusers expects for VAE attention projections.
func flattenConvWeight(raw *tensor.RawTensor) (*tensor.RawTensor, error) {
	shape := raw.Shape()
	if len(shape) == 2 {
		// Already a matrix; some exporters flatten before saving.
		return raw, nil
	}
	if len(shape) != 4 || shape[2] != 1 || shape[3] != 1 {
		return nil, fmt.Errorf("expected a 1x1 conv kernel, got shape %v", shape)
	}
	return raw.Reshape(tensor.Shape{shape[0], shape[1]})
}
