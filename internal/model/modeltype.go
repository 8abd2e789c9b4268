// Package model defines the in-memory Stable Diffusion model object the
// loader produces and the training pipeline consumes.
package model

import "fmt"

// Type identifies a Stable Diffusion model family and variant.
type Type int

// Supported model types.
const (
	TypeUnknown Type = iota
	SD15
	SD15Inpainting
	SD20
	SD20Base
	SD20Inpainting
	SD20Depth
	SD21
	SD21Base
)

// String returns the canonical model type name.
func (t Type) String() string {
	switch t {
	case SD15:
		return "sd15"
	case SD15Inpainting:
		return "sd15-inpainting"
	case SD20:
		return "sd20"
	case SD20Base:
		return "sd20-base"
	case SD20Inpainting:
		return "sd20-inpainting"
	case SD20Depth:
		return "sd20-depth"
	case SD21:
		return "sd21"
	case SD21Base:
		return "sd21-base"
	default:
		return "unknown"
	}
}

// ParseType parses a model type name as used on CLI flags and in meta files.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{SD15, SD15Inpainting, SD20, SD20Base, SD20Inpainting, SD20Depth, SD21, SD21Base} {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown model type: %q", s)
}

// HasDepthInput reports whether the UNet takes a depth-map conditioning
// channel and the model needs a depth estimator.
func (t Type) HasDepthInput() bool {
	return t == SD20Depth
}

// HasConditioningImageInput reports whether the UNet takes masked-image
// conditioning channels (the inpainting variants).
func (t Type) HasConditioningImageInput() bool {
	return t == SD15Inpainting || t == SD20Inpainting
}

// IsV2 reports whether the model uses the SD 2.x architecture (open_clip
// text encoder, 1024-dim context).
func (t Type) IsV2() bool {
	switch t {
	case SD20, SD20Base, SD20Inpainting, SD20Depth, SD21, SD21Base:
		return true
	default:
		return false
	}
}

// VPrediction reports whether the model family is trained with
// v-prediction. Only the 768-resolution v2 checkpoints are.
func (t Type) VPrediction() bool {
	return t == SD20 || t == SD21
}

// DefaultConfigName returns the name of the bundled LDM inference config
// for the model type, or "" when there is none.
func (t Type) DefaultConfigName() string {
	switch t {
	case SD15:
		return "v1-inference.yaml"
	case SD15Inpainting:
		return "v1-inpainting-inference.yaml"
	case SD20, SD21:
		return "v2-inference-v.yaml"
	case SD20Base, SD21Base:
		return "v2-inference.yaml"
	case SD20Inpainting:
		return "v2-inpainting-inference.yaml"
	case SD20Depth:
		return "v2-midas-inference.yaml"
	default:
		return ""
	}
}
