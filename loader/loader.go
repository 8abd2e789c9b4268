// Package loader is the public entry point for reading Stable Diffusion
// checkpoints.
//
// It wraps the internal loader implementation and exports a clean API for
// loading models from every format they ship in: internal training
// checkpoints, diffusers directories, monolithic safetensors files and
// legacy ckpt files.
//
// Example usage:
//
//	import "github.com/bvhari/OneTrainer/loader"
//
//	m, err := loader.Load(ctx, loader.SD15, loader.AllFloat32(), "model.safetensors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("loaded %s with %d unet tensors\n", m.Type, len(m.UNet.StateDict))
package loader

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/modelloader"
)

// ModelType identifies a Stable Diffusion model family and variant.
type ModelType = model.Type

// Supported model types.
const (
	SD15           ModelType = model.SD15
	SD15Inpainting ModelType = model.SD15Inpainting
	SD20           ModelType = model.SD20
	SD20Base       ModelType = model.SD20Base
	SD20Inpainting ModelType = model.SD20Inpainting
	SD20Depth      ModelType = model.SD20Depth
	SD21           ModelType = model.SD21
	SD21Base       ModelType = model.SD21Base
)

// ParseModelType parses a model type name such as "sd15" or "sd21-base".
func ParseModelType(s string) (ModelType, error) {
	return model.ParseType(s)
}

// WeightDtypes selects the data type each sub-model's weights are held in
// after loading.
type WeightDtypes = model.WeightDtypes

// AllFloat32 keeps every component in full precision.
func AllFloat32() WeightDtypes {
	return model.AllFloat32()
}

// AllFloat16 keeps every component in half precision.
func AllFloat16() WeightDtypes {
	return model.AllFloat16()
}

// StableDiffusionModel is the fully assembled model a load produces.
type StableDiffusionModel = model.StableDiffusionModel

// Format represents the on-disk model layout.
type Format = modelloader.Format

// Supported formats.
const (
	FormatUnknown     Format = modelloader.FormatUnknown
	FormatInternal    Format = modelloader.FormatInternal
	FormatDiffusers   Format = modelloader.FormatDiffusers
	FormatSafeTensors Format = modelloader.FormatSafeTensors
	FormatCkpt        Format = modelloader.FormatCkpt
)

// Loader runs the format fallback chain.
type Loader = modelloader.Loader

// New creates a Loader. Pass WithLogger to see per-strategy diagnostics.
func New(opts ...modelloader.Option) *Loader {
	return modelloader.New(opts...)
}

// WithLogger installs a logger on a Loader.
func WithLogger(log zerolog.Logger) modelloader.Option {
	return modelloader.WithLogger(log)
}

// Load reads the model at fpath with a default Loader, trying every format
// strategy in priority order.
func Load(ctx context.Context, t ModelType, dtypes WeightDtypes, fpath string) (*StableDiffusionModel, error) {
	return New().Load(ctx, t, dtypes, fpath)
}

// DetectFormat inspects a path and reports the format a load would use.
func DetectFormat(fpath string) Format {
	return modelloader.DetectFormat(fpath)
}
