package model

import (
	"github.com/bvhari/OneTrainer/internal/scheduler"
	"github.com/bvhari/OneTrainer/internal/tokenizer"
)

// StableDiffusionModel is the fully assembled model a loader strategy
// produces: every sub-model plus training bookkeeping. Optional parts are
// nil when the checkpoint did not carry them.
type StableDiffusionModel struct {
	Type Type

	Tokenizer      tokenizer.Tokenizer
	NoiseScheduler scheduler.DDIMConfig
	TextEncoder    *TextEncoder
	VAE            *VAE
	UNet           *UNet

	// Depth conditioning components, set only for depth model types.
	ImageDepthProcessor *ImageDepthProcessor
	DepthEstimator      *DepthEstimator

	// Training state restored from internal checkpoints.
	OptimizerStateDict StateDict
	EMAStateDict       StateDict
	TrainProgress      TrainProgress

	ModelSpec *ModelSpec

	// SDConfig is the LDM yaml config resolved for the checkpoint, either
	// a sidecar found next to it or the bundled default. The training
	// pipeline reads model.params.parameterization and friends from it.
	SDConfig map[string]any

	// SourceFormat names the load strategy that produced the model.
	SourceFormat string
}

// EnsureSpec fills in a default model spec when the checkpoint carried none.
func (m *StableDiffusionModel) EnsureSpec() {
	if m.ModelSpec == nil {
		m.ModelSpec = DefaultSpec(m.Type)
	}
}

// CastWeights converts the float weights of each sub-model to the
// requested dtypes.
func (m *StableDiffusionModel) CastWeights(dtypes WeightDtypes) error {
	if m.UNet != nil {
		sd, err := m.UNet.StateDict.Cast(dtypes.UNet)
		if err != nil {
			return err
		}
		m.UNet.StateDict = sd
	}
	if m.TextEncoder != nil {
		sd, err := m.TextEncoder.StateDict.Cast(dtypes.TextEncoder)
		if err != nil {
			return err
		}
		m.TextEncoder.StateDict = sd
	}
	if m.VAE != nil {
		sd, err := m.VAE.StateDict.Cast(dtypes.VAE)
		if err != nil {
			return err
		}
		m.VAE.StateDict = sd
	}
	return nil
}
