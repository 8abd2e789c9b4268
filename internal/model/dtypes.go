package model

import "github.com/bvhari/OneTrainer/internal/tensor"

// WeightDtypes selects the data type each sub-model's weights are held in
// after loading. Mixed setups are common: fp32 UNet for training stability
// with fp16 VAE and text encoder to save memory.
type WeightDtypes struct {
	UNet        tensor.DataType
	TextEncoder tensor.DataType
	VAE         tensor.DataType
}

// AllFloat32 keeps every component in full precision.
func AllFloat32() WeightDtypes {
	return WeightDtypes{
		UNet:        tensor.Float32,
		TextEncoder: tensor.Float32,
		VAE:         tensor.Float32,
	}
}

// AllFloat16 keeps every component in half precision.
func AllFloat16() WeightDtypes {
	return WeightDtypes{
		UNet:        tensor.Float16,
		TextEncoder: tensor.Float16,
		VAE:         tensor.Float16,
	}
}
