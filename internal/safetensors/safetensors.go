// Package safetensors reads and writes the safetensors container format.
//
// Layout:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
//
// The JSON header maps tensor names to {dtype, shape, data_offsets} and may
// carry a "__metadata__" object of string pairs. Checkpoints distributed for
// Stable Diffusion embed their model spec in that metadata block.
package safetensors

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

// maxHeaderSize caps the JSON header at 100MB. Anything larger is a
// corrupted or hostile file.
const maxHeaderSize = 100 * 1024 * 1024

// Common errors.
var (
	ErrHeaderTooLarge = errors.New("safetensors: header exceeds maximum size")
	ErrTensorNotFound = errors.New("safetensors: tensor not found")
)

// DType represents a safetensors data type name.
type DType string

// Supported safetensors dtypes.
const (
	F16  DType = "F16"
	F32  DType = "F32"
	F64  DType = "F64"
	BF16 DType = "BF16"
	I32  DType = "I32"
	I64  DType = "I64"
	U8   DType = "U8"
	BOOL DType = "BOOL"
)

// DataType converts the safetensors dtype to the runtime tensor type.
func (d DType) DataType() (tensor.DataType, error) {
	switch d {
	case F32:
		return tensor.Float32, nil
	case F64:
		return tensor.Float64, nil
	case F16:
		return tensor.Float16, nil
	case BF16:
		return tensor.BFloat16, nil
	case I32:
		return tensor.Int32, nil
	case I64:
		return tensor.Int64, nil
	case U8:
		return tensor.Uint8, nil
	case BOOL:
		return tensor.Bool, nil
	default:
		return 0, fmt.Errorf("unsupported safetensors dtype: %s", d)
	}
}

// FromDataType converts a runtime tensor type to the safetensors dtype name.
func FromDataType(dt tensor.DataType) (DType, error) {
	switch dt {
	case tensor.Float32:
		return F32, nil
	case tensor.Float64:
		return F64, nil
	case tensor.Float16:
		return F16, nil
	case tensor.BFloat16:
		return BF16, nil
	case tensor.Int32:
		return I32, nil
	case tensor.Int64:
		return I64, nil
	case tensor.Uint8:
		return U8, nil
	case tensor.Bool:
		return BOOL, nil
	default:
		return "", fmt.Errorf("dtype %s has no safetensors representation", dt)
	}
}

// TensorInfo describes one tensor in the header.
type TensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end] relative to the data section
}

// header is the parsed JSON header.
type header struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
}

// UnmarshalJSON splits the "__metadata__" entry from the tensor entries.
func (h *header) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap["__metadata__"]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]TensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}

	return nil
}
