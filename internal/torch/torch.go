// Package torch reads legacy PyTorch zip checkpoints (.ckpt, .pt).
//
// A torch checkpoint is a zip archive containing a pickled object graph
// (data.pkl) plus one blob per tensor storage (data/<key>). This package
// implements just enough of both layers to extract state dicts: the pickle
// decoder is a restricted stack machine that accepts only the opcodes and
// callables torch emits when saving plain containers of tensors. Anything
// that would execute code is rejected.
package torch

import (
	"errors"
	"fmt"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

// Common errors.
var (
	ErrNoPickle           = errors.New("torch: archive contains no data.pkl")
	ErrUnsupportedOpcode  = errors.New("torch: unsupported pickle opcode")
	ErrForbiddenCallable  = errors.New("torch: callable not allowed in checkpoint")
	ErrStorageNotFound    = errors.New("torch: tensor storage not found in archive")
	ErrNotContiguous      = errors.New("torch: non-contiguous tensor storage")
	ErrUnsupportedStorage = errors.New("torch: unsupported storage type")
)

// Checkpoint is the materialized content of a torch file: the tensors,
// plus every non-tensor scalar flattened into dotted metadata keys.
type Checkpoint struct {
	StateDict map[string]*tensor.RawTensor
	Meta      map[string]any
}

// storageDataType maps a torch storage class name to the runtime tensor type.
func storageDataType(class string) (tensor.DataType, error) {
	switch class {
	case "FloatStorage":
		return tensor.Float32, nil
	case "DoubleStorage":
		return tensor.Float64, nil
	case "HalfStorage":
		return tensor.Float16, nil
	case "BFloat16Storage":
		return tensor.BFloat16, nil
	case "IntStorage":
		return tensor.Int32, nil
	case "LongStorage":
		return tensor.Int64, nil
	case "ByteStorage":
		return tensor.Uint8, nil
	case "BoolStorage":
		return tensor.Bool, nil
	default:
		return 0, fmt.Errorf("%w: torch.%s", ErrUnsupportedStorage, class)
	}
}

// globalRef is a resolved GLOBAL/STACK_GLOBAL opcode: a module-qualified name.
type globalRef struct {
	module string
	name   string
}

// storageRef is produced by a persistent-id load:
// ("storage", <StorageClass>, key, location, numel).
type storageRef struct {
	dtype tensor.DataType
	key   string
	numel int64
}

// tensorStub is the result of a torch._utils._rebuild_tensor_v2 call.
// Storage bytes are resolved against the archive after unpickling.
type tensorStub struct {
	storage storageRef
	offset  int64
	shape   tensor.Shape
	stride  []int
}

// contiguous reports whether the stub's strides describe a dense
// row-major layout. torch.save always writes contiguous tensors for
// state dicts; anything else is refused rather than silently reordered.
func (s *tensorStub) contiguous() bool {
	expected := 1
	for i := len(s.shape) - 1; i >= 0; i-- {
		if s.shape[i] != 1 && s.stride[i] != expected {
			return false
		}
		expected *= s.shape[i]
	}
	return true
}
