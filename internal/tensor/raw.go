package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RawTensor is the low-level tensor representation: a shape, a data type
// and the backing bytes in row-major order.
//
// The loader never performs tensor math. It moves weights between on-disk
// formats and the in-memory model, so a flat byte buffer is all we need.
type RawTensor struct {
	shape Shape
	dtype DataType
	data  []byte
}

// NewRaw creates a new RawTensor with the given shape and type.
// Memory is allocated and zero-initialized.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	byteSize := shape.NumElements() * dtype.Size()
	return &RawTensor{
		shape: shape.Clone(),
		dtype: dtype,
		data:  make([]byte, byteSize),
	}, nil
}

// FromBytes creates a RawTensor that adopts data as its backing buffer.
// The buffer length must match shape and dtype exactly.
func FromBytes(shape Shape, dtype DataType, data []byte) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	want := shape.NumElements() * dtype.Size()
	if len(data) != want {
		return nil, fmt.Errorf("data size mismatch: have %d bytes, shape %v of %s needs %d",
			len(data), shape, dtype, want)
	}

	return &RawTensor{
		shape: shape.Clone(),
		dtype: dtype,
		data:  data,
	}, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Data returns the raw backing bytes.
func (r *RawTensor) Data() []byte {
	return r.data
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// Reshape returns a view of the tensor with a new shape. The element count
// must be unchanged. The backing buffer is shared.
func (r *RawTensor) Reshape(shape Shape) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != r.shape.NumElements() {
		return nil, fmt.Errorf("cannot reshape %v to %v: element count differs", r.shape, shape)
	}
	return &RawTensor{shape: shape.Clone(), dtype: r.dtype, data: r.data}, nil
}

// Float32s decodes the tensor into a []float32.
// Supported source dtypes: Float32, Float16, BFloat16, Float64.
func (r *RawTensor) Float32s() ([]float32, error) {
	n := r.NumElements()
	out := make([]float32, n)

	switch r.dtype {
	case Float32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.data[i*4:]))
		}
	case Float64:
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(r.data[i*8:])))
		}
	case Float16:
		for i := 0; i < n; i++ {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(r.data[i*2:]))
		}
	case BFloat16:
		for i := 0; i < n; i++ {
			out[i] = BFloat16ToFloat32(binary.LittleEndian.Uint16(r.data[i*2:]))
		}
	default:
		return nil, fmt.Errorf("cannot decode dtype %s to float32", r.dtype)
	}

	return out, nil
}

// Cast converts the tensor to the given floating point dtype.
// Returns the receiver unchanged when the dtype already matches.
func (r *RawTensor) Cast(dtype DataType) (*RawTensor, error) {
	if dtype == r.dtype {
		return r, nil
	}
	if !r.dtype.IsFloat() || !dtype.IsFloat() {
		return nil, fmt.Errorf("cast %s to %s: only float casts are supported", r.dtype, dtype)
	}

	values, err := r.Float32s()
	if err != nil {
		return nil, err
	}

	out, err := NewRaw(r.shape, dtype)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out.data[i*4:], math.Float32bits(v))
		}
	case Float64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(out.data[i*8:], math.Float64bits(float64(v)))
		}
	case Float16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out.data[i*2:], Float32ToFloat16(v))
		}
	case BFloat16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out.data[i*2:], Float32ToBFloat16(v))
		}
	default:
		return nil, fmt.Errorf("unsupported cast target: %s", dtype)
	}

	return out, nil
}

// Chunk splits the tensor into n equal parts along the first dimension.
// Used when a fused qkv projection has to be split into separate weights.
func (r *RawTensor) Chunk(n int) ([]*RawTensor, error) {
	if len(r.shape) == 0 {
		return nil, fmt.Errorf("cannot chunk a scalar tensor")
	}
	if n <= 0 || r.shape[0]%n != 0 {
		return nil, fmt.Errorf("cannot chunk dimension %d into %d parts", r.shape[0], n)
	}

	partShape := r.shape.Clone()
	partShape[0] = r.shape[0] / n
	partBytes := partShape.NumElements() * r.dtype.Size()

	parts := make([]*RawTensor, n)
	for i := 0; i < n; i++ {
		part, err := FromBytes(partShape, r.dtype, r.data[i*partBytes:(i+1)*partBytes])
		if err != nil {
			return nil, err
		}
		parts[i] = part
	}
	return parts, nil
}
