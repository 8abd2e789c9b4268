package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

// Reader reads safetensors files.
type Reader struct {
	file       *os.File
	header     header
	dataOffset int64 // offset where tensor data starts
}

// Open opens a safetensors file and parses its header.
func Open(path string) (*Reader, error) {
	//nolint:gosec // G304: loading a checkpoint from a user-supplied path is the whole point
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}

	if headerSize > maxHeaderSize {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	return &Reader{
		file:       file,
		header:     h,
		dataOffset: int64(8 + headerSize), //nolint:gosec // G115: bounded by maxHeaderSize
	}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Metadata returns the "__metadata__" map from the header. May be nil.
func (r *Reader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns all tensor names, sorted.
func (r *Reader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns header information for a specific tensor.
func (r *Reader) TensorInfo(name string) (*TensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return &info, nil
}

// ReadTensorData reads the raw bytes of a tensor.
func (r *Reader) ReadTensorData(name string) ([]byte, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	start := r.dataOffset + info.DataOffsets[0]
	end := r.dataOffset + info.DataOffsets[1]
	size := end - start
	if info.DataOffsets[0] < 0 || size < 0 {
		return nil, fmt.Errorf("invalid data offsets for tensor %s: [%d, %d]",
			name, info.DataOffsets[0], info.DataOffsets[1])
	}

	if _, err := r.file.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to tensor data: %w", err)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r.file, data); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}

	return data, nil
}

// LoadTensor loads a tensor by name.
func (r *Reader) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	dtype, err := info.DType.DataType()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	shape := tensor.Shape(info.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", name, err)
	}

	data, err := r.ReadTensorData(name)
	if err != nil {
		return nil, err
	}

	raw, err := tensor.FromBytes(shape, dtype, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return raw, nil
}

// LoadAll loads every tensor in the file into a state dict.
func (r *Reader) LoadAll() (map[string]*tensor.RawTensor, error) {
	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for name := range r.header.Tensors {
		raw, err := r.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		stateDict[name] = raw
	}
	return stateDict, nil
}

// ReadMetadata opens a safetensors file just long enough to read its
// metadata block. Convenient for model spec sniffing.
func ReadMetadata(path string) (map[string]string, error) {
	reader, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close() // best effort
	}()
	return reader.Metadata(), nil
}
