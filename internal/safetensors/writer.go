package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

// Writer writes safetensors files.
type Writer struct {
	file   *os.File
	closed bool
}

// NewWriter creates a safetensors file writer.
func NewWriter(path string) (*Writer, error) {
	//nolint:gosec // G304: saving a checkpoint to a user-supplied path is intentional
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &Writer{file: file}, nil
}

// Write is a convenience wrapper that writes a complete state dict to path.
func Write(path string, stateDict map[string]*tensor.RawTensor, metadata map[string]string) error {
	writer, err := NewWriter(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = writer.Close() // best effort
	}()
	return writer.WriteStateDict(stateDict, metadata)
}

// WriteStateDict writes a state dictionary to the file.
// Tensors are written in alphabetical order by name.
func (w *Writer) WriteStateDict(stateDict map[string]*tensor.RawTensor, metadata map[string]string) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	tensorNames := make([]string, 0, len(stateDict))
	for name := range stateDict {
		tensorNames = append(tensorNames, name)
	}
	sort.Strings(tensorNames)

	headerMap := make(map[string]interface{}, len(stateDict)+1)
	if len(metadata) > 0 {
		headerMap["__metadata__"] = metadata
	}

	var currentOffset int64
	for _, name := range tensorNames {
		raw := stateDict[name]
		dtype, err := FromDataType(raw.DType())
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		size := int64(len(raw.Data()))

		headerMap[name] = TensorInfo{
			DType:       dtype,
			Shape:       raw.Shape(),
			DataOffsets: [2]int64{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(headerMap)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(w.file, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.file.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, name := range tensorNames {
		if _, err := w.file.Write(stateDict[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the writer and the underlying file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
