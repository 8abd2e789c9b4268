package torch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

// Load reads a torch zip checkpoint and materializes every tensor.
//
// If the pickled object nests the weights under a "state_dict" entry (the
// layout of original Stable Diffusion checkpoints), that entry becomes the
// state dict and its siblings become metadata. Otherwise the whole object
// graph is flattened with dotted keys, which covers optimizer and EMA state
// files saved directly from a state_dict() call.
func Load(fpath string) (*Checkpoint, error) {
	//nolint:gosec // G304: loading a checkpoint from a user-supplied path is the whole point
	file, err := os.Open(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close() // best effort
	}()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	archive, err := zip.NewReader(file, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("not a torch zip checkpoint: %w", err)
	}

	root, pickleFile, err := findPickle(archive)
	if err != nil {
		return nil, err
	}

	pickleReader, err := pickleFile.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open data.pkl: %w", err)
	}
	obj, err := newUnpickler(pickleReader).load()
	closeErr := pickleReader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle checkpoint: %w", err)
	}
	if closeErr != nil {
		return nil, closeErr
	}

	storages := loadStorageIndex(archive, root)

	checkpoint := &Checkpoint{
		StateDict: make(map[string]*tensor.RawTensor),
		Meta:      make(map[string]any),
	}
	if err := checkpoint.collect(obj, storages); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// findPickle locates data.pkl. Torch prefixes every entry with an archive
// root directory whose name varies, so match on the suffix.
func findPickle(archive *zip.Reader) (string, *zip.File, error) {
	for _, f := range archive.File {
		if path.Base(f.Name) == "data.pkl" {
			return path.Dir(f.Name), f, nil
		}
	}
	return "", nil, ErrNoPickle
}

// loadStorageIndex maps storage keys to their zip entries.
func loadStorageIndex(archive *zip.Reader, root string) map[string]*zip.File {
	prefix := path.Join(root, "data") + "/"
	storages := make(map[string]*zip.File)
	for _, f := range archive.File {
		if strings.HasPrefix(f.Name, prefix) {
			storages[strings.TrimPrefix(f.Name, prefix)] = f
		}
	}
	return storages
}

// collect walks the unpickled object graph, materializing tensor stubs into
// StateDict and scalars into Meta.
func (c *Checkpoint) collect(obj any, storages map[string]*zip.File) error {
	root, ok := obj.(*pickleDict)
	if !ok {
		return fmt.Errorf("checkpoint root is %T, expected dict", obj)
	}

	// Original SD checkpoints wrap the weights in a "state_dict" entry.
	if inner, ok := root.values["state_dict"].(*pickleDict); ok {
		for _, key := range root.keys {
			if key == "state_dict" {
				continue
			}
			if err := c.walk(fmt.Sprint(key), root.values[key], storages); err != nil {
				return err
			}
		}
		return c.walk("", inner, storages)
	}

	return c.walk("", root, storages)
}

func (c *Checkpoint) walk(prefix string, obj any, storages map[string]*zip.File) error {
	switch v := obj.(type) {
	case *pickleDict:
		for _, key := range v.keys {
			if err := c.walk(joinKey(prefix, fmt.Sprint(key)), v.values[key], storages); err != nil {
				return err
			}
		}
	case *[]any:
		for i, item := range *v {
			if err := c.walk(joinKey(prefix, strconv.Itoa(i)), item, storages); err != nil {
				return err
			}
		}
	case *tensorStub:
		raw, err := materialize(v, storages)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", prefix, err)
		}
		c.StateDict[prefix] = raw
	case nil:
		// Dropped.
	default:
		c.Meta[prefix] = v
	}
	return nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// materialize reads a stub's storage bytes out of the archive.
func materialize(stub *tensorStub, storages map[string]*zip.File) (*tensor.RawTensor, error) {
	if err := stub.shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tensor shape: %w", err)
	}
	if !stub.contiguous() {
		return nil, ErrNotContiguous
	}

	entry, ok := storages[stub.storage.key]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrStorageNotFound, stub.storage.key)
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open storage %s: %w", stub.storage.key, err)
	}
	defer func() {
		_ = rc.Close() // best effort
	}()

	elemSize := int64(stub.storage.dtype.Size())
	numel := int64(stub.shape.NumElements())
	if stub.offset < 0 || stub.offset+numel > stub.storage.numel {
		return nil, fmt.Errorf("tensor range [%d, %d) exceeds storage of %d elements",
			stub.offset, stub.offset+numel, stub.storage.numel)
	}

	// Zip entries are streams; skip to the tensor's slice of the storage.
	if _, err := io.CopyN(io.Discard, rc, stub.offset*elemSize); err != nil {
		return nil, fmt.Errorf("failed to skip storage prefix: %w", err)
	}
	data := make([]byte, numel*elemSize)
	if _, err := io.ReadFull(rc, data); err != nil {
		return nil, fmt.Errorf("failed to read storage %s: %w", stub.storage.key, err)
	}

	if len(stub.shape) == 0 {
		// Scalar tensor.
		return tensor.FromBytes(tensor.Shape{1}, stub.storage.dtype, data)
	}
	return tensor.FromBytes(stub.shape, stub.storage.dtype, data)
}
