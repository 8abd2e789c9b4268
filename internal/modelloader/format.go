package modelloader

import (
	"os"
	"path/filepath"
	"strings"
)

// Format identifies the on-disk layout of a model path.
type Format int

// Known formats, in the priority order the loader tries them.
const (
	FormatUnknown Format = iota
	FormatInternal
	FormatDiffusers
	FormatSafeTensors
	FormatCkpt
)

// String returns a human readable format name.
func (f Format) String() string {
	switch f {
	case FormatInternal:
		return "Internal"
	case FormatDiffusers:
		return "Diffusers"
	case FormatSafeTensors:
		return "SafeTensors"
	case FormatCkpt:
		return "Ckpt"
	default:
		return "Unknown"
	}
}

// DetectFormat inspects a path and reports the format a load would use.
// Detection is a hint for tooling; the loader itself always runs the full
// fallback chain.
func DetectFormat(fpath string) Format {
	info, err := os.Stat(fpath)
	if err != nil {
		return FormatUnknown
	}

	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(fpath, "meta.json")); err == nil {
			return FormatInternal
		}
		for _, marker := range []string{"model_index.json", "unet", "tokenizer"} {
			if _, err := os.Stat(filepath.Join(fpath, marker)); err == nil {
				return FormatDiffusers
			}
		}
		return FormatUnknown
	}

	switch {
	case strings.HasSuffix(fpath, ".safetensors"):
		return FormatSafeTensors
	case strings.HasSuffix(fpath, ".ckpt"), strings.HasSuffix(fpath, ".pt"), strings.HasSuffix(fpath, ".bin"):
		return FormatCkpt
	default:
		return FormatUnknown
	}
}
