package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()

	internal := filepath.Join(dir, "internal-checkpoint")
	require.NoError(t, os.MkdirAll(internal, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(internal, "meta.json"), []byte("{}"), 0o600))

	diffusers := filepath.Join(dir, "diffusers-model")
	require.NoError(t, os.MkdirAll(filepath.Join(diffusers, "unet"), 0o750))

	st := filepath.Join(dir, "model.safetensors")
	require.NoError(t, os.WriteFile(st, []byte{}, 0o600))

	ckpt := filepath.Join(dir, "model.ckpt")
	require.NoError(t, os.WriteFile(ckpt, []byte{}, 0o600))

	assert.Equal(t, FormatInternal, DetectFormat(internal))
	assert.Equal(t, FormatDiffusers, DetectFormat(diffusers))
	assert.Equal(t, FormatSafeTensors, DetectFormat(st))
	assert.Equal(t, FormatCkpt, DetectFormat(ckpt))
	assert.Equal(t, FormatUnknown, DetectFormat(filepath.Join(dir, "missing")))
	assert.Equal(t, FormatUnknown, DetectFormat(t.TempDir()))
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "SafeTensors", FormatSafeTensors.String())
	assert.Equal(t, "Unknown", FormatUnknown.String())
}

func TestParseModelType(t *testing.T) {
	mt, err := ParseModelType("sd21-base")
	require.NoError(t, err)
	assert.Equal(t, SD21Base, mt)

	_, err = ParseModelType("nope")
	assert.Error(t, err)
}
