package modelloader

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/safetensors"
	"github.com/bvhari/OneTrainer/internal/tensor"
)

func float32Tensor(t *testing.T, shape tensor.Shape, values []float32) *tensor.RawTensor {
	t.Helper()
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	raw, err := tensor.FromBytes(shape, tensor.Float32, data)
	require.NoError(t, err)
	return raw
}

func writeJSON(t *testing.T, fpath, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(fpath), 0o750))
	require.NoError(t, os.WriteFile(fpath, []byte(content), 0o600))
}

// writeDiffusersFixture lays out a minimal diffusers model directory.
func writeDiffusersFixture(t *testing.T, dir string) {
	t.Helper()

	writeJSON(t, filepath.Join(dir, "tokenizer", "vocab.json"),
		`{"a</w>": 0, "b</w>": 1, "<|startoftext|>": 2, "<|endoftext|>": 3}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer", "merges.txt"),
		[]byte("#version: 0.2\n"), 0o600))

	writeJSON(t, filepath.Join(dir, "scheduler", "scheduler_config.json"),
		`{"num_train_timesteps": 1000, "prediction_type": "epsilon", "steps_offset": 1}`)

	writeJSON(t, filepath.Join(dir, "text_encoder", "config.json"),
		`{"hidden_size": 768, "num_hidden_layers": 12, "vocab_size": 49408}`)
	writeComponentWeights(t, filepath.Join(dir, "text_encoder", "model.safetensors"),
		"text_model.embeddings.token_embedding.weight")

	writeJSON(t, filepath.Join(dir, "vae", "config.json"),
		`{"sample_size": 512, "latent_channels": 4, "scaling_factor": 0.18215}`)
	writeComponentWeights(t, filepath.Join(dir, "vae", "diffusion_pytorch_model.safetensors"),
		"encoder.conv_in.weight")

	writeJSON(t, filepath.Join(dir, "unet", "config.json"),
		`{"sample_size": 64, "in_channels": 4, "layers_per_block": 2, "cross_attention_dim": 768}`)
	writeComponentWeights(t, filepath.Join(dir, "unet", "diffusion_pytorch_model.safetensors"),
		"conv_in.weight")
}

func writeComponentWeights(t *testing.T, fpath, tensorName string) {
	t.Helper()
	raw := float32Tensor(t, tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, safetensors.Write(fpath,
		map[string]*tensor.RawTensor{tensorName: raw}, nil))
}

func TestLoadDiffusers(t *testing.T) {
	dir := t.TempDir()
	writeDiffusersFixture(t, dir)

	m, err := New().Load(context.Background(), model.SD15, model.AllFloat32(), dir)
	require.NoError(t, err)

	assert.Equal(t, model.SD15, m.Type)
	assert.NotNil(t, m.Tokenizer)
	assert.Equal(t, 1000, m.NoiseScheduler.NumTrainTimesteps)
	assert.Contains(t, m.UNet.StateDict, "conv_in.weight")
	assert.Contains(t, m.VAE.StateDict, "encoder.conv_in.weight")
	assert.Contains(t, m.TextEncoder.StateDict, "text_model.embeddings.token_embedding.weight")
	assert.Equal(t, 768, m.TextEncoder.Config.HiddenSize)
	require.NotNil(t, m.ModelSpec)
	assert.Equal(t, "stable-diffusion-v1", m.ModelSpec.Architecture)
	require.NotNil(t, m.SDConfig)
	assert.Contains(t, m.SDConfig, "model")
	// No training state in a plain diffusers directory.
	assert.Zero(t, m.TrainProgress)
	assert.Nil(t, m.OptimizerStateDict)
}

func TestLoadDiffusersCastsWeights(t *testing.T) {
	dir := t.TempDir()
	writeDiffusersFixture(t, dir)

	dtypes := model.AllFloat32()
	dtypes.VAE = tensor.Float16

	m, err := New().Load(context.Background(), model.SD15, dtypes, dir)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, m.VAE.StateDict["encoder.conv_in.weight"].DType())
	assert.Equal(t, tensor.Float32, m.UNet.StateDict["conv_in.weight"].DType())
}

func TestLoadInternal(t *testing.T) {
	dir := t.TempDir()
	writeDiffusersFixture(t, dir)
	writeJSON(t, filepath.Join(dir, "meta.json"),
		`{"train_progress": {"epoch": 3, "epoch_step": 12, "epoch_sample": 480, "global_step": 9000}}`)
	writeJSON(t, filepath.Join(dir, "model_spec.json"),
		`{"modelspec.sai_model_spec": "1.0.0", "modelspec.title": "resumed run"}`)

	m, err := New().Load(context.Background(), model.SD15, model.AllFloat32(), dir)
	require.NoError(t, err)

	assert.Equal(t, 3, m.TrainProgress.Epoch)
	assert.Equal(t, int64(9000), m.TrainProgress.GlobalStep)
	require.NotNil(t, m.ModelSpec)
	assert.Equal(t, "resumed run", m.ModelSpec.Title)
	// Optimizer and EMA state were not saved; that is not an error.
	assert.Nil(t, m.OptimizerStateDict)
	assert.Nil(t, m.EMAStateDict)
}

func TestLoadDiffusersDepthModel(t *testing.T) {
	dir := t.TempDir()
	writeDiffusersFixture(t, dir)
	writeJSON(t, filepath.Join(dir, "feature_extractor", "preprocessor_config.json"),
		`{"do_resize": true, "do_normalize": true, "image_processor_type": "DPTImageProcessor"}`)
	writeJSON(t, filepath.Join(dir, "depth_estimator", "config.json"),
		`{"hidden_size": 768, "num_hidden_layers": 12, "architectures": ["DPTForDepthEstimation"]}`)
	writeComponentWeights(t, filepath.Join(dir, "depth_estimator", "model.safetensors"),
		"dpt.embeddings.patch_embeddings.projection.weight")

	m, err := New().Load(context.Background(), model.SD20Depth, model.AllFloat32(), dir)
	require.NoError(t, err)

	require.NotNil(t, m.ImageDepthProcessor)
	assert.True(t, m.ImageDepthProcessor.DoResize)
	require.NotNil(t, m.DepthEstimator)
	assert.Contains(t, m.DepthEstimator.StateDict, "dpt.embeddings.patch_embeddings.projection.weight")

	// Non-depth types never look for the depth components.
	m2, err := New().Load(context.Background(), model.SD20Base, model.AllFloat32(), dir)
	require.NoError(t, err)
	assert.Nil(t, m2.DepthEstimator)
}

func writeMonolithicSafetensors(t *testing.T, fpath string, metadata map[string]string) {
	t.Helper()
	stateDict := map[string]*tensor.RawTensor{
		"model.diffusion_model.time_embed.0.weight":                              float32Tensor(t, tensor.Shape{4}, []float32{1, 2, 3, 4}),
		"first_stage_model.decoder.norm_out.weight":                              float32Tensor(t, tensor.Shape{2}, []float32{5, 6}),
		"cond_stage_model.transformer.text_model.embeddings.token_embedding.weight": float32Tensor(t, tensor.Shape{2, 2}, []float32{1, 2, 3, 4}),
	}
	require.NoError(t, safetensors.Write(fpath, stateDict, metadata))
}

func TestLoadMonolithicSafetensors(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "model.safetensors")
	writeMonolithicSafetensors(t, fpath, map[string]string{
		"modelspec.sai_model_spec": "1.0.0",
		"modelspec.title":          "embedded spec",
	})

	m, err := New().Load(context.Background(), model.SD15, model.AllFloat32(), fpath)
	require.NoError(t, err)

	assert.Contains(t, m.UNet.StateDict, "time_embedding.linear_1.weight")
	assert.Contains(t, m.VAE.StateDict, "decoder.conv_norm_out.weight")
	assert.Contains(t, m.TextEncoder.StateDict, "text_model.embeddings.token_embedding.weight")
	assert.Equal(t, "epsilon", m.NoiseScheduler.PredictionType)
	require.NotNil(t, m.ModelSpec)
	assert.Equal(t, "embedded spec", m.ModelSpec.Title)
	// The bundled v1 config resolved as the default.
	require.Contains(t, m.SDConfig, "model")
}

func TestLoadSafetensorsSidecarConfig(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "model.safetensors")
	writeMonolithicSafetensors(t, fpath, nil)
	sidecar := "model:\n  params:\n    parameterization: custom\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.yaml"), []byte(sidecar), 0o600))

	m, err := New().Load(context.Background(), model.SD15, model.AllFloat32(), fpath)
	require.NoError(t, err)

	modelSection, ok := m.SDConfig["model"].(map[string]any)
	require.True(t, ok)
	params, ok := modelSection["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "custom", params["parameterization"])
	// No embedded spec, so the default is synthesized.
	require.NotNil(t, m.ModelSpec)
	assert.Equal(t, "1.0.0", m.ModelSpec.SAIModelSpec)
}

// ckptPickle emits raw pickle opcodes for a torch checkpoint, the same way
// torch.save lays them out.
type ckptPickle struct {
	buf bytes.Buffer
}

func (p *ckptPickle) opcode(b byte) {
	p.buf.WriteByte(b)
}

func (p *ckptPickle) str(s string) {
	p.buf.WriteByte('X') // BINUNICODE
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	p.buf.Write(n[:])
	p.buf.WriteString(s)
}

func (p *ckptPickle) integer(v int) {
	p.buf.WriteByte('J') // BININT
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(int32(v)))
	p.buf.Write(n[:])
}

func (p *ckptPickle) global(module, name string) {
	p.buf.WriteByte('c') // GLOBAL
	p.buf.WriteString(module + "\n" + name + "\n")
}

// tensor emits a _rebuild_tensor_v2 REDUCE over a float32 storage with
// dense row-major strides.
func (p *ckptPickle) tensor(storageKey string, shape []int) {
	numel := 1
	for _, d := range shape {
		numel *= d
	}
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}

	p.global("torch._utils", "_rebuild_tensor_v2")
	p.opcode('(') // MARK
	p.opcode('(')
	p.str("storage")
	p.global("torch", "FloatStorage")
	p.str(storageKey)
	p.str("cpu")
	p.integer(numel)
	p.opcode('t') // TUPLE
	p.opcode('Q') // BINPERSID
	p.integer(0)  // storage offset
	p.opcode('(')
	for _, d := range shape {
		p.integer(d)
	}
	p.opcode('t')
	p.opcode('(')
	for _, s := range stride {
		p.integer(s)
	}
	p.opcode('t')
	p.opcode(0x89) // NEWFALSE, requires_grad
	p.opcode(']')  // EMPTY_LIST, backward_hooks
	p.opcode('t')
	p.opcode('R') // REDUCE
}

// writeMonolithicCkpt writes a legacy SD checkpoint: weights under
// "state_dict" with CompVis key names, training counters next to it.
func writeMonolithicCkpt(t *testing.T, fpath string) {
	t.Helper()

	var p ckptPickle
	p.opcode(0x80) // PROTO
	p.opcode(2)
	p.opcode('}') // EMPTY_DICT
	p.opcode('(')
	p.str("state_dict")
	p.opcode('}')
	p.opcode('(')
	p.str("model.diffusion_model.time_embed.0.weight")
	p.tensor("0", []int{4})
	p.str("first_stage_model.decoder.norm_out.weight")
	p.tensor("1", []int{2})
	p.str("cond_stage_model.transformer.text_model.embeddings.token_embedding.weight")
	p.tensor("2", []int{2, 2})
	p.opcode('u') // SETITEMS
	p.str("global_step")
	p.integer(500)
	p.opcode('u')
	p.opcode('.') // STOP

	storage := func(values ...float32) []byte {
		data := make([]byte, 0, len(values)*4)
		for _, v := range values {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
		return data
	}

	file, err := os.Create(fpath)
	require.NoError(t, err)
	defer file.Close()

	zw := zip.NewWriter(file)
	entry, err := zw.Create("archive/data.pkl")
	require.NoError(t, err)
	_, err = entry.Write(p.buf.Bytes())
	require.NoError(t, err)
	for key, data := range map[string][]byte{
		"0": storage(1, 2, 3, 4),
		"1": storage(5, 6),
		"2": storage(1, 2, 3, 4),
	} {
		entry, err := zw.Create("archive/data/" + key)
		require.NoError(t, err)
		_, err = entry.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestLoadMonolithicCkpt(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "model.ckpt")
	writeMonolithicCkpt(t, fpath)

	m, err := New().Load(context.Background(), model.SD15, model.AllFloat32(), fpath)
	require.NoError(t, err)

	assert.Equal(t, "ckpt", m.SourceFormat)
	assert.Contains(t, m.UNet.StateDict, "time_embedding.linear_1.weight")
	assert.Contains(t, m.VAE.StateDict, "decoder.conv_norm_out.weight")
	assert.Contains(t, m.TextEncoder.StateDict, "text_model.embeddings.token_embedding.weight")
	// Single-file checkpoints get the stock DDIM scheduler.
	assert.Equal(t, 0.00085, m.NoiseScheduler.BetaStart)
	assert.Equal(t, "epsilon", m.NoiseScheduler.PredictionType)
	require.Contains(t, m.SDConfig, "model")
	require.NotNil(t, m.ModelSpec)
}

func TestLoadCkptSidecarConfig(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "model.ckpt")
	writeMonolithicCkpt(t, fpath)
	sidecar := "model:\n  params:\n    parameterization: custom\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.yml"), []byte(sidecar), 0o600))

	m, err := New().Load(context.Background(), model.SD15, model.AllFloat32(), fpath)
	require.NoError(t, err)

	modelSection, ok := m.SDConfig["model"].(map[string]any)
	require.True(t, ok)
	params, ok := modelSection["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "custom", params["parameterization"])
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := New().Load(context.Background(), model.SD15, model.AllFloat32(), "")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestLoadAggregateError(t *testing.T) {
	_, err := New().Load(context.Background(), model.SD15, model.AllFloat32(),
		filepath.Join(t.TempDir(), "missing.ckpt"))
	require.Error(t, err)
	// Every strategy's failure is visible in the aggregate.
	assert.ErrorContains(t, err, "internal:")
	assert.ErrorContains(t, err, "diffusers:")
	assert.ErrorContains(t, err, "safetensors:")
	assert.ErrorContains(t, err, "ckpt:")
}

func TestLoadCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Load(ctx, model.SD15, model.AllFloat32(), "model.safetensors")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultConfigBytes(t *testing.T) {
	for _, mt := range []model.Type{
		model.SD15, model.SD15Inpainting, model.SD20, model.SD20Base,
		model.SD20Inpainting, model.SD20Depth, model.SD21, model.SD21Base,
	} {
		data, err := DefaultConfigBytes(mt)
		require.NoError(t, err, mt.String())
		config, err := ParseSDConfig(data)
		require.NoError(t, err, mt.String())
		assert.Contains(t, config, "model", mt.String())
	}

	_, err := DefaultConfigBytes(model.TypeUnknown)
	assert.Error(t, err)
}

func TestVPredictionConfigHasParameterization(t *testing.T) {
	data, err := DefaultConfigBytes(model.SD21)
	require.NoError(t, err)
	config, err := ParseSDConfig(data)
	require.NoError(t, err)

	modelSection := config["model"].(map[string]any)
	params := modelSection["params"].(map[string]any)
	assert.Equal(t, "v", params["parameterization"])
}
