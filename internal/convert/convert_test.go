package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvhari/OneTrainer/internal/tensor"
)

func TestUNetKey(t *testing.T) {
	cases := map[string]string{
		"time_embed.0.weight":                "time_embedding.linear_1.weight",
		"time_embed.2.bias":                  "time_embedding.linear_2.bias",
		"input_blocks.0.0.weight":            "conv_in.weight",
		"out.0.weight":                       "conv_norm_out.weight",
		"out.2.bias":                         "conv_out.bias",
		"input_blocks.1.0.in_layers.0.weight":   "down_blocks.0.resnets.0.norm1.weight",
		"input_blocks.1.0.in_layers.2.weight":   "down_blocks.0.resnets.0.conv1.weight",
		"input_blocks.2.0.emb_layers.1.bias":    "down_blocks.0.resnets.1.time_emb_proj.bias",
		"input_blocks.3.0.op.weight":            "down_blocks.0.downsamplers.0.conv.weight",
		"input_blocks.4.0.skip_connection.bias": "down_blocks.1.resnets.0.conv_shortcut.bias",
		"input_blocks.4.1.proj_in.weight":       "down_blocks.1.attentions.0.proj_in.weight",
		"input_blocks.5.1.transformer_blocks.0.attn1.to_q.weight": "down_blocks.1.attentions.1.transformer_blocks.0.attn1.to_q.weight",
		"middle_block.0.out_layers.3.weight": "mid_block.resnets.0.conv2.weight",
		"middle_block.1.norm.weight":         "mid_block.attentions.0.norm.weight",
		"middle_block.2.in_layers.0.bias":    "mid_block.resnets.1.norm1.bias",
		"output_blocks.0.0.in_layers.0.weight": "up_blocks.0.resnets.0.norm1.weight",
		"output_blocks.2.1.conv.weight":        "up_blocks.0.upsamplers.0.conv.weight",
		"output_blocks.3.1.proj_out.bias":      "up_blocks.1.attentions.0.proj_out.bias",
		"output_blocks.5.2.conv.weight":        "up_blocks.1.upsamplers.0.conv.weight",
		"output_blocks.11.0.out_layers.0.weight": "up_blocks.3.resnets.2.norm2.weight",
	}

	for in, want := range cases {
		got, err := UNetKey(in)
		require.NoError(t, err, "key %s", in)
		assert.Equal(t, want, got, "key %s", in)
	}

	_, err := UNetKey("label_emb.weight")
	assert.Error(t, err)
}

func TestVAEKey(t *testing.T) {
	cases := map[string]string{
		"encoder.conv_in.weight":               "encoder.conv_in.weight",
		"encoder.norm_out.weight":              "encoder.conv_norm_out.weight",
		"decoder.conv_out.bias":                "decoder.conv_out.bias",
		"quant_conv.weight":                    "quant_conv.weight",
		"post_quant_conv.bias":                 "post_quant_conv.bias",
		"encoder.down.0.block.0.norm1.weight":  "encoder.down_blocks.0.resnets.0.norm1.weight",
		"encoder.down.1.block.1.nin_shortcut.weight": "encoder.down_blocks.1.resnets.1.conv_shortcut.weight",
		"encoder.down.2.downsample.conv.weight": "encoder.down_blocks.2.downsamplers.0.conv.weight",
		"encoder.mid.block_1.conv1.weight":      "encoder.mid_block.resnets.0.conv1.weight",
		"encoder.mid.block_2.norm2.bias":        "encoder.mid_block.resnets.1.norm2.bias",
		"encoder.mid.attn_1.norm.weight":        "encoder.mid_block.attentions.0.group_norm.weight",
		// Decoder up blocks are index-reversed.
		"decoder.up.0.block.0.conv1.weight":    "decoder.up_blocks.3.resnets.0.conv1.weight",
		"decoder.up.3.block.2.norm2.weight":    "decoder.up_blocks.0.resnets.2.norm2.weight",
		"decoder.up.1.upsample.conv.weight":    "decoder.up_blocks.2.upsamplers.0.conv.weight",
	}

	for in, want := range cases {
		got, _, err := VAEKey(in)
		require.NoError(t, err, "key %s", in)
		assert.Equal(t, want, got, "key %s", in)
	}

	// Attention projections need a reshape, the group norm does not.
	_, reshape, err := VAEKey("encoder.mid.attn_1.q.weight")
	require.NoError(t, err)
	assert.True(t, reshape)
	_, reshape, err = VAEKey("encoder.mid.attn_1.proj_out.bias")
	require.NoError(t, err)
	assert.False(t, reshape)
	_, reshape, err = VAEKey("encoder.mid.attn_1.norm.weight")
	require.NoError(t, err)
	assert.False(t, reshape)
}

func TestOpenCLIPKey(t *testing.T) {
	cases := map[string]string{
		"positional_embedding":  "text_model.embeddings.position_embedding.weight",
		"token_embedding.weight": "text_model.embeddings.token_embedding.weight",
		"ln_final.weight":        "text_model.final_layer_norm.weight",
		"transformer.resblocks.0.ln_1.weight":       "text_model.encoder.layers.0.layer_norm1.weight",
		"transformer.resblocks.3.ln_2.bias":         "text_model.encoder.layers.3.layer_norm2.bias",
		"transformer.resblocks.5.mlp.c_fc.weight":   "text_model.encoder.layers.5.mlp.fc1.weight",
		"transformer.resblocks.5.mlp.c_proj.bias":   "text_model.encoder.layers.5.mlp.fc2.bias",
		"transformer.resblocks.22.attn.out_proj.weight": "text_model.encoder.layers.22.self_attn.out_proj.weight",
	}

	for in, want := range cases {
		got, inProj, err := OpenCLIPKey(in)
		require.NoError(t, err, "key %s", in)
		assert.False(t, inProj, "key %s", in)
		assert.Equal(t, want, got, "key %s", in)
	}

	got, inProj, err := OpenCLIPKey("transformer.resblocks.2.attn.in_proj_weight")
	require.NoError(t, err)
	assert.True(t, inProj)
	assert.Equal(t, "text_model.encoder.layers.2.self_attn.{}_proj.weight", got)

	// Contrastive heads are skipped, not errors.
	got, _, err = OpenCLIPKey("text_projection")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func newTensor(t *testing.T, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32)
	require.NoError(t, err)
	return raw
}

func TestStateDictV1(t *testing.T) {
	stateDict := map[string]*tensor.RawTensor{
		"model.diffusion_model.time_embed.0.weight":               newTensor(t, tensor.Shape{1280, 320}),
		"first_stage_model.encoder.mid.attn_1.q.weight":           newTensor(t, tensor.Shape{8, 8, 1, 1}),
		"cond_stage_model.transformer.text_model.embeddings.token_embedding.weight": newTensor(t, tensor.Shape{49408, 768}),
		"model_ema.decay":  newTensor(t, tensor.Shape{1}),
		"alphas_cumprod":   newTensor(t, tensor.Shape{1000}),
	}

	components, err := StateDict(stateDict)
	require.NoError(t, err)

	assert.Equal(t, TextEncoderCLIP, components.TextEncoderVariant)
	assert.Contains(t, components.UNet, "time_embedding.linear_1.weight")
	assert.Contains(t, components.TextEncoder, "text_model.embeddings.token_embedding.weight")
	assert.ElementsMatch(t, []string{"model_ema.decay", "alphas_cumprod"}, components.Skipped)

	// The attention projection is flattened to a matrix.
	q := components.VAE["encoder.mid_block.attentions.0.to_q.weight"]
	require.NotNil(t, q)
	assert.True(t, q.Shape().Equal(tensor.Shape{8, 8}))
}

func TestStateDictV2QKVSplit(t *testing.T) {
	inProj := newTensor(t, tensor.Shape{12, 4})
	stateDict := map[string]*tensor.RawTensor{
		"cond_stage_model.model.transformer.resblocks.0.attn.in_proj_weight": inProj,
		"cond_stage_model.model.logit_scale":                                 newTensor(t, tensor.Shape{1}),
	}

	components, err := StateDict(stateDict)
	require.NoError(t, err)

	assert.Equal(t, TextEncoderOpenCLIP, components.TextEncoderVariant)
	for _, proj := range []string{"q", "k", "v"} {
		part := components.TextEncoder["text_model.encoder.layers.0.self_attn."+proj+"_proj.weight"]
		require.NotNil(t, part, "%s projection missing", proj)
		assert.True(t, part.Shape().Equal(tensor.Shape{4, 4}))
	}
	assert.Contains(t, components.Skipped, "cond_stage_model.model.logit_scale")
}
