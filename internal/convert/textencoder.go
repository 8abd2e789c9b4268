package convert

import (
	"fmt"
	"strings"
)

// Text encoder variants found in SD checkpoints.
const (
	// TextEncoderCLIP is the v1 encoder (transformers CLIPTextModel); its
	// checkpoint keys already match diffusers after stripping the prefix.
	TextEncoderCLIP = "clip"
	// TextEncoderOpenCLIP is the v2 encoder (open_clip); its keys need a
	// full rename and a fused-qkv split.
	TextEncoderOpenCLIP = "open_clip"
)

// Checkpoint prefixes per component.
const (
	unetPrefix     = "model.diffusion_model."
	vaePrefix      = "first_stage_model."
	clipPrefix     = "cond_stage_model.transformer."
	openCLIPPrefix = "cond_stage_model.model."
)

// DetectTextEncoder reports which text encoder variant a checkpoint carries,
// or "" when it has none.
func DetectTextEncoder(names []string) string {
	for _, name := range names {
		if strings.HasPrefix(name, clipPrefix) {
			return TextEncoderCLIP
		}
		if strings.HasPrefix(name, openCLIPPrefix) {
			return TextEncoderOpenCLIP
		}
	}
	return ""
}

// OpenCLIPKey converts an open_clip text encoder key (prefix already
// stripped) to the diffusers CLIPTextModel name.
//
// An empty name means the key carries no model weight and should be skipped.
// inProj marks the fused attention projection, which the caller must split
// into q/k/v thirds.
func OpenCLIPKey(key string) (name string, inProj bool, err error) {
	switch key {
	case "positional_embedding":
		return "text_model.embeddings.position_embedding.weight", false, nil
	case "token_embedding.weight":
		return "text_model.embeddings.token_embedding.weight", false, nil
	case "ln_final.weight", "ln_final.bias":
		return "text_model.final_layer_norm." + strings.TrimPrefix(key, "ln_final."), false, nil
	case "text_projection", "logit_scale":
		// Contrastive-pretraining heads, not used by the diffusion pipeline.
		return "", false, nil
	}

	if !strings.HasPrefix(key, "transformer.resblocks.") {
		return "", false, fmt.Errorf("unrecognized text encoder key: %s", key)
	}

	idx, sub, err := splitIndexedKey(strings.TrimPrefix(key, "transformer.resblocks."))
	if err != nil {
		return "", false, fmt.Errorf("unrecognized text encoder key: %s", key)
	}
	layer := fmt.Sprintf("text_model.encoder.layers.%d.", idx)

	replacements := [...][2]string{
		{"ln_1.", "layer_norm1."},
		{"ln_2.", "layer_norm2."},
		{"mlp.c_fc.", "mlp.fc1."},
		{"mlp.c_proj.", "mlp.fc2."},
		{"attn.out_proj.", "self_attn.out_proj."},
	}
	for _, r := range replacements {
		if strings.HasPrefix(sub, r[0]) {
			return layer + r[1] + strings.TrimPrefix(sub, r[0]), false, nil
		}
	}

	switch sub {
	case "attn.in_proj_weight":
		return layer + "self_attn.{}_proj.weight", true, nil
	case "attn.in_proj_bias":
		return layer + "self_attn.{}_proj.bias", true, nil
	}

	return "", false, fmt.Errorf("unrecognized text encoder key: %s", key)
}
