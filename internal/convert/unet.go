package convert

import (
	"fmt"
	"strconv"
	"strings"
)

// The SD 1.x/2.x UNet has two resnets per block and a down/upsampler between
// blocks. The LDM checkpoint flattens that structure into numbered
// input/middle/output blocks; diffusers names the modules instead.
const unetLayersPerBlock = 2

// UNetKey converts a single LDM UNet key (with the "model.diffusion_model."
// prefix already stripped) to the diffusers UNet2DConditionModel name.
func UNetKey(key string) (string, error) {
	switch {
	case strings.HasPrefix(key, "time_embed.0."):
		return "time_embedding.linear_1." + strings.TrimPrefix(key, "time_embed.0."), nil
	case strings.HasPrefix(key, "time_embed.2."):
		return "time_embedding.linear_2." + strings.TrimPrefix(key, "time_embed.2."), nil
	case strings.HasPrefix(key, "input_blocks.0.0."):
		return "conv_in." + strings.TrimPrefix(key, "input_blocks.0.0."), nil
	case strings.HasPrefix(key, "out.0."):
		return "conv_norm_out." + strings.TrimPrefix(key, "out.0."), nil
	case strings.HasPrefix(key, "out.2."):
		return "conv_out." + strings.TrimPrefix(key, "out.2."), nil
	case strings.HasPrefix(key, "input_blocks."):
		return unetInputBlockKey(key)
	case strings.HasPrefix(key, "middle_block."):
		return unetMiddleBlockKey(key)
	case strings.HasPrefix(key, "output_blocks."):
		return unetOutputBlockKey(key)
	default:
		return "", fmt.Errorf("unrecognized unet key: %s", key)
	}
}

func unetInputBlockKey(key string) (string, error) {
	idx, module, rest, err := splitBlockKey(key, "input_blocks.")
	if err != nil {
		return "", err
	}

	blockID := (idx - 1) / (unetLayersPerBlock + 1)
	layerID := (idx - 1) % (unetLayersPerBlock + 1)

	switch {
	case module == 0 && strings.HasPrefix(rest, "op."):
		// Downsampler between blocks.
		return fmt.Sprintf("down_blocks.%d.downsamplers.0.conv.%s",
			blockID, strings.TrimPrefix(rest, "op.")), nil
	case module == 0:
		return fmt.Sprintf("down_blocks.%d.resnets.%d.%s", blockID, layerID, resnetKey(rest)), nil
	case module == 1:
		return fmt.Sprintf("down_blocks.%d.attentions.%d.%s", blockID, layerID, rest), nil
	default:
		return "", fmt.Errorf("unrecognized unet key: input_blocks module %d in %s", module, key)
	}
}

func unetMiddleBlockKey(key string) (string, error) {
	rest := strings.TrimPrefix(key, "middle_block.")
	switch {
	case strings.HasPrefix(rest, "0."):
		return "mid_block.resnets.0." + resnetKey(strings.TrimPrefix(rest, "0.")), nil
	case strings.HasPrefix(rest, "1."):
		return "mid_block.attentions.0." + strings.TrimPrefix(rest, "1."), nil
	case strings.HasPrefix(rest, "2."):
		return "mid_block.resnets.1." + resnetKey(strings.TrimPrefix(rest, "2.")), nil
	default:
		return "", fmt.Errorf("unrecognized unet key: %s", key)
	}
}

func unetOutputBlockKey(key string) (string, error) {
	idx, module, rest, err := splitBlockKey(key, "output_blocks.")
	if err != nil {
		return "", err
	}

	blockID := idx / (unetLayersPerBlock + 1)
	layerID := idx % (unetLayersPerBlock + 1)

	switch {
	case module == 0:
		return fmt.Sprintf("up_blocks.%d.resnets.%d.%s", blockID, layerID, resnetKey(rest)), nil
	case module == 1 && strings.HasPrefix(rest, "conv."):
		// Blocks without attention keep their upsampler in slot 1.
		return fmt.Sprintf("up_blocks.%d.upsamplers.0.%s", blockID, rest), nil
	case module == 1:
		return fmt.Sprintf("up_blocks.%d.attentions.%d.%s", blockID, layerID, rest), nil
	case module == 2:
		return fmt.Sprintf("up_blocks.%d.upsamplers.0.%s", blockID, rest), nil
	default:
		return "", fmt.Errorf("unrecognized unet key: output_blocks module %d in %s", module, key)
	}
}

// splitBlockKey parses "<prefix><idx>.<module>.<rest>".
func splitBlockKey(key, prefix string) (idx, module int, rest string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(key, prefix), ".", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("unrecognized unet key: %s", key)
	}
	idx, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("unrecognized unet key: %s", key)
	}
	module, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", fmt.Errorf("unrecognized unet key: %s", key)
	}
	return idx, module, parts[2], nil
}

// resnetKey renames the submodules inside an LDM ResBlock to the diffusers
// ResnetBlock2D names.
func resnetKey(key string) string {
	replacements := [...][2]string{
		{"in_layers.0.", "norm1."},
		{"in_layers.2.", "conv1."},
		{"emb_layers.1.", "time_emb_proj."},
		{"out_layers.0.", "norm2."},
		{"out_layers.3.", "conv2."},
		{"skip_connection.", "conv_shortcut."},
	}
	for _, r := range replacements {
		if strings.HasPrefix(key, r[0]) {
			return r[1] + strings.TrimPrefix(key, r[0])
		}
	}
	return key
}
