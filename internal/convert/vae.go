package convert

import (
	"fmt"
	"strconv"
	"strings"
)

// The SD VAE has four encoder/decoder blocks. The LDM decoder numbers its
// up blocks from the lowest resolution; diffusers numbers from the highest,
// so decoder block indices are reversed.
const vaeNumBlocks = 4

// VAEKey converts a single LDM first-stage (AutoencoderKL) key to the
// diffusers name. reshape reports that the tensor is a mid-block attention
// projection stored as a 1x1 conv and must be flattened to a matrix.
func VAEKey(key string) (name string, reshape bool, err error) {
	switch {
	case strings.HasPrefix(key, "quant_conv."), strings.HasPrefix(key, "post_quant_conv."):
		return key, false, nil
	case strings.HasPrefix(key, "encoder."), strings.HasPrefix(key, "decoder."):
		// Handled below.
	default:
		return "", false, fmt.Errorf("unrecognized vae key: %s", key)
	}

	side, rest, _ := strings.Cut(key, ".")

	switch {
	case strings.HasPrefix(rest, "conv_in."), strings.HasPrefix(rest, "conv_out."):
		return key, false, nil
	case strings.HasPrefix(rest, "norm_out."):
		return side + ".conv_norm_out." + strings.TrimPrefix(rest, "norm_out."), false, nil
	case strings.HasPrefix(rest, "mid."):
		return vaeMidKey(side, strings.TrimPrefix(rest, "mid."))
	case side == "encoder" && strings.HasPrefix(rest, "down."):
		name, err = vaeEncoderBlockKey(strings.TrimPrefix(rest, "down."))
		return name, false, err
	case side == "decoder" && strings.HasPrefix(rest, "up."):
		name, err = vaeDecoderBlockKey(strings.TrimPrefix(rest, "up."))
		return name, false, err
	default:
		return "", false, fmt.Errorf("unrecognized vae key: %s", key)
	}
}

func vaeMidKey(side, rest string) (string, bool, error) {
	switch {
	case strings.HasPrefix(rest, "block_1."):
		return side + ".mid_block.resnets.0." + vaeResnetKey(strings.TrimPrefix(rest, "block_1.")), false, nil
	case strings.HasPrefix(rest, "block_2."):
		return side + ".mid_block.resnets.1." + vaeResnetKey(strings.TrimPrefix(rest, "block_2.")), false, nil
	case strings.HasPrefix(rest, "attn_1."):
		return vaeAttentionKey(side, strings.TrimPrefix(rest, "attn_1."))
	default:
		return "", false, fmt.Errorf("unrecognized vae key: %s.mid.%s", side, rest)
	}
}

// vaeAttentionKey renames the single mid-block attention. The q/k/v/proj
// weights are 1x1 convs in the checkpoint but linear layers in diffusers.
func vaeAttentionKey(side, rest string) (string, bool, error) {
	replacements := [...][2]string{
		{"norm.", "group_norm."},
		{"q.", "to_q."},
		{"k.", "to_k."},
		{"v.", "to_v."},
		{"proj_out.", "to_out.0."},
	}
	for _, r := range replacements {
		if !strings.HasPrefix(rest, r[0]) {
			continue
		}
		name := side + ".mid_block.attentions.0." + r[1] + strings.TrimPrefix(rest, r[0])
		reshape := r[0] != "norm." && strings.HasSuffix(rest, ".weight")
		return name, reshape, nil
	}
	return "", false, fmt.Errorf("unrecognized vae key: %s.mid.attn_1.%s", side, rest)
}

func vaeEncoderBlockKey(rest string) (string, error) {
	idx, sub, err := splitIndexedKey(rest)
	if err != nil {
		return "", fmt.Errorf("unrecognized vae key: encoder.down.%s", rest)
	}

	switch {
	case strings.HasPrefix(sub, "block."):
		layer, layerRest, err := splitIndexedKey(strings.TrimPrefix(sub, "block."))
		if err != nil {
			return "", fmt.Errorf("unrecognized vae key: encoder.down.%s", rest)
		}
		return fmt.Sprintf("encoder.down_blocks.%d.resnets.%d.%s", idx, layer, vaeResnetKey(layerRest)), nil
	case strings.HasPrefix(sub, "downsample.conv."):
		return fmt.Sprintf("encoder.down_blocks.%d.downsamplers.0.conv.%s",
			idx, strings.TrimPrefix(sub, "downsample.conv.")), nil
	default:
		return "", fmt.Errorf("unrecognized vae key: encoder.down.%s", rest)
	}
}

func vaeDecoderBlockKey(rest string) (string, error) {
	idx, sub, err := splitIndexedKey(rest)
	if err != nil {
		return "", fmt.Errorf("unrecognized vae key: decoder.up.%s", rest)
	}
	blockID := vaeNumBlocks - 1 - idx

	switch {
	case strings.HasPrefix(sub, "block."):
		layer, layerRest, err := splitIndexedKey(strings.TrimPrefix(sub, "block."))
		if err != nil {
			return "", fmt.Errorf("unrecognized vae key: decoder.up.%s", rest)
		}
		return fmt.Sprintf("decoder.up_blocks.%d.resnets.%d.%s", blockID, layer, vaeResnetKey(layerRest)), nil
	case strings.HasPrefix(sub, "upsample.conv."):
		return fmt.Sprintf("decoder.up_blocks.%d.upsamplers.0.conv.%s",
			blockID, strings.TrimPrefix(sub, "upsample.conv.")), nil
	default:
		return "", fmt.Errorf("unrecognized vae key: decoder.up.%s", rest)
	}
}

// splitIndexedKey parses "<idx>.<rest>".
func splitIndexedKey(key string) (int, string, error) {
	head, rest, ok := strings.Cut(key, ".")
	if !ok {
		return 0, "", fmt.Errorf("missing index in %s", key)
	}
	idx, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", err
	}
	return idx, rest, nil
}

// vaeResnetKey renames LDM VAE resnet submodules. Unlike the UNet, the VAE
// checkpoint already uses norm1/conv1 style names; only the shortcut differs.
func vaeResnetKey(key string) string {
	if strings.HasPrefix(key, "nin_shortcut.") {
		return "conv_shortcut." + strings.TrimPrefix(key, "nin_shortcut.")
	}
	return key
}
