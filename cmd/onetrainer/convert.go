package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/safetensors"
	"github.com/bvhari/OneTrainer/internal/torch"
	"github.com/bvhari/OneTrainer/loader"
)

func buildConvertCmd() *cobra.Command {
	var modelType string

	cmd := &cobra.Command{
		Use:   "convert <in.ckpt> <out.safetensors>",
		Short: "Convert a legacy ckpt checkpoint to safetensors",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loader.ParseModelType(modelType)
			if err != nil {
				return err
			}
			return runConvert(cmd, t, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&modelType, "model-type", "sd15",
		"model type recorded in the generated model spec")
	return cmd
}

func runConvert(cmd *cobra.Command, t loader.ModelType, inPath, outPath string) error {
	cp, err := torch.Load(inPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", inPath, err)
	}
	if len(cp.StateDict) == 0 {
		return fmt.Errorf("%s contains no tensors", inPath)
	}

	spec := model.DefaultSpec(t)
	spec.Date = time.Now().Format("2006-01-02")
	metadata := spec.Metadata()

	if err := safetensors.Write(outPath, cp.StateDict, metadata); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}

	logger.Info().Str("in", inPath).Str("out", outPath).
		Int("tensors", len(cp.StateDict)).Msg("converted checkpoint")
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d tensors)\n", outPath, len(cp.StateDict))
	return nil
}
