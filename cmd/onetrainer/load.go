package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/tensor"
	"github.com/bvhari/OneTrainer/loader"
)

func buildLoadCmd() *cobra.Command {
	var (
		modelType string
		unetDtype string
		teDtype   string
		vaeDtype  string
	)

	cmd := &cobra.Command{
		Use:   "load <path>",
		Short: "Load a model through the full format fallback chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loader.ParseModelType(modelType)
			if err != nil {
				return err
			}
			dtypes, err := parseWeightDtypes(unetDtype, teDtype, vaeDtype)
			if err != nil {
				return err
			}
			return runLoad(cmd, t, dtypes, args[0])
		},
	}
	cmd.Flags().StringVar(&modelType, "model-type", "sd15", "model type, e.g. sd15, sd21-base")
	cmd.Flags().StringVar(&unetDtype, "unet-dtype", "float32", "unet weight dtype")
	cmd.Flags().StringVar(&teDtype, "text-encoder-dtype", "float32", "text encoder weight dtype")
	cmd.Flags().StringVar(&vaeDtype, "vae-dtype", "float32", "vae weight dtype")
	return cmd
}

func parseWeightDtypes(unet, textEncoder, vae string) (loader.WeightDtypes, error) {
	var dtypes loader.WeightDtypes
	var ok bool
	if dtypes.UNet, ok = tensor.ParseDataType(unet); !ok {
		return dtypes, fmt.Errorf("unknown dtype: %q", unet)
	}
	if dtypes.TextEncoder, ok = tensor.ParseDataType(textEncoder); !ok {
		return dtypes, fmt.Errorf("unknown dtype: %q", textEncoder)
	}
	if dtypes.VAE, ok = tensor.ParseDataType(vae); !ok {
		return dtypes, fmt.Errorf("unknown dtype: %q", vae)
	}
	return dtypes, nil
}

func runLoad(cmd *cobra.Command, t loader.ModelType, dtypes loader.WeightDtypes, fpath string) error {
	out := cmd.OutOrStdout()

	m, err := loader.New(loader.WithLogger(logger)).Load(cmd.Context(), t, dtypes, fpath)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "loaded:  ", fpath)
	fmt.Fprintln(out, "strategy:", m.SourceFormat)
	fmt.Fprintln(out, "type:    ", m.Type)
	if m.UNet != nil {
		printComponent(cmd, "unet", stateDictStats(m.UNet.StateDict))
	}
	if m.VAE != nil {
		printComponent(cmd, "vae", stateDictStats(m.VAE.StateDict))
	}
	if m.TextEncoder != nil {
		printComponent(cmd, "text encoder", stateDictStats(m.TextEncoder.StateDict))
	}
	if m.Tokenizer != nil {
		fmt.Fprintf(out, "  tokenizer: vocab size %d\n", m.Tokenizer.VocabSize())
	}
	if m.OptimizerStateDict != nil {
		fmt.Fprintf(out, "  optimizer state: %d tensors\n", len(m.OptimizerStateDict))
	}
	if m.EMAStateDict != nil {
		fmt.Fprintf(out, "  ema state: %d tensors\n", len(m.EMAStateDict))
	}
	if m.TrainProgress.GlobalStep > 0 {
		fmt.Fprintf(out, "  train progress: epoch %d, global step %d\n",
			m.TrainProgress.Epoch, m.TrainProgress.GlobalStep)
	}
	return nil
}

type componentStats struct {
	tensors  int
	elements int
}

func stateDictStats(sd model.StateDict) componentStats {
	stats := componentStats{tensors: len(sd)}
	for _, raw := range sd {
		stats.elements += raw.NumElements()
	}
	return stats
}

func printComponent(cmd *cobra.Command, name string, stats componentStats) {
	fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d tensors, %d parameters\n",
		name, stats.tensors, stats.elements)
}
