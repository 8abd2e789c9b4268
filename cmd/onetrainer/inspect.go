package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bvhari/OneTrainer/internal/model"
	"github.com/bvhari/OneTrainer/internal/safetensors"
	"github.com/bvhari/OneTrainer/internal/torch"
	"github.com/bvhari/OneTrainer/loader"
)

func buildInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "Show the format and contents of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0])
		},
	}
}

func runInspect(cmd *cobra.Command, fpath string) error {
	out := cmd.OutOrStdout()
	format := loader.DetectFormat(fpath)
	fmt.Fprintln(out, "path:  ", fpath)
	fmt.Fprintln(out, "format:", format)

	switch format {
	case loader.FormatSafeTensors:
		return inspectSafetensors(cmd, fpath)
	case loader.FormatCkpt:
		return inspectCkpt(cmd, fpath)
	case loader.FormatInternal, loader.FormatDiffusers:
		return nil
	default:
		return fmt.Errorf("unrecognized model format at %s", fpath)
	}
}

func inspectSafetensors(cmd *cobra.Command, fpath string) error {
	out := cmd.OutOrStdout()

	reader, err := safetensors.Open(fpath)
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close() // best effort
	}()

	names := reader.TensorNames()
	fmt.Fprintln(out, "tensors:", len(names))
	printDtypeHistogram(cmd, func() map[string]int {
		counts := map[string]int{}
		for _, name := range names {
			info, err := reader.TensorInfo(name)
			if err != nil {
				continue
			}
			counts[string(info.DType)]++
		}
		return counts
	}())

	metadata := reader.Metadata()
	if len(metadata) > 0 {
		fmt.Fprintln(out, "metadata:")
		keys := make([]string, 0, len(metadata))
		for key := range metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(out, "  %s: %s\n", key, metadata[key])
		}
	}
	if spec := model.SpecFromMetadata(metadata); spec != nil {
		fmt.Fprintln(out, "model spec:")
		fmt.Fprintln(out, "  architecture:", spec.Architecture)
		if spec.Title != "" {
			fmt.Fprintln(out, "  title:       ", spec.Title)
		}
	}
	return nil
}

func inspectCkpt(cmd *cobra.Command, fpath string) error {
	out := cmd.OutOrStdout()

	cp, err := torch.Load(fpath)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "tensors:", len(cp.StateDict))
	counts := map[string]int{}
	for _, raw := range cp.StateDict {
		counts[raw.DType().String()]++
	}
	printDtypeHistogram(cmd, counts)

	if len(cp.Meta) > 0 {
		fmt.Fprintln(out, "extra entries:")
		keys := make([]string, 0, len(cp.Meta))
		for key := range cp.Meta {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(out, "  %s: %v\n", key, cp.Meta[key])
		}
	}
	return nil
}

func printDtypeHistogram(cmd *cobra.Command, counts map[string]int) {
	out := cmd.OutOrStdout()
	dtypes := make([]string, 0, len(counts))
	for dtype := range counts {
		dtypes = append(dtypes, dtype)
	}
	sort.Strings(dtypes)
	for _, dtype := range dtypes {
		fmt.Fprintf(out, "  %s: %d tensors\n", dtype, counts[dtype])
	}
}
