package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avolkov/qachat/dataset"
	"github.com/avolkov/qachat/pkg/config"
)

func newDatasetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset <pairs-file>",
		Short: "Inspect a QA dataset: counts and sequence-length stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			pairs, err := dataset.LoadPairs(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("pairs: %d\n", len(pairs))
			if len(pairs) == 0 {
				return nil
			}

			tok, err := buildTokenizer(cfg, pairs)
			if err != nil {
				return err
			}
			builder, err := dataset.NewSequenceBuilder(tok, cfg.Model.MaxSeqLen)
			if err != nil {
				return err
			}
			stats := dataset.Summarize(builder.BuildAll(pairs))
			fmt.Printf("vocab: %d\n", tok.VocabSize())
			fmt.Printf("tokens per example: mean=%.1f stddev=%.1f max=%d\n",
				stats.MeanLen, stats.StdDevLen, stats.MaxLen)
			fmt.Printf("examples filling the %d-token window: %d\n",
				cfg.Model.MaxSeqLen, stats.Truncated)
			return nil
		},
	}
	return cmd
}
