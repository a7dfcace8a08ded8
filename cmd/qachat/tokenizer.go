package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avolkov/qachat/tokenizer"
)

func newTokenizerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokenizer",
		Short: "Train or inspect a BPE tokenizer",
	}
	cmd.AddCommand(newTokenizerTrainCmd())
	cmd.AddCommand(newTokenizerEncodeCmd())
	return cmd
}

func newTokenizerTrainCmd() *cobra.Command {
	var vocabSize int
	var out string
	cmd := &cobra.Command{
		Use:   "train <corpus.txt>",
		Short: "Train byte-level BPE on a text corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			tok := tokenizer.TrainBPE(string(data), vocabSize)
			if err := tok.Save(out); err != nil {
				return err
			}
			fmt.Printf("saved %s: vocab=%d merges=%d\n", out, tok.VocabSize(), tok.NumMerges())
			return nil
		},
	}
	cmd.Flags().IntVar(&vocabSize, "vocab-size", 4096, "target vocabulary size")
	cmd.Flags().StringVarP(&out, "out", "o", "tokenizer.bpe", "output merge file")
	return cmd
}

func newTokenizerEncodeCmd() *cobra.Command {
	var merges string
	cmd := &cobra.Command{
		Use:   "encode <text>",
		Short: "Show the token IDs for a piece of text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenizer.LoadBPE(merges)
			if err != nil {
				return err
			}
			ids := tok.Encode(args[0])
			fmt.Println(ids)
			for _, id := range ids {
				fmt.Printf("  %6d %q\n", id, tok.DecodeToken(id))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&merges, "merges", "tokenizer.bpe", "merge file")
	return cmd
}
