package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avolkov/qachat/pkg/chat"
	"github.com/avolkov/qachat/pkg/config"
	"github.com/avolkov/qachat/tokenizer"
	"github.com/avolkov/qachat/train"
)

func newChatCmd() *cobra.Command {
	var checkpoint string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive QA against a trained checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if checkpoint == "" {
				checkpoint = filepath.Join(cfg.Train.CheckpointDir, "best.ckpt")
			}
			return runChat(cfg, checkpoint)
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "model checkpoint path")
	return cmd
}

func runChat(cfg config.Config, checkpoint string) error {
	model, err := train.LoadCheckpoint(checkpoint)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	var tok tokenizer.Tokenizer
	switch cfg.Data.Tokenizer {
	case "tiktoken":
		tok, err = tokenizer.NewTiktoken()
	default:
		if cfg.Data.TokenizerPath == "" {
			return fmt.Errorf("data.tokenizer_path is required for BPE chat")
		}
		tok, err = tokenizer.LoadBPE(cfg.Data.TokenizerPath)
	}
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	session := chat.NewSession(model, tok, chat.Options{
		MaxNewTokens: cfg.Chat.MaxNewTokens,
		TopK:         cfg.Chat.TopK,
		Temperature:  cfg.Chat.Temperature,
	})

	fmt.Println("qachat ready. Empty line or Ctrl-D exits.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		q := strings.TrimSpace(scanner.Text())
		if q == "" {
			break
		}
		a, err := session.Answer(q)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(a)
	}
	return scanner.Err()
}
