// qachat trains and runs a small question-answering chatbot.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/avolkov/qachat/backend/cpu" // register CPU backend
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "qachat",
		Short:        "Train and chat with a small QA transformer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML or JSON)")

	root.AddCommand(newTrainCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newTokenizerCmd())
	root.AddCommand(newDatasetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
