package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "enginectl runs the self-hosted build orchestration engine",
	Long: `enginectl starts the build orchestration engine described by the
engine's component spec: Coordinator, Work Queue, Worker Pool, Executor,
Secret Vault, Container Runtime Adapter, Repo Materialiser, Log Pipeline,
Status Reporter, and Retention Sweeper, wired together and served behind
a single HTTP façade.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepRetentionCmd)
}
