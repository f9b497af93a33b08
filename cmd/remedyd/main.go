// Remedyd is a graph-augmented remediation daemon with human approval gates.
//
// It ingests diagnostic findings, matches them against known failure
// patterns, proposes fixes enriched with prior remediation history, holds
// them for human review, executes what gets approved, and feeds the outcomes
// back into its knowledge graph.
//
// Usage:
//
//	# Start the daemon with defaults
//	remedyd serve
//
//	# Configure via file and environment
//	remedyd serve --config ~/.config/remedyd/config.yaml
//	SERVER_PORT=9000 remedyd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "remedyd",
	Short: "Graph-augmented remediation daemon with approval gates",
	Long: `remedyd turns diagnostic findings into reviewable fix proposals.

Findings flow through pattern detection and fix generation, proposals wait in
an approval queue with risk-dependent review windows, and every outcome is
learned back into a persistent knowledge graph and similarity index.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("remedyd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
