package main

import (
	"github.com/spf13/cobra"

	"tpindex/internal/version"
)

var (
	// configFlag is the CLI --config flag value
	configFlag string
	// logLevelFlag is the CLI --log-level flag value
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "tpindex",
	Short: "tpindex - textproto cross-reference indexer",
	Long: `tpindex analyzes human-authored textprotos against their proto schema
and emits cross-reference facts: anchors over every field mention, every
schema-comment directive and every Any type URL, each linked by a ref edge
to the schema entity it names.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("tpindex version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to config file (JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
}
