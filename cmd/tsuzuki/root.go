package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Tsuzuki CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsuzuki",
		Short: "Tsuzuki - An extension host for episodic media catalogs",
		Long: `Tsuzuki hosts sandboxed extractor extensions and aggregates
their catalog, episode, and video results behind a single HTTP API.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewExtensionsCmd())

	return cmd
}
