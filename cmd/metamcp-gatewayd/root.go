package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vivekrp/metamcp-sub002/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "metamcp-gatewayd",
	Short: "metamcp-gatewayd - MCP aggregating gateway",
	Long: `metamcp-gatewayd aggregates one or more downstream MCP servers behind
a single namespace endpoint: tool/prompt/resource names are prefixed to
avoid collisions, and a client sees one merged capability set regardless
of how many servers back it.

Quick start:
  1. Create a config file: gatewayd.yaml
  2. Run: metamcp-gatewayd serve

Configuration:
  Config is loaded from gatewayd.yaml (or .yml) in the current directory,
  $HOME/.gatewayd/, or /etc/gatewayd/.

  Environment variables can override config values with the MMCP_ prefix.
  Example: MMCP_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the gateway server
  import      Bulk-import downstream server configs from a JSON document
  hash-key    Generate a hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gatewayd.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
