package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vivekrp/metamcp-sub002/internal/config"
	"github.com/vivekrp/metamcp-sub002/internal/service/importexport"
)

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Bulk-import downstream server configs from a JSON document",
	Long: `Reads an mcpServers JSON document (the same shape Claude Desktop and
similar clients use) and adds each entry as a downstream server config.

Import is additive: existing configs are left alone, and a name collision
with an existing config fails only that entry. The result reports how many
entries were imported and any per-entry errors.

Example document:
  {
    "mcpServers": {
      "files": {"type": "stdio", "command": "/usr/bin/mcp-files", "args": ["--root", "/tmp"]}
    }
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read import document: %w", err)
	}
	var doc importexport.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse import document: %w", err)
	}

	facade, closeStore, err := buildFacade(cfg, logger)
	if err != nil {
		return fmt.Errorf("build control plane: %w", err)
	}
	if closeStore != nil {
		defer func() { _ = closeStore() }()
	}

	importer := importexport.NewImporter(facade, logger)
	result, err := importer.Import(context.Background(), doc)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	fmt.Printf("imported %d server config(s)\n", result.Imported)
	for _, entryErr := range result.Errors {
		fmt.Printf("  %s: %s\n", entryErr.Name, entryErr.Message)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%d entr(ies) failed to import", len(result.Errors))
	}
	return nil
}
