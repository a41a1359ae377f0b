package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an Argon2id hash for an API key",
	Long: `Generate an Argon2id PHC-format hash of an API key for use in config.

The output can be pasted directly into a config file's
auth.api_keys[].key_hash field.

Example:
  metamcp-gatewayd hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: the key will appear in shell history. Consider clearing
history after use, or pass it via an environment variable:
  metamcp-gatewayd hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := controlplane.HashKeyArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
