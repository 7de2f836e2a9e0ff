package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskdeck/taskdeck/internal/domain/auth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a hash for an API key",
	Long: `Generate a stored hash of an API key for the auth.api_key_hashes config list.

By default the key is hashed with Argon2id (PHC format). Pass --sha256 for
the legacy "sha256:<hex>" format.

Example:
  taskdeck hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=47104,t=1,p=1$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  taskdeck hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		if hashKeySHA256 {
			fmt.Printf("sha256:%s\n", auth.HashKey(key))
			return nil
		}

		hash, err := auth.HashKeyArgon2id(key)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "emit the legacy sha256:<hex> format instead of Argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
