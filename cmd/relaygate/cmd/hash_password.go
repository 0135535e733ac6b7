package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/crypto"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Generate an Argon2id hash for ADMIN_PASSWORD_HASH",
	Long: `Generate an Argon2id hash of a password.

Set the output as ADMIN_PASSWORD_HASH (or admin_password_hash in the config
file) to enable the break-glass local admin login:

  export ADMIN_PASSWORD_HASH='$argon2id$...'
  relaygate start`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := crypto.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
