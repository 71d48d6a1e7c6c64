// Package generatekeys implements `narwhal generate_keys`.
package generatekeys

import (
	"encoding/json"
	"fmt"
	"os"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	"github.com/spf13/cobra"
)

// Cmd builds the generate_keys command.
func Cmd() *cobra.Command {
	var filename string
	cmd := &cobra.Command{
		Use:   "generate_keys",
		Short: "Generate a fresh Ed25519 keypair and write it to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := ncrypto.GenerateKeypair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			data, err := json.MarshalIndent(kp, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal keypair: %w", err)
			}
			if err := os.WriteFile(filename, data, 0o600); err != nil {
				return fmt.Errorf("write keypair file %s: %w", filename, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote keypair to %s (public key %s)\n", filename, kp.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "path to write the JSON keypair file")
	cmd.MarkFlagRequired("filename")
	return cmd
}
