// Command narwhal is the node binary: generate_keys writes a fresh JSON
// keypair, and run starts a committee member's Primary or Worker pipeline.
// Grounded on kwil-db's cmd/kwil-cli cobra idiom (see
// cmd/kwil-cli/cmds/account/balance.go): *cobra.Command, RunE, cmd.Flags().
package main

import (
	"fmt"
	"os"

	"github.com/PearTNhat/narwhal/cmd/narwhal/cmds/generatekeys"
	"github.com/PearTNhat/narwhal/cmd/narwhal/cmds/run"

	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "narwhal",
		Short:         "Narwhal mempool/consensus node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(generatekeys.Cmd())
	cmd.AddCommand(run.Cmd())
	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
