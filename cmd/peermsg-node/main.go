package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "peermsg-node",
		Short:        "Identity-addressed datagram messaging node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(genKeyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// genKeyCmd prints a fresh identity: the private key for the config file and
// the canonical peer id others dial by.
func genKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new ed25519 identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return genKey(cmd.OutOrStdout())
		},
	}
}
