package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/bundler"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run bundler",
		Long: `Initialize and run the bundler node.

Use --config=path-to-your-config-file. default is=./config/bundler.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bundler.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
