package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpscope/mcpscope/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			return wizard.New(os.Stdin, os.Stdout).Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./mcpscope-bridge.json)")
	return cmd
}
