package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate CRM credentials and affiliate commission payouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(crmCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
