package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "spendgate",
	Short: "Budget-enforced payment negotiation for autonomous agents",
	Long:  "Serves paywalled resources behind HTTP 402 challenges and negotiates them client-side under hard per-transaction and daily spending limits. The agent never holds the signing key or the budget.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
