package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/ledger"
	"github.com/ppiankov/spendgate/internal/server"
	"github.com/ppiankov/spendgate/internal/wire"
)

var (
	historyLimit   int
	historyDataDir string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show")
	historyCmd.Flags().StringVar(&historyDataDir, "data-dir", "", "Directory for the ledger (default ~/.spendgate)")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the spending ledger for the active credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := historyDataDir
		if dir == "" {
			dir = server.DefaultDataDir()
		}
		creds, err := credential.Open(filepath.Join(dir, "credentials.json"))
		if err != nil {
			return err
		}
		cred := creds.GetActive()
		if cred == nil {
			return credential.ErrNoActiveCredential
		}

		led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
		if err != nil {
			return err
		}
		defer led.Close()

		ctx := context.Background()
		entries, err := led.History(ctx, cred.ID, historyLimit)
		if err != nil {
			return err
		}
		total, err := led.WindowTotal(ctx, cred.ID)
		if err != nil {
			return err
		}

		fmt.Printf("credential %s — spent today %s of $%g\n\n", cred.ID, wire.FormatUSD(total), cred.DailyLimitUSD)
		if len(entries) == 0 {
			fmt.Println("no spending recorded")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-10s  window %s\n",
				e.CreatedAt.Format(time.RFC3339), wire.FormatUSD(e.AmountUSD), e.WindowStart)
		}
		return nil
	},
}
