package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/server"
)

var (
	credsDataDir string
	credsDaily   float64
	credsPerTx   float64
	credsExpiry  int
)

func init() {
	rootCmd.AddCommand(credsCmd)
	credsCmd.PersistentFlags().StringVar(&credsDataDir, "data-dir", "", "Directory for the credential store (default ~/.spendgate)")

	credsSetCmd.Flags().Float64Var(&credsDaily, "daily-limit", 0, "Daily spending limit in USD (default 50)")
	credsSetCmd.Flags().Float64Var(&credsPerTx, "per-tx-limit", 0, "Per-transaction limit in USD (default 5)")
	credsSetCmd.Flags().IntVar(&credsExpiry, "expiry-hours", 0, "Credential lifetime in hours (default 24)")

	credsCmd.AddCommand(credsSetCmd, credsShowCmd, credsRevokeCmd, credsActivateCmd)
}

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage budget-scoped session credentials",
}

func openCredStore() (*credential.Store, error) {
	dir := credsDataDir
	if dir == "" {
		dir = server.DefaultDataDir()
	}
	return credential.Open(filepath.Join(dir, "credentials.json"))
}

var credsSetCmd = &cobra.Command{
	Use:   "set WALLET_ADDRESS",
	Short: "Create a session key for a wallet and make it active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredStore()
		if err != nil {
			return err
		}

		wallet := args[0]
		pub, enc, err := credential.NewSessionKey(wallet)
		if err != nil {
			return err
		}
		cred, err := store.SetActive(credential.Params{
			WalletAddress:       wallet,
			SessionPublicKey:    pub,
			EncryptedPrivateKey: enc,
			DailyLimitUSD:       credsDaily,
			PerTxLimitUSD:       credsPerTx,
			ExpiryHours:         credsExpiry,
		})
		if err != nil {
			return err
		}

		fmt.Printf("active credential: %s\n", cred.ID)
		fmt.Printf("key fingerprint:   %s\n", credential.KeyHash(cred.PublicKey))
		fmt.Printf("limits:            $%g/tx, $%g/day, expires in %dh\n",
			cred.PerTxLimitUSD, cred.DailyLimitUSD, cred.ExpiryHours)
		return nil
	},
}

var credsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredStore()
		if err != nil {
			return err
		}

		list := store.List()
		if len(list) == 0 {
			fmt.Println("no credentials stored")
			return nil
		}
		active := store.GetActive()

		type row struct {
			ID        string  `json:"id"`
			Active    bool    `json:"active"`
			DailyUSD  float64 `json:"dailyLimitUsd"`
			PerTxUSD  float64 `json:"perTxLimitUsd"`
			CreatedAt string  `json:"createdAt"`
			RevokedAt string  `json:"revokedAt,omitempty"`
		}
		rows := make([]row, len(list))
		for i, c := range list {
			rows[i] = row{
				ID:        c.ID,
				Active:    active != nil && active.ID == c.ID,
				DailyUSD:  c.DailyLimitUSD,
				PerTxUSD:  c.PerTxLimitUSD,
				CreatedAt: c.CreatedAt.Format("2006-01-02 15:04:05"),
			}
			if c.RevokedAt != nil {
				rows[i].RevokedAt = c.RevokedAt.Format("2006-01-02 15:04:05")
			}
		}
		out, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var credsRevokeCmd = &cobra.Command{
	Use:   "revoke [ID]",
	Short: "Revoke the active credential, or a specific one by id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredStore()
		if err != nil {
			return err
		}

		var revoke func() (string, error)
		if len(args) == 1 {
			revoke = func() (string, error) {
				_, next, err := store.Revoke(args[0])
				return next, err
			}
		} else {
			revoke = func() (string, error) {
				_, next, err := store.RevokeActive()
				return next, err
			}
		}

		next, err := revoke()
		if err != nil {
			return err
		}
		if next == "" {
			fmt.Println("revoked; no active credential remains")
		} else {
			fmt.Printf("revoked; new active credential: %s\n", next)
		}
		return nil
	},
}

var credsActivateCmd = &cobra.Command{
	Use:   "activate ID",
	Short: "Make a stored, non-revoked credential active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredStore()
		if err != nil {
			return err
		}
		if err := store.Activate(args[0]); err != nil {
			return err
		}
		fmt.Printf("active credential: %s\n", args[0])
		return nil
	},
}
