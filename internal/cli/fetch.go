package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/ledger"
	"github.com/ppiankov/spendgate/internal/negotiate"
	"github.com/ppiankov/spendgate/internal/server"
	"github.com/ppiankov/spendgate/internal/signer"
	"github.com/ppiankov/spendgate/internal/wire"
)

var (
	fetchMethod  string
	fetchBody    string
	fetchDryRun  bool
	fetchDataDir string
)

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchMethod, "method", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringVar(&fetchBody, "body", "", "Request body")
	fetchCmd.Flags().BoolVar(&fetchDryRun, "dry-run", false, "Probe the price without paying")
	fetchCmd.Flags().StringVar(&fetchDataDir, "data-dir", "", "Directory for credentials and ledger (default ~/.spendgate)")
}

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Fetch a URL, negotiating any 402 challenge within budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

// openNegotiator wires a negotiator over the local stores. The caller
// must close the returned ledger.
func openNegotiator(dataDir string) (*negotiate.Negotiator, *ledger.Store, error) {
	if dataDir == "" {
		dataDir = server.DefaultDataDir()
	}
	creds, err := credential.Open(filepath.Join(dataDir, "credentials.json"))
	if err != nil {
		return nil, nil, err
	}
	led, err := ledger.Open(filepath.Join(dataDir, "ledger.db"))
	if err != nil {
		return nil, nil, err
	}
	neg := negotiate.New(negotiate.Config{
		Credentials: creds,
		Ledger:      led,
		Signer:      signer.NewLocal(creds),
	})
	return neg, led, nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	neg, led, err := openNegotiator(fetchDataDir)
	if err != nil {
		return err
	}
	defer led.Close()

	ctx := context.Background()
	url := args[0]

	if fetchDryRun {
		out, err := neg.DryRun(ctx, url)
		if err != nil {
			return err
		}
		if out.State != negotiate.StateChallenged {
			fmt.Printf("not paywalled (status %d)\n", out.Status)
			return nil
		}
		fmt.Printf("paywalled: %s", wire.FormatUSD(out.PriceUSD))
		if out.Requirement != nil {
			fmt.Printf(" on %s", out.Requirement.Network)
		}
		fmt.Println()
		return nil
	}

	var body []byte
	if fetchBody != "" {
		body = []byte(fetchBody)
	}
	out, err := neg.Fetch(ctx, fetchMethod, url, body)
	if err != nil {
		if out != nil {
			fmt.Fprintf(os.Stderr, "negotiation %s", out.State)
			if out.PriceUSD > 0 {
				fmt.Fprintf(os.Stderr, " at %s", wire.FormatUSD(out.PriceUSD))
			}
			fmt.Fprintln(os.Stderr)
		}
		return err
	}

	switch out.State {
	case negotiate.StatePaid:
		fmt.Fprintf(os.Stderr, "no payment required (status %d)\n", out.Status)
	case negotiate.StateSettled:
		fmt.Fprintf(os.Stderr, "settled %s (status %d)\n", wire.FormatUSD(out.PriceUSD), out.Status)
	}

	// Body to stdout so the command composes in pipelines.
	if json.Valid(out.Body) {
		var pretty any
		json.Unmarshal(out.Body, &pretty)
		enc, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(enc))
	} else {
		os.Stdout.Write(out.Body)
	}
	return nil
}
