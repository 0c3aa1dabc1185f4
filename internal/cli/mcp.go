package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	spendmcp "github.com/ppiankov/spendgate/internal/mcp"
)

var mcpDataDir string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpDataDir, "data-dir", "", "Directory for credentials and ledger (default ~/.spendgate)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs spendgate as an MCP (Model Context Protocol) server over stdio.\nExposes budget-enforced tools: fetch, dry_run, status.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	srv, err := spendmcp.New(spendmcp.Config{DataDir: mcpDataDir})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "spendgate MCP server running on stdio")
	return srv.Run(ctx)
}
