package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/spendgate/internal/server"
)

var (
	serveAddr      string
	serveConfig    string
	serveDataDir   string
	serveAuditLog  string
	serveDashboard string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, :8402)")
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to config YAML")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Directory for credentials and ledger (default ~/.spendgate)")
	serveCmd.Flags().StringVar(&serveAuditLog, "audit-log", "", "Path to activity log JSONL file")
	serveCmd.Flags().StringVar(&serveDashboard, "dashboard-url", "", "Dashboard webhook URL for settled payments")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the paywall server",
	Long:  "Serves the metered resources behind 402 challenges plus the agent credential surface.\nSupports hot-reload of the config file.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	srv, err := server.New(server.Config{
		Addr:         serveAddr,
		ConfigPath:   serveConfig,
		DataDir:      serveDataDir,
		AuditLogPath: serveAuditLog,
		DashboardURL: serveDashboard,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	reloader, err := server.NewReloader(srv, []string{serveConfig})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if reloader != nil {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	if serveConfig != "" {
		fmt.Fprintf(os.Stderr, "Config: %s (hot-reload enabled)\n", serveConfig)
	}

	return srv.Serve()
}
