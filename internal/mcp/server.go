// Package mcp exposes the payment negotiator to agents over the Model
// Context Protocol. This is the surface an autonomous agent talks to:
// it fetches paid resources without ever holding the signing key or
// the budget state itself.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/ledger"
	"github.com/ppiankov/spendgate/internal/negotiate"
	"github.com/ppiankov/spendgate/internal/signer"
)

// Config holds MCP server configuration.
type Config struct {
	DataDir string
	Logger  *slog.Logger
}

// Server wraps the MCP SDK server around the payment negotiator.
type Server struct {
	mcpServer *mcpsdk.Server
	neg       *negotiate.Negotiator
	creds     *credential.Store
	ledger    *ledger.Store
	logger    *slog.Logger
}

// New creates an MCP server backed by the local credential store and
// spending ledger.
func New(cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".spendgate")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := credential.Open(filepath.Join(cfg.DataDir, "credentials.json"))
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		neg: negotiate.New(negotiate.Config{
			Credentials: creds,
			Ledger:      led,
			Signer:      signer.NewLocal(creds),
			Logger:      logger,
		}),
		creds:  creds,
		ledger: led,
		logger: logger,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "spendgate",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Close releases the ledger handle.
func (s *Server) Close() error {
	return s.ledger.Close()
}

// registerTools adds the spendgate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "spendgate_fetch",
		Description: "Fetch a URL, automatically negotiating any HTTP 402 payment challenge within the active credential's budget. Over-budget challenges are rejected without payment.",
	}, s.handleFetch)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "spendgate_dry_run",
		Description: "Probe a URL and report whether it is paywalled and at what price, without signing or spending anything.",
	}, s.handleDryRun)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "spendgate_status",
		Description: "Report the active credential, its limits, and spend so far in the current daily window.",
	}, s.handleStatus)
}
