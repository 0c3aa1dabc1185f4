// Package server exposes the paywalled resources and the agent
// credential surface over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ppiankov/spendgate/internal/activity"
	"github.com/ppiankov/spendgate/internal/config"
	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/gate"
	"github.com/ppiankov/spendgate/internal/ledger"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	ConfigPath   string
	DataDir      string
	AuditLogPath string
	DashboardURL string
	Logger       *slog.Logger
}

// Server wires the gate, stores, and activity feed behind one handler.
// The routing table is rebuilt on config hot-reload and swapped under
// the lock, so in-flight requests finish against the mux they started
// on.
type Server struct {
	mu      sync.RWMutex
	cfg     *config.Config
	cfgHash string
	mux     *http.ServeMux

	conf    Config
	creds   *credential.Store
	ledger  *ledger.Store
	feed    *activity.Feed
	hub     *activity.Hub
	gate    *gate.Gate
	limiter *rate.Limiter
	logger  *slog.Logger

	httpServer *http.Server
}

// DefaultDataDir returns ~/.spendgate, falling back to a relative
// directory when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spendgate"
	}
	return filepath.Join(home, ".spendgate")
}

// New creates a server with loaded config and opened stores.
func New(conf Config) (*Server, error) {
	if conf.DataDir == "" {
		conf.DataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(conf.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, cfgHash, err := config.LoadConfigWithHash(conf.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if conf.Addr == "" {
		conf.Addr = cfg.Listen
	}

	creds, err := credential.Open(filepath.Join(conf.DataDir, "credentials.json"))
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(filepath.Join(conf.DataDir, "ledger.db"))
	if err != nil {
		return nil, err
	}

	var log *activity.Log
	if conf.AuditLogPath != "" {
		log, err = activity.OpenLog(conf.AuditLogPath)
		if err != nil {
			led.Close()
			return nil, err
		}
	}
	hub := activity.NewHub(logger)
	feed := activity.NewFeed(log, hub, activity.NewNotifier(conf.DashboardURL, logger), logger)

	s := &Server{
		cfg:     cfg,
		cfgHash: cfgHash,
		conf:    conf,
		creds:   creds,
		ledger:  led,
		feed:    feed,
		hub:     hub,
		limiter: rate.NewLimiter(5, 10),
		logger:  logger,
	}
	s.gate = gate.New(s.merchant, feed)
	s.mux = s.buildMux(cfg)
	s.httpServer = &http.Server{Addr: conf.Addr, Handler: s}

	logger.Info("server configured", "addr", conf.Addr, "config_hash", cfgHash, "resources", len(cfg.Resources))
	return s, nil
}

// merchant snapshots the current merchant config for the gate.
func (s *Server) merchant() gate.Merchant {
	s.mu.RLock()
	m := s.cfg.Merchant
	s.mu.RUnlock()
	return gate.Merchant{PayTo: m.PayTo, Network: m.Network, Asset: m.Asset, Scheme: m.Scheme}
}

// current returns the live config snapshot and its hash.
func (s *Server) current() (*config.Config, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.cfgHash
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	mux := s.mux
	s.mu.RUnlock()
	mux.ServeHTTP(w, r)
}

func (s *Server) buildMux(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /tools", s.handleTools)
	for _, res := range cfg.Resources {
		pattern := res.Method + " " + res.Path
		mux.Handle(pattern, s.gate.Wrap(res.PriceUSD, res.ID, meteredPayload(res)))
	}

	mux.HandleFunc("POST /agent/credentials", s.handleSetCredential)
	mux.HandleFunc("GET /agent/credentials", s.handleGetCredential)
	mux.HandleFunc("DELETE /agent/credentials", s.handleRevokeCredential)
	mux.HandleFunc("DELETE /agent/credentials/{id}", s.handleRevokeCredential)
	mux.HandleFunc("GET /agent/status", s.handleStatus)
	mux.HandleFunc("GET /agent/history", s.handleHistory)

	mux.HandleFunc("POST /activity", s.handleIngest(activity.KindChallenge))
	mux.HandleFunc("POST /proof", s.handleIngest(activity.KindProof))
	mux.Handle("GET /ws", s.hub)

	return mux
}

// Reload atomically swaps config and routing table.
// Called by the hot-reloader on file change.
func (s *Server) Reload() error {
	cfg, cfgHash, err := config.LoadConfigWithHash(s.conf.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	mux := s.buildMux(cfg)

	s.mu.Lock()
	s.cfg = cfg
	s.cfgHash = cfgHash
	s.mux = mux
	s.mu.Unlock()

	s.logger.Info("config reloaded", "config_hash", cfgHash, "resources", len(cfg.Resources))
	return nil
}

// Serve starts the HTTP server on the configured address. Blocks until
// shut down.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.conf.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn starts the HTTP server on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("serving", "addr", lis.Addr().String())
	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close releases the stores and the activity log.
func (s *Server) Close() error {
	err := s.ledger.Close()
	if ferr := s.feed.Close(); err == nil {
		err = ferr
	}
	return err
}
