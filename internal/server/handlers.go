package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ppiankov/spendgate/internal/activity"
	"github.com/ppiankov/spendgate/internal/config"
	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/wire"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// toolEntry is one row of the free /tools listing.
type toolEntry struct {
	ID          string  `json:"id"`
	Method      string  `json:"method"`
	Path        string  `json:"path"`
	PriceUSD    float64 `json:"priceUSD"`
	Description string  `json:"description"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	cfg, hash := s.current()
	tools := make([]toolEntry, len(cfg.Resources))
	for i, res := range cfg.Resources {
		tools[i] = toolEntry{
			ID:          res.ID,
			Method:      res.Method,
			Path:        res.Path,
			PriceUSD:    res.PriceUSD,
			Description: res.Description,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":      tools,
		"configHash": hash,
	})
}

// meteredPayload builds the demo payload served once the gate admits a
// request. Real deployments replace these bodies; the gate in front is
// the product.
func meteredPayload(res config.Resource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch res.ID {
		case "market-sol":
			writeJSON(w, http.StatusOK, map[string]any{
				"resource":  res.ID,
				"symbol":    "SOL/USD",
				"price":     187.42,
				"servedAt":  time.Now().UTC().Format(time.RFC3339),
				"priceUSD":  res.PriceUSD,
				"reference": "demo quote, not investment advice",
			})
		case "analyze":
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable payload")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"resource":   res.ID,
				"inputBytes": len(body),
				"analysis":   "payload accepted for analysis",
				"servedAt":   time.Now().UTC().Format(time.RFC3339),
			})
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"resource":    res.ID,
				"description": res.Description,
				"servedAt":    time.Now().UTC().Format(time.RFC3339),
			})
		}
	})
}

// setCredentialRequest is the agent setup payload.
type setCredentialRequest struct {
	Wallet struct {
		Address string `json:"address"`
	} `json:"wallet"`
	Session struct {
		PublicKey     string  `json:"publicKey"`
		DailyLimitUSD float64 `json:"dailyLimitUsd"`
		PerTxLimitUSD float64 `json:"perTxLimitUsd"`
		ExpiryHours   int     `json:"expiryHours"`
	} `json:"session"`
}

func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req setCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Wallet.Address == "" || req.Session.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "wallet.address and session.publicKey are required")
		return
	}

	cfg, _ := s.current()
	p := credential.Params{
		WalletAddress:    req.Wallet.Address,
		SessionPublicKey: req.Session.PublicKey,
		DailyLimitUSD:    req.Session.DailyLimitUSD,
		PerTxLimitUSD:    req.Session.PerTxLimitUSD,
		ExpiryHours:      req.Session.ExpiryHours,
	}
	if p.DailyLimitUSD == 0 {
		p.DailyLimitUSD = cfg.Limits.DailyUSD
	}
	if p.PerTxLimitUSD == 0 {
		p.PerTxLimitUSD = cfg.Limits.PerTxUSD
	}
	if p.ExpiryHours == 0 {
		p.ExpiryHours = cfg.Limits.ExpiryHours
	}

	cred, err := s.creds.SetActive(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.feed.Emit(activity.Event{
		Kind:   activity.KindCredential,
		Detail: "credential " + cred.ID + " registered",
	})
	s.logger.Info("credential registered", "id", cred.ID,
		"daily_limit_usd", cred.DailyLimitUSD, "per_tx_limit_usd", cred.PerTxLimitUSD)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"keyHash": credential.KeyHash(cred.PublicKey),
	})
}

// credentialView is a credential with private material elided.
type credentialView struct {
	ID              string     `json:"id"`
	WalletAddress   string     `json:"walletAddress"`
	PublicKey       string     `json:"publicKey"`
	DailyLimitUSD   float64    `json:"dailyLimitUsd"`
	PerTxLimitUSD   float64    `json:"perTxLimitUsd"`
	ExpiryHours     int        `json:"expiryHours"`
	AllowedNetworks []string   `json:"allowedNetworks,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
}

func viewOf(c *credential.Credential) credentialView {
	return credentialView{
		ID:              c.ID,
		WalletAddress:   c.WalletAddress,
		PublicKey:       c.PublicKey,
		DailyLimitUSD:   c.DailyLimitUSD,
		PerTxLimitUSD:   c.PerTxLimitUSD,
		ExpiryHours:     c.ExpiryHours,
		AllowedNetworks: c.AllowedNetworks,
		CreatedAt:       c.CreatedAt,
		RevokedAt:       c.RevokedAt,
	}
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	cred := s.creds.GetActive()
	if cred == nil {
		writeError(w, http.StatusNotFound, "no active credential")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cred))
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	var (
		revokedAt time.Time
		newActive string
		err       error
	)
	if id := r.PathValue("id"); id != "" {
		revokedAt, newActive, err = s.creds.Revoke(id)
	} else {
		revokedAt, newActive, err = s.creds.RevokeActive()
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.feed.Emit(activity.Event{
		Kind:   activity.KindCredential,
		Detail: "credential revoked, new active: " + orNone(newActive),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"revokedAt":   revokedAt.UTC().Format(time.RFC3339),
		"newActiveId": newActive,
	})
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, total := s.creds.Counts()
	status := map[string]any{
		"activeCredentials": active,
		"totalCredentials":  total,
	}

	if cred := s.creds.GetActive(); cred != nil {
		spent, err := s.ledger.WindowTotal(r.Context(), cred.ID)
		if err != nil {
			s.logger.Warn("window total lookup failed", "credential", cred.ID, "error", err)
		}
		remaining := cred.DailyLimitUSD - spent
		if remaining < 0 {
			remaining = 0
		}
		status["active"] = map[string]any{
			"id":             cred.ID,
			"dailyLimitUsd":  cred.DailyLimitUSD,
			"perTxLimitUsd":  cred.PerTxLimitUSD,
			"spentTodayUsd":  spent,
			"remainingUsd":   remaining,
			"spentTodayText": wire.FormatUSD(spent),
		}
	}

	// Always 200, even with nothing registered.
	writeJSON(w, http.StatusOK, status)
}

type historyEntry struct {
	ID           string  `json:"id"`
	CredentialID string  `json:"credentialId"`
	AmountUSD    float64 `json:"amountUsd"`
	CreatedAt    string  `json:"createdAt"`
	WindowStart  string  `json:"windowStart"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	cred := s.creds.GetActive()
	if cred == nil {
		writeError(w, http.StatusNotFound, "no active credential")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.ledger.History(r.Context(), cred.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	out := make([]historyEntry, len(entries))
	for i, e := range entries {
		out[i] = historyEntry{
			ID:           e.ID,
			CredentialID: e.CredentialID,
			AmountUSD:    e.AmountUSD,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
			WindowStart:  e.WindowStart,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credentialId": cred.ID,
		"entries":      out,
	})
}

// handleIngest appends free-form dashboard events to the activity feed.
// Token-bucket limited so a chatty collaborator cannot flood the log.
func (s *Server) handleIngest(kind activity.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil || len(body) == 0 {
			writeError(w, http.StatusBadRequest, "empty or unreadable body")
			return
		}

		var detail struct {
			Detail   string  `json:"detail"`
			Resource string  `json:"resource"`
			Scheme   string  `json:"scheme"`
			Amount   float64 `json:"amountUsd"`
		}
		if err := json.Unmarshal(body, &detail); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if detail.Detail == "" {
			detail.Detail = string(body)
		}

		s.feed.Emit(activity.Event{
			Kind:      kind,
			Scheme:    detail.Scheme,
			Resource:  detail.Resource,
			AmountUSD: detail.Amount,
			Detail:    detail.Detail,
		})
		writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
	}
}
