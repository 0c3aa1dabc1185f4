package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/spendgate/internal/negotiate"
	"github.com/ppiankov/spendgate/internal/wire"
)

// --- Input/Output types ---

// FetchInput defines parameters for the spendgate_fetch tool.
type FetchInput struct {
	URL    string `json:"url" jsonschema:"URL to fetch"`
	Method string `json:"method,omitempty" jsonschema:"HTTP method, default GET"`
	Body   string `json:"body,omitempty" jsonschema:"request body for POST/PUT"`
}

// FetchOutput contains the negotiation outcome.
type FetchOutput struct {
	State    string  `json:"state"`
	Status   int     `json:"status,omitempty"`
	Body     string  `json:"body,omitempty"`
	PriceUSD float64 `json:"price_usd,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// DryRunInput defines parameters for the spendgate_dry_run tool.
type DryRunInput struct {
	URL string `json:"url" jsonschema:"URL to probe"`
}

// DryRunOutput reports whether the URL is paywalled and at what price.
type DryRunOutput struct {
	Paywalled bool    `json:"paywalled"`
	PriceUSD  float64 `json:"price_usd,omitempty"`
	Price     string  `json:"price,omitempty"`
	Network   string  `json:"network,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// StatusInput is empty — no parameters needed.
type StatusInput struct{}

// StatusOutput summarizes the active credential and window spend.
type StatusOutput struct {
	Active        bool    `json:"active"`
	CredentialID  string  `json:"credential_id,omitempty"`
	DailyLimitUSD float64 `json:"daily_limit_usd,omitempty"`
	PerTxLimitUSD float64 `json:"per_tx_limit_usd,omitempty"`
	SpentTodayUSD float64 `json:"spent_today_usd"`
	RemainingUSD  float64 `json:"remaining_usd"`
}

// --- Handlers ---

func (s *Server) handleFetch(ctx context.Context, req *mcpsdk.CallToolRequest, input FetchInput) (*mcpsdk.CallToolResult, FetchOutput, error) {
	method := input.Method
	if method == "" {
		method = "GET"
	}
	var body []byte
	if input.Body != "" {
		body = []byte(input.Body)
	}

	out, err := s.neg.Fetch(ctx, method, input.URL, body)
	if err != nil {
		result := FetchOutput{Error: err.Error()}
		if out != nil {
			result.State = string(out.State)
			result.Status = out.Status
			result.PriceUSD = out.PriceUSD
		}
		// Rejections and failures are tool results the agent should
		// reason about, not protocol errors.
		return &mcpsdk.CallToolResult{IsError: true}, result, nil
	}

	return nil, FetchOutput{
		State:    string(out.State),
		Status:   out.Status,
		Body:     string(out.Body),
		PriceUSD: out.PriceUSD,
	}, nil
}

func (s *Server) handleDryRun(ctx context.Context, req *mcpsdk.CallToolRequest, input DryRunInput) (*mcpsdk.CallToolResult, DryRunOutput, error) {
	out, err := s.neg.DryRun(ctx, input.URL)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, DryRunOutput{Error: err.Error()}, nil
	}
	if out.State != negotiate.StateChallenged {
		return nil, DryRunOutput{Paywalled: false}, nil
	}
	result := DryRunOutput{
		Paywalled: true,
		PriceUSD:  out.PriceUSD,
		Price:     wire.FormatUSD(out.PriceUSD),
	}
	if out.Requirement != nil {
		result.Network = out.Requirement.Network
	}
	return nil, result, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	cred := s.creds.GetActive()
	if cred == nil {
		return nil, StatusOutput{Active: false}, nil
	}

	spent, err := s.ledger.WindowTotal(ctx, cred.ID)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	remaining := cred.DailyLimitUSD - spent
	if remaining < 0 {
		remaining = 0
	}

	return nil, StatusOutput{
		Active:        true,
		CredentialID:  cred.ID,
		DailyLimitUSD: cred.DailyLimitUSD,
		PerTxLimitUSD: cred.PerTxLimitUSD,
		SpentTodayUSD: spent,
		RemainingUSD:  remaining,
	}, nil
}
