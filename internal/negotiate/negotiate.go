// Package negotiate turns a plain resource fetch into a paid fetch
// within budget. One negotiation is a single pass through
//
//	INIT → SENT → (PAID | CHALLENGED) → LIMIT_CHECKED →
//	(REJECTED | SIGNED) → RETRIED → (SETTLED | FAILED)
//
// with exactly one signing attempt and exactly one retry.
package negotiate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/spendgate/internal/activity"
	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/ledger"
	"github.com/ppiankov/spendgate/internal/wire"
)

// State is a position in the negotiation state machine.
type State string

const (
	StatePaid       State = "paid"       // no challenge; resource came back directly
	StateChallenged State = "challenged" // 402 decoded (terminal only for dry runs)
	StateRejected   State = "rejected"   // limit or credential policy said no
	StateSettled    State = "settled"    // retry admitted and spend recorded
	StateFailed     State = "failed"     // decode, signing, or server failure
)

var (
	// ErrSigningFailed wraps an external signer error. One attempt per
	// negotiation; the negotiator never retries signing.
	ErrSigningFailed = errors.New("negotiate: signing failed")

	// ErrPaymentRejectedByServer means the retry still got 402. The
	// negotiator does not loop.
	ErrPaymentRejectedByServer = errors.New("negotiate: payment rejected by server")
)

// Signer produces a signature over a canonical payment intent. The
// implementation is external to the negotiator (local key, custody
// API); keyID names the credential the signature was made under.
type Signer interface {
	Sign(ctx context.Context, message []byte) (signature []byte, keyID string, err error)
}

// Outcome is the result of one negotiation.
type Outcome struct {
	State       State
	Status      int
	Body        []byte
	PriceUSD    float64
	Requirement *wire.PaymentRequirement
	Entry       *ledger.Entry
}

// Config wires a Negotiator.
type Config struct {
	Client      *http.Client
	Credentials *credential.Store
	Ledger      *ledger.Store
	Signer      Signer
	Emitter     activity.Emitter
	Logger      *slog.Logger
}

// Negotiator orchestrates request → challenge → limit check → sign →
// retry for a single resource fetch at a time. Safe for concurrent use;
// all shared state lives in the credential store and the ledger.
type Negotiator struct {
	client  *http.Client
	creds   *credential.Store
	ledger  *ledger.Store
	signer  Signer
	emitter activity.Emitter
	logger  *slog.Logger
}

// New creates a Negotiator with sane defaults for missing Config fields.
func New(cfg Config) *Negotiator {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = activity.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		client:  client,
		creds:   cfg.Credentials,
		ledger:  cfg.Ledger,
		signer:  cfg.Signer,
		emitter: emitter,
		logger:  logger,
	}
}

// paymentIntent is what gets signed. Struct fields marshal in
// declaration order, giving a stable signing payload without a
// canonicalization pass.
type paymentIntent struct {
	Scheme       string `json:"scheme"`
	Network      string `json:"network"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	PayTo        string `json:"payTo"`
	Resource     string `json:"resource"`
	CredentialID string `json:"credentialId"`
	Nonce        string `json:"nonce"`
	Timestamp    int64  `json:"timestamp"`
}

// paymentPayload is the proof attached to the retry.
type paymentPayload struct {
	Scheme       string `json:"scheme"`
	Network      string `json:"network"`
	Signature    string `json:"signature"`
	KeyID        string `json:"keyId"`
	Resource     string `json:"resource"`
	Nonce        string `json:"nonce"`
	Timestamp    int64  `json:"timestamp"`
	SessionID    string `json:"sessionId"`
	AmountAtomic string `json:"amount"`
}

// Fetch performs one full negotiation for the given request.
//
// The error, when non-nil, is one of the typed protocol outcomes
// (ErrMalformedChallenge, ErrNoActiveCredential, PerTxLimitError,
// DailyLimitError, ErrSigningFailed, ErrPaymentRejectedByServer,
// ErrCredentialRevoked); the Outcome is still returned alongside so
// callers can report the terminal state.
func (n *Negotiator) Fetch(ctx context.Context, method, url string, body []byte) (*Outcome, error) {
	resp, respBody, err := n.do(ctx, method, url, body, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		// Paid (or free): return as-is, no ledger mutation.
		return &Outcome{State: StatePaid, Status: resp.StatusCode, Body: respBody}, nil
	}

	req, err := decodeChallenge(resp, respBody)
	if err != nil {
		return &Outcome{State: StateFailed, Status: resp.StatusCode}, err
	}

	price, err := req.PriceUSD()
	if err != nil {
		return &Outcome{State: StateFailed, Status: resp.StatusCode, Requirement: req}, err
	}

	// Limit check against the active, non-revoked, non-expired
	// credential. The snapshot taken here is the credential the
	// payment will be signed and recorded under.
	cred := n.creds.GetActive()
	if cred == nil {
		return &Outcome{State: StateRejected, PriceUSD: price, Requirement: req}, credential.ErrNoActiveCredential
	}
	if !cred.AllowsNetwork(req.Network) {
		return &Outcome{State: StateRejected, PriceUSD: price, Requirement: req},
			fmt.Errorf("%w: network %s not allowed for credential %s", credential.ErrNoActiveCredential, req.Network, cred.ID)
	}
	if price > cred.PerTxLimitUSD {
		return &Outcome{State: StateRejected, PriceUSD: price, Requirement: req},
			&ledger.PerTxLimitError{AttemptedUSD: price, LimitUSD: cred.PerTxLimitUSD}
	}
	spent, err := n.ledger.WindowTotal(ctx, cred.ID)
	if err != nil {
		return &Outcome{State: StateFailed, PriceUSD: price, Requirement: req}, err
	}
	if spent+price > cred.DailyLimitUSD {
		return &Outcome{State: StateRejected, PriceUSD: price, Requirement: req},
			&ledger.DailyLimitError{AttemptedUSD: price, SpentUSD: spent, LimitUSD: cred.DailyLimitUSD}
	}

	// Sign the payment intent. Exactly one attempt.
	intent := paymentIntent{
		Scheme:       req.Scheme,
		Network:      req.Network,
		Asset:        req.Asset,
		Amount:       req.MaxAmountRequired,
		PayTo:        req.PayTo,
		Resource:     req.Resource,
		CredentialID: cred.ID,
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().Unix(),
	}
	message, err := json.Marshal(intent)
	if err != nil {
		return &Outcome{State: StateFailed, PriceUSD: price, Requirement: req}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	signature, keyID, err := n.signer.Sign(ctx, message)
	if err != nil {
		return &Outcome{State: StateFailed, PriceUSD: price, Requirement: req}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	// A revocation while we were signing must fail the negotiation
	// rather than settle under the revoked key.
	if cur := n.creds.GetActive(); cur == nil || cur.ID != cred.ID {
		return &Outcome{State: StateFailed, PriceUSD: price, Requirement: req},
			fmt.Errorf("%w: credential %s changed during negotiation", credential.ErrCredentialRevoked, cred.ID)
	}

	payload := paymentPayload{
		Scheme:       req.Scheme,
		Network:      req.Network,
		Signature:    base64.StdEncoding.EncodeToString(signature),
		KeyID:        keyID,
		Resource:     req.Resource,
		Nonce:        intent.Nonce,
		Timestamp:    intent.Timestamp,
		SessionID:    cred.ID,
		AmountAtomic: req.MaxAmountRequired,
	}
	headers, err := proofHeaders(payload)
	if err != nil {
		return &Outcome{State: StateFailed, PriceUSD: price, Requirement: req}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	// Exactly one retry with the proof attached.
	retryResp, retryBody, err := n.do(ctx, method, url, body, headers)
	if err != nil {
		return &Outcome{State: StateFailed, PriceUSD: price, Requirement: req}, err
	}
	if retryResp.StatusCode == http.StatusPaymentRequired {
		return &Outcome{State: StateFailed, Status: retryResp.StatusCode, PriceUSD: price, Requirement: req},
			fmt.Errorf("%w: %s", ErrPaymentRejectedByServer, url)
	}

	// Record the spend before returning success. CheckAndReserve is
	// atomic, so concurrent negotiations against the same credential
	// cannot jointly overspend; if a concurrent negotiation consumed
	// the remaining budget since the pre-check, this one is rejected
	// here and does not report a settled payment.
	entry, err := n.ledger.CheckAndReserve(ctx, cred.ID, price, ledger.Limits{
		PerTxUSD: cred.PerTxLimitUSD,
		DailyUSD: cred.DailyLimitUSD,
	})
	if err != nil {
		return &Outcome{State: StateRejected, Status: retryResp.StatusCode, PriceUSD: price, Requirement: req}, err
	}

	// Best-effort outward notification; failure never rolls back.
	n.emitter.Emit(activity.Event{
		Kind:      activity.KindPayment,
		Scheme:    req.Scheme,
		Resource:  req.Resource,
		AmountUSD: price,
		Detail:    "settled by " + cred.ID,
	})

	return &Outcome{
		State:       StateSettled,
		Status:      retryResp.StatusCode,
		Body:        retryBody,
		PriceUSD:    price,
		Requirement: req,
		Entry:       entry,
	}, nil
}

// DryRun issues the request and decodes the challenge, returning the
// estimated price without any limit check, signing, or retry. It never
// mutates the ledger or the credential store.
func (n *Negotiator) DryRun(ctx context.Context, url string) (*Outcome, error) {
	resp, respBody, err := n.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Outcome{State: StatePaid, Status: resp.StatusCode, Body: respBody}, nil
	}

	req, err := decodeChallenge(resp, respBody)
	if err != nil {
		return &Outcome{State: StateFailed, Status: resp.StatusCode}, err
	}
	price, err := req.PriceUSD()
	if err != nil {
		return &Outcome{State: StateFailed, Status: resp.StatusCode, Requirement: req}, err
	}
	return &Outcome{State: StateChallenged, Status: resp.StatusCode, PriceUSD: price, Requirement: req}, nil
}

// do issues one HTTP exchange and drains the body. Each exchange
// carries its own timeout via the client and ctx.
func (n *Negotiator) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("negotiate: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("negotiate: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("negotiate: read response: %w", err)
	}
	return resp, respBody, nil
}

// decodeChallenge prefers the JSON body and falls back to the base64
// header when the body is unusable.
func decodeChallenge(resp *http.Response, body []byte) (*wire.PaymentRequirement, error) {
	reqs, err := wire.Decode(body)
	if err != nil {
		if header := resp.Header.Get(wire.HeaderPaymentRequired); header != "" {
			reqs, err = wire.DecodeHeader(header)
		}
	}
	if err != nil {
		return nil, err
	}
	return &reqs[0], nil
}

// proofHeaders builds the retry headers: the full payload under
// X-PAYMENT plus individual metadata headers for intermediaries that
// only inspect headers.
func proofHeaders(p paymentPayload) (map[string]string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"X-PAYMENT":         base64.StdEncoding.EncodeToString(raw),
		"X-PAYMENT-SCHEME":  p.Scheme,
		"X-PAYMENT-NETWORK": p.Network,
		"X-PAYMENT-AMOUNT":  p.AmountAtomic,
		"X-SESSION-ID":      p.SessionID,
	}, nil
}
