package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ppiankov/spendgate/internal/credential"
	"github.com/ppiankov/spendgate/internal/gate"
	"github.com/ppiankov/spendgate/internal/ledger"
	"github.com/ppiankov/spendgate/internal/wire"
)

const testWallet = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

// countingSigner records calls; hook runs inside Sign to simulate
// concurrent store mutations mid-negotiation.
type countingSigner struct {
	calls int
	err   error
	hook  func()
}

func (s *countingSigner) Sign(ctx context.Context, message []byte) ([]byte, string, error) {
	s.calls++
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return nil, "", s.err
	}
	return []byte("test-signature"), "sess-test", nil
}

type fixture struct {
	creds  *credential.Store
	ledger *ledger.Store
	signer *countingSigner
	neg    *Negotiator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	creds, err := credential.Open(filepath.Join(dir, "credentials.json"))
	if err != nil {
		t.Fatalf("open credential store: %v", err)
	}
	led, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	signer := &countingSigner{}
	return &fixture{
		creds:  creds,
		ledger: led,
		signer: signer,
		neg: New(Config{
			Credentials: creds,
			Ledger:      led,
			Signer:      signer,
		}),
	}
}

func (f *fixture) setCredential(t *testing.T, perTx, daily float64) *credential.Credential {
	t.Helper()
	pub, enc, err := credential.NewSessionKey(testWallet)
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}
	cred, err := f.creds.SetActive(credential.Params{
		WalletAddress:       testWallet,
		SessionPublicKey:    pub,
		EncryptedPrivateKey: enc,
		PerTxLimitUSD:       perTx,
		DailyLimitUSD:       daily,
	})
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	return cred
}

// paywalled starts a gate-protected test server for the given price.
func paywalled(t *testing.T, priceUSD float64) *httptest.Server {
	t.Helper()
	g := gate.New(func() gate.Merchant {
		return gate.Merchant{
			PayTo:   testWallet,
			Network: "eip155:84532",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Scheme:  "exact",
		}
	}, nil)
	handler := g.Wrap(priceUSD, "resource", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"premium"}`))
	}))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestSettleWithinBudget(t *testing.T) {
	f := newFixture(t)
	cred := f.setCredential(t, 5, 50)
	srv := paywalled(t, 0.005)

	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL+"/market/sol", nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if out.State != StateSettled {
		t.Fatalf("expected settled, got %s", out.State)
	}
	if out.PriceUSD != 0.005 {
		t.Errorf("expected $0.005, got %v", out.PriceUSD)
	}
	if string(out.Body) != `{"data":"premium"}` {
		t.Errorf("unexpected body: %s", out.Body)
	}
	if f.signer.calls != 1 {
		t.Errorf("expected exactly one signing attempt, got %d", f.signer.calls)
	}

	history, _ := f.ledger.History(context.Background(), cred.ID, 10)
	if len(history) != 1 || history[0].AmountUSD != 0.005 {
		t.Errorf("expected one $0.005 ledger entry, got %+v", history)
	}
}

func TestPerTxLimitRejectedBeforeSigning(t *testing.T) {
	f := newFixture(t)
	cred := f.setCredential(t, 5, 50)
	srv := paywalled(t, 6)

	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	var perTx *ledger.PerTxLimitError
	if !errors.As(err, &perTx) {
		t.Fatalf("expected PerTxLimitError, got %v", err)
	}
	if out.State != StateRejected {
		t.Errorf("expected rejected, got %s", out.State)
	}
	if f.signer.calls != 0 {
		t.Errorf("signer must observe zero calls on policy rejection, got %d", f.signer.calls)
	}
	history, _ := f.ledger.History(context.Background(), cred.ID, 10)
	if len(history) != 0 {
		t.Errorf("ledger must be unchanged, got %d entries", len(history))
	}
}

func TestDailyLimitRejected(t *testing.T) {
	f := newFixture(t)
	cred := f.setCredential(t, 5, 10)
	srv := paywalled(t, 4)

	// Consume $8 of the $10 window, then attempt $4 more.
	for i := 0; i < 2; i++ {
		if _, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil); err != nil {
			t.Fatalf("fetch %d failed: %v", i+1, err)
		}
	}

	_, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	var daily *ledger.DailyLimitError
	if !errors.As(err, &daily) {
		t.Fatalf("expected DailyLimitError, got %v", err)
	}
	if daily.SpentUSD != 8 || daily.LimitUSD != 10 {
		t.Errorf("rejection must report spent and limit: %+v", daily)
	}

	total, _ := f.ledger.WindowTotal(context.Background(), cred.ID)
	if total != 8 {
		t.Errorf("window total must stay at $8, got %v", total)
	}
}

func TestMalformedChallengeFailsWithoutSigning(t *testing.T) {
	f := newFixture(t)
	f.setCredential(t, 5, 50)

	// A 402 whose requirement is missing payTo.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"x402Version": 1,
			"paymentRequirements": []map[string]any{
				{"scheme": "exact", "network": "eip155:84532", "maxAmountRequired": "5000"},
			},
		})
	}))
	t.Cleanup(srv.Close)

	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if !errors.Is(err, wire.ErrMalformedChallenge) {
		t.Fatalf("expected ErrMalformedChallenge, got %v", err)
	}
	if out.State != StateFailed {
		t.Errorf("expected failed, got %s", out.State)
	}
	if f.signer.calls != 0 {
		t.Errorf("signer must observe zero calls, got %d", f.signer.calls)
	}
}

func TestNoActiveCredential(t *testing.T) {
	f := newFixture(t)
	srv := paywalled(t, 0.005)

	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if !errors.Is(err, credential.ErrNoActiveCredential) {
		t.Fatalf("expected ErrNoActiveCredential, got %v", err)
	}
	if out.State != StateRejected {
		t.Errorf("expected rejected, got %s", out.State)
	}
	if f.signer.calls != 0 {
		t.Errorf("signer must observe zero calls, got %d", f.signer.calls)
	}
}

func TestRetryStill402(t *testing.T) {
	f := newFixture(t)
	cred := f.setCredential(t, 5, 50)

	// Always challenges, even with proof attached.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, header, _ := wire.Encode([]wire.PaymentRequirement{{
			Scheme:            "exact",
			Network:           "eip155:84532",
			Asset:             "0x0",
			MaxAmountRequired: "5000",
			PayTo:             testWallet,
			Resource:          "http://" + r.Host + r.URL.Path,
		}})
		w.Header().Set(wire.HeaderPaymentRequired, header)
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if !errors.Is(err, ErrPaymentRejectedByServer) {
		t.Fatalf("expected ErrPaymentRejectedByServer, got %v", err)
	}
	if out.State != StateFailed {
		t.Errorf("expected failed, got %s", out.State)
	}
	if f.signer.calls != 1 {
		t.Errorf("expected exactly one signing attempt, got %d", f.signer.calls)
	}
	history, _ := f.ledger.History(context.Background(), cred.ID, 10)
	if len(history) != 0 {
		t.Errorf("rejected payment must not be recorded, got %d entries", len(history))
	}
}

func TestSigningFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	cred := f.setCredential(t, 5, 50)
	srv := paywalled(t, 0.005)

	f.signer.err = errors.New("hsm unavailable")
	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if !errors.Is(err, ErrSigningFailed) {
		t.Fatalf("expected ErrSigningFailed, got %v", err)
	}
	if out.State != StateFailed {
		t.Errorf("expected failed, got %s", out.State)
	}
	if f.signer.calls != 1 {
		t.Errorf("signing must be attempted exactly once, got %d", f.signer.calls)
	}
	history, _ := f.ledger.History(context.Background(), cred.ID, 10)
	if len(history) != 0 {
		t.Errorf("failed negotiation must not be recorded")
	}
}

func TestRevocationMidFlightFailsRetry(t *testing.T) {
	f := newFixture(t)
	cred := f.setCredential(t, 5, 50)
	srv := paywalled(t, 0.005)

	// The human revokes while the signer is working.
	f.signer.hook = func() { f.creds.RevokeActive() }

	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if !errors.Is(err, credential.ErrCredentialRevoked) {
		t.Fatalf("expected ErrCredentialRevoked, got %v", err)
	}
	if out.State != StateFailed {
		t.Errorf("expected failed, got %s", out.State)
	}
	history, _ := f.ledger.History(context.Background(), cred.ID, 10)
	if len(history) != 0 {
		t.Errorf("revoked negotiation must not settle, got %d entries", len(history))
	}
}

func TestDryRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	cred := f.setCredential(t, 5, 50)
	srv := paywalled(t, 0.005)

	for i := 0; i < 3; i++ {
		out, err := f.neg.DryRun(context.Background(), srv.URL+"/market/sol")
		if err != nil {
			t.Fatalf("DryRun %d failed: %v", i+1, err)
		}
		if out.State != StateChallenged {
			t.Errorf("expected challenged, got %s", out.State)
		}
		if out.PriceUSD != 0.005 {
			t.Errorf("expected $0.005 estimate, got %v", out.PriceUSD)
		}
	}

	if f.signer.calls != 0 {
		t.Errorf("dry run must never sign, got %d calls", f.signer.calls)
	}
	history, _ := f.ledger.History(context.Background(), cred.ID, 10)
	if len(history) != 0 {
		t.Errorf("dry run must never mutate the ledger, got %d entries", len(history))
	}
	if got := f.creds.GetActive(); got == nil || got.ID != cred.ID {
		t.Error("dry run must never mutate the credential store")
	}
}

func TestFreeResourcePassesThrough(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("free"))
	}))
	t.Cleanup(srv.Close)

	out, err := f.neg.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if out.State != StatePaid || string(out.Body) != "free" {
		t.Errorf("free resource must pass through untouched: %+v", out)
	}
	if f.signer.calls != 0 {
		t.Errorf("no signing for free resources, got %d", f.signer.calls)
	}
}
