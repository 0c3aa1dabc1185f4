// Package gate decides, per request to a metered resource, whether to
// serve it or to challenge it with HTTP 402.
package gate

import (
	"fmt"
	"net/http"

	"github.com/ppiankov/spendgate/internal/activity"
	"github.com/ppiankov/spendgate/internal/wire"
)

// Proof-of-payment headers. Any one present means the request is
// treated as paid; the scheme is inferred from which header carried it.
const (
	HeaderPayment          = "X-PAYMENT"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderUCPCredential    = "X-UCP-CREDENTIAL"
	HeaderACPToken         = "X-ACP-TOKEN"
)

// Merchant is the static recipient configuration for challenges.
type Merchant struct {
	PayTo   string
	Network string
	Asset   string
	Scheme  string
}

// Verifier checks a proof of payment before admission. scheme is the
// detected proof scheme, proof the raw header value.
type Verifier func(r *http.Request, scheme, proof string, priceUSD float64) error

// Gate guards metered resources behind a payment challenge.
//
// Verifier is nil by default: the gate admits on proof-header presence
// without verifying the signature against resource, amount, and
// recipient. That is a known weakness of this demo surface, kept
// intentionally; production deployments must set Verifier.
type Gate struct {
	merchant func() Merchant
	emitter  activity.Emitter
	Verifier Verifier
}

// New creates a gate. merchant is read per request so the serving
// config can be hot-reloaded; emitter may be nil.
func New(merchant func() Merchant, emitter activity.Emitter) *Gate {
	if emitter == nil {
		emitter = activity.Discard
	}
	return &Gate{merchant: merchant, emitter: emitter}
}

// Wrap protects next behind a payment challenge at the given price.
// A non-positive price is a configuration error and panics at wiring
// time rather than admitting the resource for free.
func (g *Gate) Wrap(priceUSD float64, resourceID string, next http.Handler) http.Handler {
	if priceUSD <= 0 {
		panic(fmt.Sprintf("gate: resource %q priced at $%v; metered resources must cost more than zero", resourceID, priceUSD))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, proof, ok := proofScheme(r)
		if ok {
			if g.Verifier != nil {
				if err := g.Verifier(r, scheme, proof, priceUSD); err != nil {
					g.challenge(w, r, priceUSD, resourceID)
					return
				}
			}
			g.emitter.Emit(activity.Event{
				Kind:      activity.KindPayment,
				Scheme:    scheme,
				Resource:  resourceID,
				AmountUSD: priceUSD,
			})
			w.Header().Set("X-Payment-Verified", "true")
			next.ServeHTTP(w, r)
			return
		}
		g.challenge(w, r, priceUSD, resourceID)
	})
}

// challenge emits a "challenge" event and responds 402 with the
// requirement as both a JSON body and a base64 header.
func (g *Gate) challenge(w http.ResponseWriter, r *http.Request, priceUSD float64, resourceID string) {
	req := g.Requirement(r, priceUSD, resourceID)
	body, header, err := wire.Encode([]wire.PaymentRequirement{req})
	if err != nil {
		http.Error(w, "failed to build payment challenge", http.StatusInternalServerError)
		return
	}

	g.emitter.Emit(activity.Event{
		Kind:      activity.KindChallenge,
		Resource:  resourceID,
		AmountUSD: priceUSD,
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(wire.HeaderPaymentRequired, header)
	w.WriteHeader(http.StatusPaymentRequired)
	w.Write(body)
}

// Requirement builds the PaymentRequirement for a request: amount from
// the price via the fixed decimal exponent, recipient from merchant
// config, resource from the canonical request URL.
func (g *Gate) Requirement(r *http.Request, priceUSD float64, resourceID string) wire.PaymentRequirement {
	m := g.merchant()
	return wire.PaymentRequirement{
		Scheme:            m.Scheme,
		Network:           m.Network,
		Asset:             m.Asset,
		MaxAmountRequired: wire.AtomicAmount(priceUSD, wire.USDCDecimals),
		PayTo:             m.PayTo,
		Resource:          canonicalURL(r),
		Description:       fmt.Sprintf("Payment of $%s required for %s", wire.FormatUSD(priceUSD), resourceID),
		MaxTimeoutSeconds: 60,
		Extra:             map[string]string{"priceUSD": wire.FormatUSD(priceUSD)},
	}
}

// proofScheme detects a proof-of-payment header. Check order fixes the
// scheme tag when multiple headers are present.
func proofScheme(r *http.Request) (scheme, proof string, ok bool) {
	if v := r.Header.Get(HeaderPayment); v != "" {
		return "x402", v, true
	}
	if v := r.Header.Get(HeaderPaymentSignature); v != "" {
		return "x402", v, true
	}
	if v := r.Header.Get(HeaderUCPCredential); v != "" {
		return "ucp", v, true
	}
	if v := r.Header.Get(HeaderACPToken); v != "" {
		return "acp", v, true
	}
	return "", "", false
}

func canonicalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}
