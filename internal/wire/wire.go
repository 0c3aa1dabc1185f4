// Package wire encodes and decodes the machine-readable payment
// requirement exchanged between a paywalled server and a paying client.
// Two top-level body shapes circulate in the wild: the original
// paymentRequirements[] array and the newer accepts[] array. Decoding
// accepts both and normalizes to PaymentRequirement.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// HeaderPaymentRequired carries the base64-encoded challenge body so
// that clients inspecting only headers can still recover it.
const HeaderPaymentRequired = "PAYMENT-REQUIRED"

// USDCDecimals is the fixed decimal exponent for USD-pegged assets.
// It is agreed out of band and never renegotiated per request.
const USDCDecimals = 6

// Version is the challenge body protocol version.
const Version = 1

// ErrMalformedChallenge marks a 402 body that cannot be used. The
// negotiator treats it as non-retryable.
var ErrMalformedChallenge = errors.New("malformed payment challenge")

// PaymentRequirement describes one acceptable way to pay for a resource.
type PaymentRequirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	Asset             string            `json:"asset"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	PayTo             string            `json:"payTo"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description,omitempty"`
	MaxTimeoutSeconds int64             `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// challengeBody is the wire envelope. PaymentRequirements and Accepts
// are the two known field names for the same array.
type challengeBody struct {
	X402Version         int                  `json:"x402Version"`
	PaymentRequirements []PaymentRequirement `json:"paymentRequirements,omitempty"`
	Accepts             []PaymentRequirement `json:"accepts,omitempty"`
	Error               string               `json:"error,omitempty"`
}

// Encode marshals requirements into the JSON challenge body and its
// base64 header value. Both carry the same bytes.
func Encode(reqs []PaymentRequirement) (body []byte, header string, err error) {
	body, err = json.Marshal(challengeBody{
		X402Version:         Version,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return nil, "", fmt.Errorf("wire: marshal challenge: %w", err)
	}
	return body, base64.StdEncoding.EncodeToString(body), nil
}

// Decode parses a challenge body in either wire shape and validates
// each requirement. An empty or invalid body returns ErrMalformedChallenge.
func Decode(data []byte) ([]PaymentRequirement, error) {
	var cb challengeBody
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
	}

	reqs := cb.PaymentRequirements
	if len(reqs) == 0 {
		reqs = cb.Accepts
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no payment requirements in body", ErrMalformedChallenge)
	}

	for i := range reqs {
		if err := reqs[i].validate(); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// DecodeHeader parses a base64 PAYMENT-REQUIRED header value.
func DecodeHeader(value string) ([]PaymentRequirement, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 header: %v", ErrMalformedChallenge, err)
	}
	return Decode(data)
}

func (r *PaymentRequirement) validate() error {
	if r.PayTo == "" {
		return fmt.Errorf("%w: missing payTo", ErrMalformedChallenge)
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("%w: missing maxAmountRequired", ErrMalformedChallenge)
	}
	if _, err := strconv.ParseUint(r.MaxAmountRequired, 10, 64); err != nil {
		return fmt.Errorf("%w: maxAmountRequired %q is not a non-negative integer", ErrMalformedChallenge, r.MaxAmountRequired)
	}
	return nil
}

// PriceUSD returns the requirement's price in USD. The human-readable
// hint in extra wins; otherwise the atomic amount is scaled down by the
// fixed decimal exponent.
func (r *PaymentRequirement) PriceUSD() (float64, error) {
	if hint, ok := r.Extra["priceUSD"]; ok {
		price, err := strconv.ParseFloat(hint, 64)
		if err != nil || price < 0 {
			return 0, fmt.Errorf("%w: bad priceUSD hint %q", ErrMalformedChallenge, hint)
		}
		return price, nil
	}
	atomic, err := strconv.ParseUint(r.MaxAmountRequired, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: maxAmountRequired %q", ErrMalformedChallenge, r.MaxAmountRequired)
	}
	return float64(atomic) / math.Pow10(USDCDecimals), nil
}

// AtomicAmount converts a USD price to the asset's smallest-unit
// integer string using the fixed decimal exponent.
func AtomicAmount(priceUSD float64, decimals int) string {
	return strconv.FormatUint(uint64(math.Round(priceUSD*math.Pow10(decimals))), 10)
}

// FormatUSD renders a USD amount for the priceUSD hint.
func FormatUSD(priceUSD float64) string {
	return strconv.FormatFloat(priceUSD, 'f', -1, 64)
}
