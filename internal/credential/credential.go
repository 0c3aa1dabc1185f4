// Package credential persists budget-scoped delegated session keys.
// A credential is a signing identity derived from a human-held wallet,
// capped by daily and per-transaction USD limits and an expiry. The
// store is the durable source of truth for budget state: losing it
// mid-session must not silently lift spending limits.
package credential

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentialInput means the wallet identifier or session
	// public key was missing from a SetActive call.
	ErrInvalidCredentialInput = errors.New("credential: wallet address and session public key are required")

	// ErrCredentialRevoked means the target credential was revoked and
	// can never become active again.
	ErrCredentialRevoked = errors.New("credential: revoked")

	// ErrCredentialNotFound means no credential with the given id exists.
	ErrCredentialNotFound = errors.New("credential: not found")

	// ErrNoActiveCredential means there is no usable delegated key; the
	// agent must prompt re-authorization out of band.
	ErrNoActiveCredential = errors.New("credential: no active credential")
)

// Default limits applied when the setup flow does not specify them.
const (
	DefaultDailyLimitUSD = 50.0
	DefaultPerTxLimitUSD = 5.0
	DefaultExpiryHours   = 24
)

// Credential is a budget-scoped delegated signing identity. The private
// key is sealed at rest and never stored or transmitted in clear.
type Credential struct {
	ID                  string     `json:"id"`
	WalletAddress       string     `json:"walletAddress"`
	PublicKey           string     `json:"publicKey"`
	EncryptedPrivateKey string     `json:"encryptedPrivateKey,omitempty"`
	DailyLimitUSD       float64    `json:"dailyLimitUsd"`
	PerTxLimitUSD       float64    `json:"perTxLimitUsd"`
	ExpiryHours         int        `json:"expiryHours"`
	AllowedNetworks     []string   `json:"allowedNetworks,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	RevokedAt           *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the credential has been revoked.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// Expired reports whether the credential has passed its expiry window.
func (c *Credential) Expired(now time.Time) bool {
	if c.ExpiryHours <= 0 {
		return false
	}
	return now.After(c.CreatedAt.Add(time.Duration(c.ExpiryHours) * time.Hour))
}

// Usable reports whether the credential may sign payments right now.
func (c *Credential) Usable(now time.Time) bool {
	return !c.Revoked() && !c.Expired(now)
}

// AllowsNetwork reports whether the credential may pay on the given
// network. An empty set allows all networks.
func (c *Credential) AllowsNetwork(network string) bool {
	if len(c.AllowedNetworks) == 0 {
		return true
	}
	for _, n := range c.AllowedNetworks {
		if n == network {
			return true
		}
	}
	return false
}

// clone returns a copy so callers never share the stored record.
func (c *Credential) clone() *Credential {
	cp := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		cp.RevokedAt = &t
	}
	cp.AllowedNetworks = append([]string(nil), c.AllowedNetworks...)
	return &cp
}
