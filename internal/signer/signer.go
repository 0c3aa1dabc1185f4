// Package signer produces payment signatures from locally held session
// keys. It is the default Signer wired into the negotiator; a custody
// or HSM backend would implement the same one-method interface.
package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/ppiankov/spendgate/internal/credential"
)

// Local signs with the active credential's sealed session key. The key
// is unsealed per call and never cached, so a revocation between calls
// takes effect immediately.
type Local struct {
	creds *credential.Store
}

func NewLocal(creds *credential.Store) *Local {
	return &Local{creds: creds}
}

// Sign signs message with the active credential's ed25519 session key.
func (l *Local) Sign(ctx context.Context, message []byte) ([]byte, string, error) {
	cred := l.creds.GetActive()
	if cred == nil {
		return nil, "", credential.ErrNoActiveCredential
	}
	key, err := cred.SigningKey()
	if err != nil {
		return nil, "", fmt.Errorf("signer: unseal session key for %s: %w", cred.ID, err)
	}
	return ed25519.Sign(key, message), cred.ID, nil
}
