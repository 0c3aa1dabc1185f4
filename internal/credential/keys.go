package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// sealContext domain-separates the key-encryption key from other uses
// of the wallet address hash.
const sealContext = "spendgate-session-key-v1"

// DeriveID returns the stable credential id for a wallet address.
func DeriveID(walletAddress string) string {
	sum := sha256.Sum256([]byte(walletAddress))
	return "sess-" + hex.EncodeToString(sum[:])[:16]
}

// KeyHash returns the fingerprint reported back to the setup flow.
func KeyHash(publicKeyHex string) string {
	sum := sha256.Sum256([]byte(publicKeyHex))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewSessionKey generates an Ed25519 session key pair and seals the
// private key under a key derived from the wallet address.
func NewSessionKey(walletAddress string) (publicKeyHex, encryptedPrivateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("credential: generate session key: %w", err)
	}
	sealed, err := seal(walletAddress, priv)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(pub), sealed, nil
}

// SigningKey unseals the credential's private key. Server-side records
// created from a posted public key carry no private material and cannot
// sign.
func (c *Credential) SigningKey() (ed25519.PrivateKey, error) {
	if c.EncryptedPrivateKey == "" {
		return nil, fmt.Errorf("credential %s holds no signing material", c.ID)
	}
	plain, err := open(c.WalletAddress, c.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("credential %s: unsealed key has wrong size %d", c.ID, len(plain))
	}
	return ed25519.PrivateKey(plain), nil
}

// sealKeyFor derives the AES-256 key-encryption key from the wallet
// address. The wallet address stands in for the human's master
// credential in this deployment.
func sealKeyFor(walletAddress string) []byte {
	sum := sha256.Sum256([]byte(walletAddress + ":" + sealContext))
	return sum[:]
}

func seal(walletAddress string, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(sealKeyFor(walletAddress))
	if err != nil {
		return "", fmt.Errorf("credential: seal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("credential: seal: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credential: seal nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(walletAddress, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("credential: unseal: %w", err)
	}
	block, err := aes.NewCipher(sealKeyFor(walletAddress))
	if err != nil {
		return nil, fmt.Errorf("credential: unseal: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: unseal: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("credential: sealed key too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: unseal: %w", err)
	}
	return plain, nil
}
