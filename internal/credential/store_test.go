package credential

import (
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

const testWallet = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return s
}

func setTestCredential(t *testing.T, s *Store, wallet string) *Credential {
	t.Helper()
	pub, enc, err := NewSessionKey(wallet)
	if err != nil {
		t.Fatalf("NewSessionKey failed: %v", err)
	}
	cred, err := s.SetActive(Params{
		WalletAddress:       wallet,
		SessionPublicKey:    pub,
		EncryptedPrivateKey: enc,
		DailyLimitUSD:       50,
		PerTxLimitUSD:       5,
		ExpiryHours:         24,
	})
	if err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	return cred
}

func TestSetActiveRequiresInputs(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.SetActive(Params{WalletAddress: testWallet}); !errors.Is(err, ErrInvalidCredentialInput) {
		t.Errorf("expected ErrInvalidCredentialInput without public key, got %v", err)
	}
	if _, err := s.SetActive(Params{SessionPublicKey: "abcd"}); !errors.Is(err, ErrInvalidCredentialInput) {
		t.Errorf("expected ErrInvalidCredentialInput without wallet, got %v", err)
	}
}

func TestSetActiveAppliesDefaults(t *testing.T) {
	s := newTestStore(t)
	cred, err := s.SetActive(Params{WalletAddress: testWallet, SessionPublicKey: "abcd"})
	if err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if cred.DailyLimitUSD != DefaultDailyLimitUSD {
		t.Errorf("expected default daily limit, got %v", cred.DailyLimitUSD)
	}
	if cred.PerTxLimitUSD != DefaultPerTxLimitUSD {
		t.Errorf("expected default per-tx limit, got %v", cred.PerTxLimitUSD)
	}
	if cred.ExpiryHours != DefaultExpiryHours {
		t.Errorf("expected default expiry, got %v", cred.ExpiryHours)
	}
}

func TestSetActiveRejectsNegativeLimits(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SetActive(Params{
		WalletAddress:    testWallet,
		SessionPublicKey: "abcd",
		DailyLimitUSD:    -1,
	})
	if !errors.Is(err, ErrInvalidCredentialInput) {
		t.Errorf("expected ErrInvalidCredentialInput for negative limit, got %v", err)
	}
}

func TestGetActiveReturnsSetCredential(t *testing.T) {
	s := newTestStore(t)
	want := setTestCredential(t, s, testWallet)

	got := s.GetActive()
	if got == nil {
		t.Fatal("GetActive returned nil after SetActive")
	}
	if got.ID != want.ID {
		t.Errorf("expected id %s, got %s", want.ID, got.ID)
	}
	if got.ID != DeriveID(testWallet) {
		t.Errorf("id not derived from wallet: %s", got.ID)
	}
}

func TestReloadAfterRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	want := setTestCredential(t, s1, testWallet)

	// Simulate process restart: a fresh store over the same file.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.GetActive()
	if got == nil {
		t.Fatal("GetActive returned nil after reload")
	}
	if got.DailyLimitUSD != want.DailyLimitUSD || got.PerTxLimitUSD != want.PerTxLimitUSD {
		t.Errorf("limits changed across restart: %+v vs %+v", got, want)
	}
	if got.PublicKey != want.PublicKey {
		t.Errorf("public key changed across restart")
	}
}

func TestRevokeActiveLeavesNoActive(t *testing.T) {
	s := newTestStore(t)
	setTestCredential(t, s, testWallet)

	revokedAt, newActive, err := s.RevokeActive()
	if err != nil {
		t.Fatalf("RevokeActive failed: %v", err)
	}
	if revokedAt.IsZero() {
		t.Error("expected revocation timestamp")
	}
	if newActive != "" {
		t.Errorf("expected no re-elected credential, got %s", newActive)
	}
	if s.GetActive() != nil {
		t.Error("GetActive should return nil after revocation")
	}
}

func TestRevokeActiveReelectsNewest(t *testing.T) {
	s := newTestStore(t)
	older := setTestCredential(t, s, "0xWalletOne")
	time.Sleep(10 * time.Millisecond)
	newer := setTestCredential(t, s, "0xWalletTwo")

	// Make the older one active, then revoke it.
	if err := s.Activate(older.ID); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	_, newActive, err := s.RevokeActive()
	if err != nil {
		t.Fatalf("RevokeActive failed: %v", err)
	}
	if newActive != newer.ID {
		t.Errorf("expected re-election of %s, got %s", newer.ID, newActive)
	}
	if got := s.GetActive(); got == nil || got.ID != newer.ID {
		t.Errorf("GetActive should return re-elected credential")
	}
}

func TestRevokedNeverReactivates(t *testing.T) {
	s := newTestStore(t)
	cred := setTestCredential(t, s, testWallet)

	if _, _, err := s.Revoke(cred.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := s.Activate(cred.ID); !errors.Is(err, ErrCredentialRevoked) {
		t.Errorf("expected ErrCredentialRevoked, got %v", err)
	}
}

func TestRevokeUnknownID(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Revoke("sess-missing"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestExpiredCredentialNotActive(t *testing.T) {
	s := newTestStore(t)
	cred := setTestCredential(t, s, testWallet)

	// Backdate creation past the expiry window.
	s.mu.Lock()
	s.find(cred.ID).CreatedAt = time.Now().UTC().Add(-25 * time.Hour)
	s.mu.Unlock()

	if got := s.GetActive(); got != nil {
		t.Errorf("expected nil for expired credential, got %s", got.ID)
	}
}

func TestSigningKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	setTestCredential(t, s, testWallet)

	cred := s.GetActive()
	priv, err := cred.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}

	msg := []byte("payment intent")
	sig := ed25519.Sign(priv, msg)
	pub := priv.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, msg, sig) {
		t.Error("signature does not verify against unsealed key")
	}
}

func TestSigningKeyWithoutMaterial(t *testing.T) {
	s := newTestStore(t)
	cred, err := s.SetActive(Params{WalletAddress: testWallet, SessionPublicKey: "abcd"})
	if err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if _, err := cred.SigningKey(); err == nil {
		t.Error("expected error unsealing credential without private material")
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	if active, total := s.Counts(); active != 0 || total != 0 {
		t.Errorf("expected empty store counts, got %d/%d", active, total)
	}

	setTestCredential(t, s, "0xWalletOne")
	setTestCredential(t, s, "0xWalletTwo")
	if active, total := s.Counts(); active != 1 || total != 2 {
		t.Errorf("expected 1 active of 2, got %d/%d", active, total)
	}

	s.RevokeActive()
	if active, total := s.Counts(); active != 1 || total != 2 {
		t.Errorf("expected re-elected active of 2, got %d/%d", active, total)
	}
}
