package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Params are the inputs to SetActive. WalletAddress and
// SessionPublicKey are mandatory; zero limits fall back to defaults.
type Params struct {
	WalletAddress       string
	SessionPublicKey    string
	EncryptedPrivateKey string
	DailyLimitUSD       float64
	PerTxLimitUSD       float64
	ExpiryHours         int
	AllowedNetworks     []string
}

// record is the single durable document: every credential ever set
// plus the currently active id. Rewritten on every mutation.
type record struct {
	Credentials []*Credential `json:"credentials"`
	ActiveID    string        `json:"activeId,omitempty"`
}

// Store persists credentials in one JSON file with atomic rewrites.
// A single mutex serializes every operation, including reads, so an
// activation switch is ordered with respect to in-flight GetActive
// calls.
type Store struct {
	path string
	mu   sync.Mutex
	rec  record
}

// Open loads the store from path, creating parent directories as
// needed. A missing file starts empty.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("credential: create store directory: %w", err)
	}

	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("credential: read store: %w", err)
	}
	if err := json.Unmarshal(data, &s.rec); err != nil {
		return nil, fmt.Errorf("credential: parse store: %w", err)
	}
	return s, nil
}

// DefaultPath returns the default credential store location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "spendgate", "credentials.json")
	}
	return filepath.Join(home, ".spendgate", "credentials.json")
}

// SetActive upserts the credential keyed by the wallet's derived id and
// makes it the active one.
func (s *Store) SetActive(p Params) (*Credential, error) {
	if p.WalletAddress == "" || p.SessionPublicKey == "" {
		return nil, ErrInvalidCredentialInput
	}

	daily := p.DailyLimitUSD
	if daily == 0 {
		daily = DefaultDailyLimitUSD
	}
	perTx := p.PerTxLimitUSD
	if perTx == 0 {
		perTx = DefaultPerTxLimitUSD
	}
	expiry := p.ExpiryHours
	if expiry == 0 {
		expiry = DefaultExpiryHours
	}
	if daily <= 0 || perTx <= 0 {
		return nil, fmt.Errorf("%w: limits must be positive", ErrInvalidCredentialInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := DeriveID(p.WalletAddress)
	cred := s.find(id)
	if cred == nil {
		cred = &Credential{ID: id, CreatedAt: time.Now().UTC()}
		s.rec.Credentials = append(s.rec.Credentials, cred)
	} else if cred.Revoked() {
		// A revoked credential never becomes active again; the upsert
		// replaces it with a fresh record under a new creation time.
		cred = &Credential{ID: id, CreatedAt: time.Now().UTC()}
		s.rec.Credentials = append(s.rec.Credentials, cred)
	}

	cred.WalletAddress = p.WalletAddress
	cred.PublicKey = p.SessionPublicKey
	cred.EncryptedPrivateKey = p.EncryptedPrivateKey
	cred.DailyLimitUSD = daily
	cred.PerTxLimitUSD = perTx
	cred.ExpiryHours = expiry
	cred.AllowedNetworks = append([]string(nil), p.AllowedNetworks...)
	s.rec.ActiveID = cred.ID

	if err := s.persist(); err != nil {
		return nil, err
	}
	return cred.clone(), nil
}

// GetActive returns the active credential, or nil when there is none,
// it was revoked, or it expired.
func (s *Store) GetActive() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := s.find(s.rec.ActiveID)
	if cred == nil || !cred.Usable(time.Now().UTC()) {
		return nil
	}
	return cred.clone()
}

// Get returns the credential with the given id.
func (s *Store) Get(id string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := s.find(id)
	if cred == nil {
		return nil, ErrCredentialNotFound
	}
	return cred.clone(), nil
}

// RevokeActive revokes the active credential and re-elects the
// most-recently-created non-revoked credential, if any. Returns the
// revocation time and the new active id ("" when none remains).
func (s *Store) RevokeActive() (time.Time, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(s.rec.ActiveID)
}

// Revoke revokes a specific credential regardless of activeness.
func (s *Store) Revoke(id string) (time.Time, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(id)
}

func (s *Store) revokeLocked(id string) (time.Time, string, error) {
	cred := s.find(id)
	if cred == nil {
		return time.Time{}, "", ErrCredentialNotFound
	}

	now := time.Now().UTC()
	if !cred.Revoked() {
		cred.RevokedAt = &now
	}
	if s.rec.ActiveID == id {
		s.rec.ActiveID = s.reelect()
	}
	if err := s.persist(); err != nil {
		return time.Time{}, "", err
	}
	return *cred.RevokedAt, s.rec.ActiveID, nil
}

// Activate makes a specific credential active. Revoked credentials are
// permanently ineligible.
func (s *Store) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := s.find(id)
	if cred == nil {
		return ErrCredentialNotFound
	}
	if cred.Revoked() {
		return fmt.Errorf("%w: %s", ErrCredentialRevoked, id)
	}
	s.rec.ActiveID = id
	return s.persist()
}

// List returns copies of every stored credential, newest first.
func (s *Store) List() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Credential, 0, len(s.rec.Credentials))
	for i := len(s.rec.Credentials) - 1; i >= 0; i-- {
		out = append(out, *s.rec.Credentials[i].clone())
	}
	return out
}

// Counts returns (active, total) credential counts.
func (s *Store) Counts() (active, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total = len(s.rec.Credentials)
	if cred := s.find(s.rec.ActiveID); cred != nil && cred.Usable(time.Now().UTC()) {
		active = 1
	}
	return active, total
}

// reelect picks the most-recently-created non-revoked credential.
func (s *Store) reelect() string {
	var best *Credential
	for _, c := range s.rec.Credentials {
		if c.Revoked() {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = c
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func (s *Store) find(id string) *Credential {
	if id == "" {
		return nil
	}
	// Scan from the end so an id shared by a revoked record and its
	// replacement resolves to the newest record.
	for i := len(s.rec.Credentials) - 1; i >= 0; i-- {
		if s.rec.Credentials[i].ID == id {
			return s.rec.Credentials[i]
		}
	}
	return nil
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("credential: write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("credential: commit store: %w", err)
	}
	return nil
}
