// Package vault provides authenticated, per-tenant encrypted credential
// storage. Master keys are derived from tenant passwords and a process-wide
// pepper; they are never persisted. Records are sealed with AES-256-GCM and
// the associated data binds tenant, provider, and scopes, so tampering with
// metadata invalidates decryption.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrAuth is returned when decryption fails: wrong key, corrupt
	// ciphertext, or tampered metadata. Never recovered from.
	ErrAuth = errors.New("vault: authentication failed")
	// ErrSecretNotFound is returned when no usable record exists. Expired
	// and out-of-scope records are reported as not found, not as errors.
	ErrSecretNotFound = errors.New("vault: secret not found")
	// ErrSessionExpired is returned for unknown, expired, or cross-tenant
	// session tokens.
	ErrSessionExpired = errors.New("vault: session expired")
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// PBKDF2Iterations is the password stretching cost.
	PBKDF2Iterations = 120_000
	ivSize           = 12
	tagSize          = 16
)

// Vault owns secret records and session keys for all tenants.
type Vault struct {
	pepper  []byte
	wrapKey []byte
	store   RecordStore
	logger  *slog.Logger
	clock   func() time.Time

	sessions *sessionTable
}

// Option configures a Vault.
type Option func(*Vault)

// WithRecordStore replaces the default in-memory record store.
func WithRecordStore(s RecordStore) Option {
	return func(v *Vault) { v.store = s }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(v *Vault) { v.clock = clock }
}

// New creates a vault. The pepper must be exactly 32 bytes; without it key
// derivation is not possible and the process must not start.
func New(pepper []byte, opts ...Option) (*Vault, error) {
	if len(pepper) != KeySize {
		return nil, fmt.Errorf("vault: pepper must be %d bytes, got %d", KeySize, len(pepper))
	}
	v := &Vault{
		pepper:   pepper,
		store:    NewMemoryRecordStore(),
		logger:   slog.Default().With("component", "vault"),
		clock:    time.Now,
		sessions: newSessionTable(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.wrapKey = deriveWrapKey(pepper)
	return v, nil
}

// DeriveMasterKey derives the tenant-bound master key from a password.
// Salt = SHA-256(pepper || tenant_id), K = PBKDF2-SHA256(password, salt).
func (v *Vault) DeriveMasterKey(tenantID, password string) []byte {
	salt := sha256.Sum256(append(append([]byte{}, v.pepper...), []byte(tenantID)...))
	return pbkdf2.Key([]byte(password), salt[:], PBKDF2Iterations, KeySize, sha256.New)
}

// StoreInput describes a secret to store.
type StoreInput struct {
	Provider  string
	Plaintext string
	Scopes    []string
	ExpiresAt *time.Time
}

// Store encrypts and upserts a secret under (tenant, provider). Replacing an
// existing record discards the old ciphertext.
func (v *Vault) Store(ctx context.Context, tenantID string, masterKey []byte, in StoreInput) error {
	if in.Provider == "" {
		return errors.New("vault: provider must not be empty")
	}
	aead, err := newAEAD(masterKey)
	if err != nil {
		return err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("vault: generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, []byte(in.Plaintext), aad(tenantID, in.Provider, in.Scopes))
	rec := &Record{
		TenantID:   tenantID,
		Provider:   in.Provider,
		Ciphertext: sealed[:len(sealed)-tagSize],
		IV:         iv,
		AuthTag:    sealed[len(sealed)-tagSize:],
		Scopes:     append([]string(nil), in.Scopes...),
		ExpiresAt:  in.ExpiresAt,
		CreatedAt:  v.clock().UTC(),
	}
	if err := v.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("vault: store record: %w", err)
	}

	v.logger.Info("secret stored",
		"tenant_id", tenantID,
		"provider", in.Provider,
		"scoped", len(in.Scopes) > 0,
	)
	return nil
}

// Retrieve decrypts the secret for (tenant, provider). It returns
// ErrSecretNotFound when no record exists, the record is expired, or the
// requesting tool is outside the record's scopes. A decryption failure is
// ErrAuth and must surface to the user unchanged.
func (v *Vault) Retrieve(ctx context.Context, tenantID, provider string, masterKey []byte, requestingToolID string) (string, error) {
	rec, err := v.store.Get(ctx, tenantID, provider)
	if err != nil {
		return "", fmt.Errorf("vault: load record: %w", err)
	}
	if rec == nil {
		return "", ErrSecretNotFound
	}
	if rec.ExpiresAt != nil && !v.clock().Before(*rec.ExpiresAt) {
		return "", ErrSecretNotFound
	}
	if len(rec.Scopes) > 0 && !contains(rec.Scopes, requestingToolID) {
		return "", ErrSecretNotFound
	}

	aead, err := newAEAD(masterKey)
	if err != nil {
		return "", err
	}
	sealed := append(append([]byte{}, rec.Ciphertext...), rec.AuthTag...)
	plaintext, err := aead.Open(nil, rec.IV, sealed, aad(tenantID, provider, rec.Scopes))
	if err != nil {
		v.logger.Error("secret decryption failed",
			"tenant_id", tenantID,
			"provider", provider,
		)
		return "", ErrAuth
	}
	return string(plaintext), nil
}

// Metadata is the public view of a record. It never carries plaintext.
type Metadata struct {
	Provider  string     `json:"provider"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// List returns metadata for all of the tenant's records.
func (v *Vault) List(ctx context.Context, tenantID string) ([]Metadata, error) {
	recs, err := v.store.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("vault: list records: %w", err)
	}
	meta := make([]Metadata, 0, len(recs))
	for _, rec := range recs {
		meta = append(meta, Metadata{
			Provider:  rec.Provider,
			Scopes:    append([]string(nil), rec.Scopes...),
			ExpiresAt: rec.ExpiresAt,
			CreatedAt: rec.CreatedAt,
		})
	}
	return meta, nil
}

// Delete removes the record for (tenant, provider).
func (v *Vault) Delete(ctx context.Context, tenantID, provider string) error {
	return v.store.Delete(ctx, tenantID, provider)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// aad binds tenant, provider, and a scopes digest into the AEAD associated
// data: tenant_id || 0x00 || provider || 0x00 || scopes_hash.
func aad(tenantID, provider string, scopes []string) []byte {
	out := make([]byte, 0, len(tenantID)+len(provider)+sha256.Size+2)
	out = append(out, tenantID...)
	out = append(out, 0)
	out = append(out, provider...)
	out = append(out, 0)
	digest := scopesHash(scopes)
	return append(out, digest[:]...)
}

func contains(set []string, needle string) bool {
	for _, s := range set {
		if s == needle {
			return true
		}
	}
	return false
}
