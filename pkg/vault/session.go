package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultSessionTTL is applied when CreateSession is called with a
// non-positive TTL. The policy layer, not the vault, caps the upper bound.
const DefaultSessionTTL = time.Hour

// Session is the caller-visible unlock token.
type Session struct {
	Token     string    `json:"session_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// session holds the wrapped master key for one unlock. The raw token is not
// kept; lookups go through its SHA-256.
type session struct {
	tenantID  string
	tokenHash [sha256.Size]byte
	wrapped   []byte
	expiresAt time.Time
}

type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session // hex(tokenHash) -> session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

// deriveWrapKey derives the process session-wrapping key from the pepper via
// HKDF-SHA256 so the wrapped master keys are useless without the pepper.
func deriveWrapKey(pepper []byte) []byte {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, pepper, nil, []byte("gantry/session-wrap/v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(fmt.Sprintf("vault: hkdf: %v", err))
	}
	return key
}

// CreateSession derives the master key from the password and stashes it,
// wrapped, under a fresh random 256-bit token.
func (v *Vault) CreateSession(_ context.Context, tenantID, password string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	masterKey := v.DeriveMasterKey(tenantID, password)

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("vault: generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	wrapped, err := v.wrapMasterKey(tenantID, masterKey)
	if err != nil {
		return nil, err
	}

	sess := &session{
		tenantID:  tenantID,
		tokenHash: sha256.Sum256([]byte(token)),
		wrapped:   wrapped,
		expiresAt: v.clock().Add(ttl),
	}

	v.sessions.mu.Lock()
	v.sessions.sessions[hex.EncodeToString(sess.tokenHash[:])] = sess
	v.sessions.mu.Unlock()

	v.logger.Info("session created", "tenant_id", tenantID, "ttl", ttl)
	return &Session{Token: token, ExpiresAt: sess.expiresAt}, nil
}

// UnlockWithSession returns the master key when the token exists, is
// unexpired, and belongs to the tenant. Everything else is ErrSessionExpired;
// callers cannot distinguish a bad token from a stale one.
func (v *Vault) UnlockWithSession(_ context.Context, tenantID, token string) ([]byte, error) {
	hash := sha256.Sum256([]byte(token))

	v.sessions.mu.RLock()
	sess, ok := v.sessions.sessions[hex.EncodeToString(hash[:])]
	v.sessions.mu.RUnlock()

	if !ok ||
		subtle.ConstantTimeCompare(sess.tokenHash[:], hash[:]) != 1 ||
		sess.tenantID != tenantID ||
		!v.clock().Before(sess.expiresAt) {
		return nil, ErrSessionExpired
	}
	return v.unwrapMasterKey(tenantID, sess.wrapped)
}

// RevokeSession drops a session before its TTL elapses.
func (v *Vault) RevokeSession(_ context.Context, token string) {
	hash := sha256.Sum256([]byte(token))
	v.sessions.mu.Lock()
	delete(v.sessions.sessions, hex.EncodeToString(hash[:]))
	v.sessions.mu.Unlock()
}

// StartSweeper evicts expired sessions at the given interval until ctx is
// done.
func (v *Vault) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.sweepSessions()
			}
		}
	}()
}

func (v *Vault) sweepSessions() {
	now := v.clock()
	v.sessions.mu.Lock()
	defer v.sessions.mu.Unlock()
	for key, sess := range v.sessions.sessions {
		if !now.Before(sess.expiresAt) {
			delete(v.sessions.sessions, key)
		}
	}
}

func (v *Vault) wrapMasterKey(tenantID string, masterKey []byte) ([]byte, error) {
	aead, err := wrapAEAD(v.wrapKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: generate wrap iv: %w", err)
	}
	return aead.Seal(iv, iv, masterKey, []byte(tenantID)), nil
}

func (v *Vault) unwrapMasterKey(tenantID string, wrapped []byte) ([]byte, error) {
	aead, err := wrapAEAD(v.wrapKey)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < ivSize {
		return nil, ErrAuth
	}
	key, err := aead.Open(nil, wrapped[:ivSize], wrapped[ivSize:], []byte(tenantID))
	if err != nil {
		return nil, ErrAuth
	}
	return key, nil
}

func wrapAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create wrap cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
