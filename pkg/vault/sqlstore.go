package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLRecordStore persists records in a SQL database. Ciphertext, IV, and tag
// are stored as opaque blobs; the store never sees plaintext or keys.
type SQLRecordStore struct {
	db *sql.DB
}

const sqlRecordSchema = `
CREATE TABLE IF NOT EXISTS vault_secrets (
	tenant_id  TEXT NOT NULL,
	provider   TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	iv         BLOB NOT NULL,
	auth_tag   BLOB NOT NULL,
	scopes     TEXT NOT NULL DEFAULT '[]',
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, provider)
)`

// OpenSQLite opens (or creates) a sqlite-backed record store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLRecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open sqlite: %w", err)
	}
	store, err := NewSQLRecordStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLRecordStore wraps an existing database handle and ensures the schema.
func NewSQLRecordStore(ctx context.Context, db *sql.DB) (*SQLRecordStore, error) {
	if _, err := db.ExecContext(ctx, sqlRecordSchema); err != nil {
		return nil, fmt.Errorf("vault: ensure schema: %w", err)
	}
	return &SQLRecordStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLRecordStore) Close() error { return s.db.Close() }

func (s *SQLRecordStore) Put(ctx context.Context, rec *Record) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return fmt.Errorf("vault: encode scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (tenant_id, provider, ciphertext, iv, auth_tag, scopes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			iv         = excluded.iv,
			auth_tag   = excluded.auth_tag,
			scopes     = excluded.scopes,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		rec.TenantID, rec.Provider, rec.Ciphertext, rec.IV, rec.AuthTag,
		string(scopes), rec.ExpiresAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("vault: upsert record: %w", err)
	}
	return nil
}

func (s *SQLRecordStore) Get(ctx context.Context, tenantID, provider string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, provider, ciphertext, iv, auth_tag, scopes, expires_at, created_at
		FROM vault_secrets WHERE tenant_id = ? AND provider = ?`,
		tenantID, provider,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLRecordStore) List(ctx context.Context, tenantID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, provider, ciphertext, iv, auth_tag, scopes, expires_at, created_at
		FROM vault_secrets WHERE tenant_id = ? ORDER BY provider`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("vault: list records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLRecordStore) Delete(ctx context.Context, tenantID, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vault_secrets WHERE tenant_id = ? AND provider = ?`,
		tenantID, provider,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		scopes    string
		expiresAt sql.NullTime
		createdAt time.Time
	)
	err := row.Scan(&rec.TenantID, &rec.Provider, &rec.Ciphertext, &rec.IV,
		&rec.AuthTag, &scopes, &expiresAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &rec.Scopes); err != nil {
		return nil, fmt.Errorf("vault: decode scopes: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	rec.CreatedAt = createdAt
	return &rec, nil
}
