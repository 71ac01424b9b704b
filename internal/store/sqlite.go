package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/emailsec/decoybot/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Correspondent returns the record for the given address, or nil when
// the address has never been seen.
func (s *SQLiteStore) Correspondent(ctx context.Context, email string) (*model.Correspondent, error) {
	var c model.Correspondent
	err := s.db.GetContext(ctx, &c,
		"SELECT email_address, public_key, decoy_sent_at FROM correspondents WHERE email_address = ?",
		normalize(email),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading correspondent %s: %w", email, err)
	}
	return &c, nil
}

// PublicKey returns the armored public key stored for the address.
func (s *SQLiteStore) PublicKey(ctx context.Context, email string) (string, bool, error) {
	c, err := s.Correspondent(ctx, email)
	if err != nil {
		return "", false, err
	}
	if c == nil || c.PublicKey == nil {
		return "", false, nil
	}
	return *c.PublicKey, true, nil
}

// SetPublicKey stores a new public key for the address. The decoy
// timestamp is cleared in the same statement: replacing the key makes
// the correspondent unknown again.
func (s *SQLiteStore) SetPublicKey(ctx context.Context, email, armoredKey string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO correspondents (email_address, public_key, decoy_sent_at)
VALUES (?, ?, NULL)
ON CONFLICT(email_address) DO UPDATE SET
	public_key = excluded.public_key,
	decoy_sent_at = NULL`,
		normalize(email), armoredKey,
	)
	if err != nil {
		return fmt.Errorf("storing key for %s: %w", email, err)
	}
	return nil
}

// DecoySentAt returns the unix timestamp of the first decoy reply sent
// to the address.
func (s *SQLiteStore) DecoySentAt(ctx context.Context, email string) (int64, bool, error) {
	c, err := s.Correspondent(ctx, email)
	if err != nil {
		return 0, false, err
	}
	if c == nil || c.DecoySentAt == nil {
		return 0, false, nil
	}
	return *c.DecoySentAt, true, nil
}

// MarkDecoySent records the timestamp of a decoy reply, first write wins.
func (s *SQLiteStore) MarkDecoySent(ctx context.Context, email string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO correspondents (email_address, decoy_sent_at)
VALUES (?, ?)
ON CONFLICT(email_address) DO UPDATE SET
	decoy_sent_at = COALESCE(correspondents.decoy_sent_at, excluded.decoy_sent_at)`,
		normalize(email), ts,
	)
	if err != nil {
		return fmt.Errorf("recording decoy timestamp for %s: %w", email, err)
	}
	return nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
