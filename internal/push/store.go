// Package push delivers Web Push notifications for permission prompts so
// the user hears about a blocked agent even with no client attached. The
// subscription store and VAPID keypair are the daemon's only persistent
// state besides the bearer token.
package push

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Subscription is one browser push endpoint.
type Subscription struct {
	ID        string    `db:"id" json:"id"`
	Endpoint  string    `db:"endpoint" json:"endpoint"`
	P256dh    string    `db:"p256dh" json:"p256dh"`
	Auth      string    `db:"auth" json:"auth"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store persists push subscriptions and the VAPID keypair in SQLite.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (creating if needed) the push database.
func NewStore(dbPath string) (*Store, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open push database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize push schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL UNIQUE,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vapid_keys (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts a subscription keyed by endpoint.
func (s *Store) Save(ctx context.Context, endpoint, p256dh, auth string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth
	`, uuid.New().String(), endpoint, p256dh, auth, time.Now().UTC())
	return err
}

// Delete removes a subscription by endpoint. Unknown endpoints are a no-op.
func (s *Store) Delete(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	return err
}

// List returns all stored subscriptions.
func (s *Store) List(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.SelectContext(ctx, &subs, `
		SELECT id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// VAPIDKeys returns the persisted keypair, generating one on first use.
func (s *Store) VAPIDKeys(ctx context.Context) (publicKey, privateKey string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT public_key, private_key FROM vapid_keys WHERE id = 1`)
	err = row.Scan(&publicKey, &privateKey)
	if err == nil {
		return publicKey, privateKey, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", err
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vapid_keys (id, public_key, private_key, created_at)
		VALUES (1, ?, ?, ?)
	`, publicKey, privateKey, time.Now().UTC())
	if err != nil {
		return "", "", err
	}
	return publicKey, privateKey, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
