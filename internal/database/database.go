package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"chatmux/internal/migrations"
	"chatmux/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// ContentCipher is the encryption boundary the store delegates to. The vault
// implements it; tests use a throwaway key.
type ContentCipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(blob string) ([]byte, error)
}

// DecryptPlaceholder replaces content that can no longer be decrypted.
// Read paths must degrade to it instead of failing the query.
const DecryptPlaceholder = "[unable to decrypt]"

// Database is the local store. It exclusively owns all durable state; the
// gateway sessions and the sync engine keep nothing authoritative in memory.
type Database struct {
	db         *sql.DB
	cipher     ContentCipher
	classifier *Classifier
}

func New(dbPath string, cipher ContentCipher) (*Database, error) {
	if err := security.ValidateDataPath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Schema setup runs in one transaction before any component reads or
	// writes; all statements are idempotent.
	tx, err := db.Begin()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to begin schema transaction: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	if _, err := tx.Exec(migrations.InitialSchema()); err != nil {
		_ = tx.Rollback()
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to commit schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to commit schema: %w", err)
	}

	return &Database{db: db, cipher: cipher, classifier: NewClassifier()}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// withTx runs fn inside a transaction; partial writes never commit.
func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback error: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
