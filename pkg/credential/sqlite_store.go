package credential

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SQLiteStore implements credential storage backed by a local sqlite
// database, for deployments that want a registered-users file heavier
// than FileStore's flat JSON but without an external database dependency.
type SQLiteStore struct {
	db            *sql.DB
	mu            sync.RWMutex
	preparedStmts map[string]*sql.Stmt
}

// NewSQLiteStore opens (creating if necessary) a sqlite database at path
// and ensures the credentials table and prepared statements exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:            db,
		preparedStmts: make(map[string]*sql.Stmt),
	}

	if err := store.createTable(); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (ds *SQLiteStore) createTable() error {
	_, err := ds.db.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		uuid TEXT PRIMARY KEY,
		secret_hex TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (ds *SQLiteStore) prepareStatements() error {
	statements := map[string]string{
		"get":    `SELECT secret_hex FROM credentials WHERE uuid = ?`,
		"delete": `DELETE FROM credentials WHERE uuid = ?`,
		"list":   `SELECT uuid FROM credentials`,
		"update": `UPDATE credentials SET secret_hex = ?, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`,
		"insert": `INSERT INTO credentials (uuid, secret_hex) VALUES (?, ?)`,
	}

	for name, query := range statements {
		stmt, err := ds.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s statement: %w", name, err)
		}
		ds.preparedStmts[name] = stmt
	}
	return nil
}

// Set stores or replaces the secret for id.
func (ds *SQLiteStore) Set(id uuid.UUID, secret []byte) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	encoded := hex.EncodeToString(secret)

	result, err := ds.preparedStmts["update"].Exec(encoded, id.String())
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := ds.preparedStmts["insert"].Exec(id.String(), encoded); err != nil {
			return fmt.Errorf("failed to insert credential: %w", err)
		}
	}
	return nil
}

// Get retrieves the secret for id.
func (ds *SQLiteStore) Get(id uuid.UUID) ([]byte, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	var encoded string
	err := ds.preparedStmts["get"].QueryRow(id.String()).Scan(&encoded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return hex.DecodeString(encoded)
}

// Delete removes the secret for id.
func (ds *SQLiteStore) Delete(id uuid.UUID) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, err := ds.preparedStmts["delete"].Exec(id.String()); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List returns every registered UUID.
func (ds *SQLiteStore) List() ([]uuid.UUID, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	rows, err := ds.preparedStmts["list"].Query()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the underlying database handle.
func (ds *SQLiteStore) Close() error {
	for _, stmt := range ds.preparedStmts {
		_ = stmt.Close()
	}
	return ds.db.Close()
}
