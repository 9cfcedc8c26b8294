package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Database records the screenshot service's clients and the capture files
// they own, so files left behind by a crash can be found at startup.
type Database struct {
	db  *sql.DB
	log zerolog.Logger
}

// ClientRecord is a screenshot client connection.
type ClientRecord struct {
	ID             string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// CaptureRecord is a capture file on disk.
type CaptureRecord struct {
	ID        string
	ClientID  string
	Filename  string
	Size      int64
	CreatedAt time.Time
}

// New creates a new database connection
func New(dbPath string, log zerolog.Logger) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db, log: log}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			remote_addr TEXT,
			connected_at DATETIME NOT NULL,
			disconnected_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			filename TEXT NOT NULL UNIQUE,
			size INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_client ON captures(client_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.log.Debug().Msg("database migrations completed")
	return nil
}

// SaveClient records a new client connection.
func (d *Database) SaveClient(c *ClientRecord) error {
	_, err := d.db.Exec(`INSERT INTO clients (id, remote_addr, connected_at) VALUES (?, ?, ?)`,
		c.ID, c.RemoteAddr, c.ConnectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// CloseClient marks a client as disconnected.
func (d *Database) CloseClient(id string, at time.Time) error {
	_, err := d.db.Exec("UPDATE clients SET disconnected_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID. It returns nil when not found.
func (d *Database) GetClient(id string) (*ClientRecord, error) {
	var c ClientRecord
	var disconnected sql.NullTime
	err := d.db.QueryRow(`SELECT id, remote_addr, connected_at, disconnected_at FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.RemoteAddr, &c.ConnectedAt, &disconnected)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if disconnected.Valid {
		c.DisconnectedAt = &disconnected.Time
	}
	return &c, nil
}

// SaveCapture records a capture file.
func (d *Database) SaveCapture(c *CaptureRecord) error {
	_, err := d.db.Exec(`INSERT INTO captures (id, client_id, filename, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.Filename, c.Size, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save capture: %w", err)
	}
	return nil
}

// ListCaptures returns a client's captures, oldest first.
func (d *Database) ListCaptures(clientID string) ([]*CaptureRecord, error) {
	return d.queryCaptures(`SELECT id, client_id, filename, size, created_at FROM captures
		WHERE client_id = ? ORDER BY created_at`, clientID)
}

// ListAllCaptures returns every recorded capture.
func (d *Database) ListAllCaptures() ([]*CaptureRecord, error) {
	return d.queryCaptures(`SELECT id, client_id, filename, size, created_at FROM captures ORDER BY created_at`)
}

func (d *Database) queryCaptures(query string, args ...any) ([]*CaptureRecord, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var captures []*CaptureRecord
	for rows.Next() {
		var c CaptureRecord
		if err := rows.Scan(&c.ID, &c.ClientID, &c.Filename, &c.Size, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		captures = append(captures, &c)
	}
	return captures, rows.Err()
}

// DeleteCapture removes one capture record.
func (d *Database) DeleteCapture(id string) error {
	if _, err := d.db.Exec("DELETE FROM captures WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete capture: %w", err)
	}
	return nil
}

// DeleteCaptures removes all capture records of a client and returns how
// many were removed.
func (d *Database) DeleteCaptures(clientID string) (int64, error) {
	result, err := d.db.Exec("DELETE FROM captures WHERE client_id = ?", clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete captures: %w", err)
	}
	return result.RowsAffected()
}

// DeleteClientsBefore removes disconnected clients older than before,
// together with their capture records.
func (d *Database) DeleteClientsBefore(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM clients WHERE disconnected_at IS NOT NULL AND disconnected_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old clients: %w", err)
	}
	return result.RowsAffected()
}

// CountCaptures returns the number of recorded captures.
func (d *Database) CountCaptures() (int, error) {
	var n int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM captures").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count captures: %w", err)
	}
	return n, nil
}
