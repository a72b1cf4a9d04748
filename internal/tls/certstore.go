package tls

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CertStore persists generated leaf certificates to a local SQLite database
// so the in-memory CertCache can be prewarmed after a restart instead of
// re-minting a certificate for every host the proxy has already seen. This
// is the only thing this proxy ever writes to disk beyond the CA itself:
// captured flows are never persisted.
type CertStore struct {
	db *sql.DB
}

// CertEntry is one row of the persisted certificate cache.
type CertEntry struct {
	Host      string
	CertPEM   []byte
	KeyPEM    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// OpenCertStore opens (creating if necessary) the SQLite-backed cert cache
// at path.
func OpenCertStore(path string) (*CertStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cert store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	const schema = `
CREATE TABLE IF NOT EXISTS leaf_certs (
	host       TEXT PRIMARY KEY,
	cert_pem   BLOB NOT NULL,
	key_pem    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cert store schema: %w", err)
	}

	return &CertStore{db: db}, nil
}

// Save upserts a certificate for host.
func (s *CertStore) Save(host string, certPEM, keyPEM []byte, createdAt, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO leaf_certs (host, cert_pem, key_pem, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET
			cert_pem = excluded.cert_pem,
			key_pem = excluded.key_pem,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		host, certPEM, keyPEM, createdAt.Unix(), expiresAt.Unix(),
	)
	return err
}

// LoadAll returns every persisted certificate, expired or not; the caller
// decides what is still usable.
func (s *CertStore) LoadAll() ([]CertEntry, error) {
	rows, err := s.db.Query(`SELECT host, cert_pem, key_pem, created_at, expires_at FROM leaf_certs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CertEntry
	for rows.Next() {
		var e CertEntry
		var createdAt, expiresAt int64
		if err := rows.Scan(&e.Host, &e.CertPEM, &e.KeyPEM, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		e.ExpiresAt = time.Unix(expiresAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database connection.
func (s *CertStore) Close() error {
	return s.db.Close()
}
