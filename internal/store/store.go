// Package store provides SQLite-based persistence for attestation records.
// The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the store falls back to in-memory records.
package store

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/veilchat/veilchat/internal/logger"
)

// Record is the signing material of one verified exchange, kept for the
// attestation display. Chat content itself is not persisted beyond the
// preview needed to identify the exchange.
type Record struct {
	ID            int64     `json:"id"`
	MessageID     string    `json:"message_id"`
	SessionID     string    `json:"session_id"`
	Preview       string    `json:"preview"`
	Quote         string    `json:"quote"`
	Signature     string    `json:"signature"`
	PublicKey     string    `json:"public_key"`
	SigningMethod string    `json:"signing_method"`
	Verified      bool      `json:"verified"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists attestation records. Constructed explicitly so tests can
// point it at a throwaway path.
type Store struct {
	path string

	mu      sync.Mutex
	records []Record // in-memory fallback

	once    sync.Once
	db      *sql.DB
	initErr error
}

// New returns a store backed by the SQLite file at path. The file is not
// touched until the first Save or List.
func New(path string) *Store {
	return &Store{path: path}
}

// initDB lazily opens the SQLite database and creates the records table if it doesn't exist.
func (s *Store) initDB() {
	var err error
	s.db, err = sql.Open("sqlite", "file:"+s.path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory attestation records", "error", err)
		return
	}
	if _, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS attestations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        message_id TEXT,
        session_id TEXT,
        preview TEXT,
        quote TEXT,
        signature TEXT,
        public_key TEXT,
        signing_method TEXT,
        verified INTEGER,
        detail TEXT,
        created_at DATETIME
    );`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory attestation records", "error", err)
		return
	}
	logger.L.Info("attestation store initialized", "path", s.path)
}

// Save persists a record to the SQLite database when available and always
// keeps an in-memory copy as fallback.
func (s *Store) Save(r Record) {
	s.once.Do(s.initDB)

	if s.initErr == nil && s.db != nil {
		_, err := s.db.Exec(`INSERT INTO attestations
            (message_id, session_id, preview, quote, signature, public_key, signing_method, verified, detail, created_at)
            VALUES (?,?,?,?,?,?,?,?,?,?);`,
			r.MessageID, r.SessionID, r.Preview, r.Quote, r.Signature, r.PublicKey, r.SigningMethod, r.Verified, r.Detail, r.CreatedAt)
		if err != nil {
			logger.L.Error("failed to store attestation record in sqlite; falling back to memory", "error", err)
		}
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

// List returns all records of a session in chronological order.
func (s *Store) List(sessionID string) []Record {
	s.once.Do(s.initDB)
	var out []Record
	if s.initErr == nil && s.db != nil {
		rows, err := s.db.Query(`SELECT id, message_id, session_id, preview, quote, signature, public_key, signing_method, verified, detail, created_at
            FROM attestations WHERE session_id = ? ORDER BY id ASC;`, sessionID)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var r Record
				if err := rows.Scan(&r.ID, &r.MessageID, &r.SessionID, &r.Preview, &r.Quote, &r.Signature, &r.PublicKey, &r.SigningMethod, &r.Verified, &r.Detail, &r.CreatedAt); err == nil {
					out = append(out, r)
				}
			}
			return out
		}
	}
	s.mu.Lock()
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	return out
}

// Close releases the underlying database, if one was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
