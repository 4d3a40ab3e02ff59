// Package store implements the SQLite-backed contacts/status/result
// repository: the "local embedded SQL store" spec.md §3/§4.H calls for.
// Schema migration and upsert shape are grounded on the teacher's
// internal/trace/store.go (embed.FS migrations, upsert-on-conflict), adapted
// from Postgres $1/ON CONFLICT to SQLite ?/INSERT OR REPLACE the way the
// original pyckup_core/call_e.py's __setup_db does.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// identRE bounds the conversation-title/field-name identifiers that get
// interpolated into dynamic DDL/DML. config.sanitizeTitle already produces
// strings of this shape; this is a second line of defense against a
// hand-edited YAML smuggling SQL through a table name.
var identRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// DbError wraps a SQL failure. Per spec.md §7 it propagates to the
// Orchestrator without retry and leaves status untouched.
type DbError struct {
	Op  string
	Err error
}

func (e *DbError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *DbError) Unwrap() error { return e.Err }

// Status mirrors spec.md's ContactStatus.status enum.
type Status string

const (
	NotReached Status = "NOT_REACHED"
	Aborted    Status = "ABORTED"
	Completed  Status = "COMPLETED"
)

// Contact is a ContactRecord row.
type Contact struct {
	ID          int64
	Name        string
	PhoneNumber string
	Address     string
}

// ContactStatus is a per-conversation-title ContactStatus row.
type ContactStatus struct {
	ContactID   int64
	NumAttempts int
	Status      Status
}

// Store wraps a SQLite database holding the contacts table plus one
// status/result table pair per conversation title.
type Store struct {
	db *sql.DB
}

// Open connects to (creating if absent) the SQLite database at path and
// applies the contacts-table migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, &DbError{Op: "open", Err: err}
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, &DbError{Op: "ping", Err: err}
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, &DbError{Op: "migrate", Err: err}
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// UpsertContact inserts a contact or, on a (name, phone_number) conflict,
// refreshes its address, returning the contact_id either way.
func (s *Store) UpsertContact(name, phoneNumber, address string) (int64, error) {
	_, err := s.db.Exec(
		`INSERT INTO contacts (name, phone_number, address) VALUES (?, ?, ?)
		 ON CONFLICT(name, phone_number) DO UPDATE SET address = excluded.address`,
		name, phoneNumber, address,
	)
	if err != nil {
		return 0, &DbError{Op: "upsert contact", Err: err}
	}
	var id int64
	row := s.db.QueryRow(`SELECT contact_id FROM contacts WHERE name = ? AND phone_number = ?`, name, phoneNumber)
	if err := row.Scan(&id); err != nil {
		return 0, &DbError{Op: "lookup contact id", Err: err}
	}
	return id, nil
}

// GetContact resolves a contact by id.
func (s *Store) GetContact(id int64) (*Contact, error) {
	row := s.db.QueryRow(`SELECT contact_id, name, phone_number, address FROM contacts WHERE contact_id = ?`, id)
	var c Contact
	if err := row.Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.Address); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &DbError{Op: "get contact", Err: err}
	}
	return &c, nil
}

// ListContactIDsAsc returns every contact id in ascending order, the default
// target set for Orchestrator.call_contacts when ids is unspecified.
func (s *Store) ListContactIDsAsc() ([]int64, error) {
	rows, err := s.db.Query(`SELECT contact_id FROM contacts ORDER BY contact_id ASC`)
	if err != nil {
		return nil, &DbError{Op: "list contact ids", Err: err}
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &DbError{Op: "scan contact id", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func statusTable(title string) string { return title + "_status" }

// EnsureStatusTable creates the per-title status table if it does not exist.
func (s *Store) EnsureStatusTable(title string) error {
	if !identRE.MatchString(title) {
		return &DbError{Op: "ensure status table", Err: fmt.Errorf("invalid title %q", title)}
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		status_id INTEGER PRIMARY KEY AUTOINCREMENT,
		contact_id INTEGER NOT NULL UNIQUE,
		num_attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'NOT_REACHED'
	)`, statusTable(title))
	if _, err := s.db.Exec(ddl); err != nil {
		return &DbError{Op: "ensure status table", Err: err}
	}
	return nil
}

// GetStatus returns the status row for contactID under title, or nil if one
// has never been recorded (i.e. the contact has not yet been attempted).
func (s *Store) GetStatus(title string, contactID int64) (*ContactStatus, error) {
	if !identRE.MatchString(title) {
		return nil, &DbError{Op: "get status", Err: fmt.Errorf("invalid title %q", title)}
	}
	q := fmt.Sprintf(`SELECT contact_id, num_attempts, status FROM %s WHERE contact_id = ?`, statusTable(title))
	row := s.db.QueryRow(q, contactID)
	var cs ContactStatus
	var status string
	if err := row.Scan(&cs.ContactID, &cs.NumAttempts, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &DbError{Op: "get status", Err: err}
	}
	cs.Status = Status(status)
	return &cs, nil
}

// EnsureNotReached upserts a (NOT_REACHED, 0) row for contactID if absent,
// matching spec.md §4.H's "upsert a status row if absent" step.
func (s *Store) EnsureNotReached(title string, contactID int64) error {
	if !identRE.MatchString(title) {
		return &DbError{Op: "ensure not reached", Err: fmt.Errorf("invalid title %q", title)}
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (contact_id, num_attempts, status) VALUES (?, 0, ?)`, statusTable(title))
	if _, err := s.db.Exec(q, contactID, string(NotReached)); err != nil {
		return &DbError{Op: "ensure not reached", Err: err}
	}
	return nil
}

// IncrementAttempts bumps num_attempts by one for contactID under title.
func (s *Store) IncrementAttempts(title string, contactID int64) error {
	if !identRE.MatchString(title) {
		return &DbError{Op: "increment attempts", Err: fmt.Errorf("invalid title %q", title)}
	}
	q := fmt.Sprintf(`UPDATE %s SET num_attempts = num_attempts + 1 WHERE contact_id = ?`, statusTable(title))
	if _, err := s.db.Exec(q, contactID); err != nil {
		return &DbError{Op: "increment attempts", Err: err}
	}
	return nil
}

// SetStatus updates the status column for contactID under title.
func (s *Store) SetStatus(title string, contactID int64, status Status) error {
	if !identRE.MatchString(title) {
		return &DbError{Op: "set status", Err: fmt.Errorf("invalid title %q", title)}
	}
	q := fmt.Sprintf(`UPDATE %s SET status = ? WHERE contact_id = ?`, statusTable(title))
	if _, err := s.db.Exec(q, string(status), contactID); err != nil {
		return &DbError{Op: "set status", Err: err}
	}
	return nil
}

func resultTable(title string) string { return title }

// EnsureResultTable creates the per-title result table with one TEXT column
// per information field, if it does not already exist.
func (s *Store) EnsureResultTable(title string, fieldTitles []string) error {
	if !identRE.MatchString(title) {
		return &DbError{Op: "ensure result table", Err: fmt.Errorf("invalid title %q", title)}
	}
	cols := make([]string, 0, len(fieldTitles))
	for _, f := range fieldTitles {
		if !identRE.MatchString(f) {
			return &DbError{Op: "ensure result table", Err: fmt.Errorf("invalid field %q", f)}
		}
		cols = append(cols, fmt.Sprintf("%s TEXT", f))
	}
	colDDL := ""
	if len(cols) > 0 {
		colDDL = ",\n\t\t" + strings.Join(cols, ",\n\t\t")
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		result_id INTEGER PRIMARY KEY AUTOINCREMENT,
		contact_id INTEGER NOT NULL UNIQUE%s
	)`, resultTable(title), colDDL)
	if _, err := s.db.Exec(ddl); err != nil {
		return &DbError{Op: "ensure result table", Err: err}
	}
	return nil
}

// UpsertResult writes one result row for contactID, replacing any prior
// attempt's row (INSERT OR REPLACE keyed by the contact_id UNIQUE
// constraint), the way repeated call attempts refresh extracted fields.
func (s *Store) UpsertResult(title string, contactID int64, fields map[string]*string) error {
	if !identRE.MatchString(title) {
		return &DbError{Op: "upsert result", Err: fmt.Errorf("invalid title %q", title)}
	}
	cols := []string{"contact_id"}
	placeholders := []string{"?"}
	args := []any{contactID}
	for k, v := range fields {
		if !identRE.MatchString(k) {
			return &DbError{Op: "upsert result", Err: fmt.Errorf("invalid field %q", k)}
		}
		cols = append(cols, k)
		placeholders = append(placeholders, "?")
		if v == nil {
			args = append(args, nil)
		} else {
			args = append(args, *v)
		}
	}
	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		resultTable(title), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.Exec(q, args...); err != nil {
		return &DbError{Op: "upsert result", Err: err}
	}
	return nil
}
