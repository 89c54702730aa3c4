// Package store keeps CRM records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"crm-copilot/internal/domain"
)

// SQLiteStore implements domain.RecordStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.RecordStore = (*SQLiteStore)(nil)

// Open opens (or creates) the database at dbPath and migrates the schema.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate record db: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			stage      TEXT NOT NULL DEFAULT '',
			amount     REAL NOT NULL DEFAULT 0,
			account_id TEXT NOT NULL DEFAULT '',
			fields     TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_type ON records(type);

		CREATE TABLE IF NOT EXISTS sent_emails (
			message_id TEXT PRIMARY KEY,
			recipients TEXT NOT NULL,
			subject    TEXT NOT NULL,
			body       TEXT NOT NULL,
			sent_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meetings (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			start_at   TEXT NOT NULL,
			end_at     TEXT NOT NULL,
			attendees  TEXT NOT NULL,
			invited    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = "id, type, name, email, stage, amount, account_id, fields, created_at, updated_at"

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("RecordStore.Get", domain.ErrNotFound, id)
	}
	return r, err
}

// Create inserts r. An empty ID is assigned a ULID.
func (s *SQLiteStore) Create(ctx context.Context, r *domain.Record) error {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	fields, err := marshalFields(r.Fields)
	if err != nil {
		return err
	}
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.Type, r.Name, r.Email, r.Stage, r.Amount, r.AccountID, fields,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch domain.RecordPatch) (*domain.Record, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	r, err := scanRecord(tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.NewDomainError("RecordStore.Update", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, err
	}

	changed := applyPatch(r, patch)
	if len(changed) == 0 {
		return r, nil, tx.Commit()
	}

	fields, err := marshalFields(r.Fields)
	if err != nil {
		return nil, nil, err
	}
	r.UpdatedAt = s.now()
	_, err = tx.ExecContext(ctx,
		"UPDATE records SET name = ?, email = ?, stage = ?, amount = ?, account_id = ?, fields = ?, updated_at = ? WHERE id = ?",
		r.Name, r.Email, r.Stage, r.Amount, r.AccountID, fields, r.UpdatedAt.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return r, changed, nil
}

// applyPatch updates r in place and returns the sorted names of changed fields.
func applyPatch(r *domain.Record, p domain.RecordPatch) []string {
	var changed []string
	set := func(name string, dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}
	set("name", &r.Name, p.Name)
	set("email", &r.Email, p.Email)
	set("stage", &r.Stage, p.Stage)
	set("account_id", &r.AccountID, p.AccountID)
	if p.Amount != nil && r.Amount != *p.Amount {
		r.Amount = *p.Amount
		changed = append(changed, "amount")
	}
	for k, v := range p.Fields {
		if r.Fields == nil {
			r.Fields = make(map[string]string)
		}
		if old, ok := r.Fields[k]; !ok || old != v {
			r.Fields[k] = v
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (*domain.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r, err := scanRecord(tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("RecordStore.Delete", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("delete record: %w", err)
	}
	return r, tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, q domain.RecordQuery) ([]domain.Record, int, error) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, q.Stage)
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		where = append(where, "(name LIKE ? ESCAPE '\\' OR email LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
		args = append(args, pattern, pattern)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM records" + clause + " ORDER BY name, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	records := []domain.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *r)
	}
	return records, total, rows.Err()
}

func (s *SQLiteStore) SaveEmail(ctx context.Context, e domain.SentEmail) error {
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sent_emails (message_id, recipients, subject, body, sent_at) VALUES (?, ?, ?, ?, ?)",
		e.MessageID, string(recipients), e.Subject, e.Body, e.SentAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) SaveMeeting(ctx context.Context, m domain.Meeting) error {
	attendees, err := json.Marshal(m.Attendees)
	if err != nil {
		return err
	}
	invited, err := json.Marshal(m.Invited)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO meetings (id, title, start_at, end_at, attendees, invited, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.Title, m.Start.UTC().Format(time.RFC3339), m.End.UTC().Format(time.RFC3339),
		string(attendees), string(invited), m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Emails returns every stored outbound message, oldest first.
func (s *SQLiteStore) Emails(ctx context.Context) ([]domain.SentEmail, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT message_id, recipients, subject, body, sent_at FROM sent_emails ORDER BY sent_at, message_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SentEmail
	for rows.Next() {
		var e domain.SentEmail
		var recipients, sentAt string
		if err := rows.Scan(&e.MessageID, &recipients, &e.Subject, &e.Body, &sentAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &e.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
		e.SentAt, _ = time.Parse(time.RFC3339Nano, sentAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Meetings returns every stored meeting ordered by start time.
func (s *SQLiteStore) Meetings(ctx context.Context) ([]domain.Meeting, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, title, start_at, end_at, attendees, invited, created_at FROM meetings ORDER BY start_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Meeting
	for rows.Next() {
		var m domain.Meeting
		var start, end, attendees, invited, created string
		if err := rows.Scan(&m.ID, &m.Title, &start, &end, &attendees, &invited, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attendees), &m.Attendees); err != nil {
			return nil, fmt.Errorf("unmarshal attendees: %w", err)
		}
		if err := json.Unmarshal([]byte(invited), &m.Invited); err != nil {
			return nil, fmt.Errorf("unmarshal invited: %w", err)
		}
		m.Start, _ = time.Parse(time.RFC3339, start)
		m.End, _ = time.Parse(time.RFC3339, end)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var r domain.Record
	var fields, created, updated string
	if err := row.Scan(&r.ID, &r.Type, &r.Name, &r.Email, &r.Stage, &r.Amount, &r.AccountID, &fields, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal record fields: %w", err)
	}
	if len(r.Fields) == 0 {
		r.Fields = nil
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &r, nil
}

func marshalFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal record fields: %w", err)
	}
	return string(raw), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
