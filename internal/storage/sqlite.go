package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "boardbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, r *Reminder) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(subject_id, target, chat_id, body, fire_at, sent_at, tries, reply_to, created_at)
		 VALUES(?,?,?,?,?,NULL,0,?,?)`,
		r.SubjectID, string(r.Target), r.ChatID, r.Body,
		r.FireAt.UnixMilli(), r.ReplyTo, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

const reminderCols = `id, subject_id, target, chat_id, body, fire_at, sent_at, tries, reply_to, created_at`

func (s *sqliteStore) GetByID(ctx context.Context, id int64) (Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListFuture(ctx context.Context, now time.Time) ([]Reminder, error) {
	return s.list(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE sent_at IS NULL AND fire_at > ? ORDER BY fire_at ASC`,
		now.UnixMilli())
}

func (s *sqliteStore) ListOverdue(ctx context.Context, now time.Time) ([]Reminder, error) {
	return s.list(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE sent_at IS NULL AND fire_at <= ? ORDER BY fire_at ASC`,
		now.UnixMilli())
}

func (s *sqliteStore) ListBySubject(ctx context.Context, subjectID string) ([]Reminder, error) {
	return s.list(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE sent_at IS NULL AND subject_id = ? ORDER BY fire_at ASC`,
		subjectID)
}

func (s *sqliteStore) list(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FinalizeSent stamps sent_at and removes the row in one transaction.
// The UPDATE is guarded on sent_at IS NULL so a racing finalization loses
// cleanly instead of double-marking.
func (s *sqliteStore) FinalizeSent(ctx context.Context, id int64, sentAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE reminders SET sent_at = ? WHERE id = ? AND sent_at IS NULL`,
		sentAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyHandled
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) IncrementTries(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET tries = tries + 1 WHERE id = ? AND sent_at IS NULL`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var (
		r         Reminder
		target    string
		fireAt    int64
		sentAt    sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&r.ID, &r.SubjectID, &target, &r.ChatID, &r.Body,
		&fireAt, &sentAt, &r.Tries, &r.ReplyTo, &createdAt)
	if err != nil {
		return Reminder{}, err
	}
	r.Target = Target(target)
	r.FireAt = time.UnixMilli(fireAt)
	r.CreatedAt = time.UnixMilli(createdAt)
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		r.SentAt = &t
	}
	return r, nil
}
