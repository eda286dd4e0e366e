package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite"

	logx "dutybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cap int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, cap: cfg.deliveryCap(), pruneEvery: 16}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

const messageColumns = `id, due_at, body, chat_id, thread_id, metadata, status,
	attempts, max_attempts, created_at, last_attempt_at, sent_at, updated_at, last_error`

func (s *sqliteStore) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM outbox`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			// A single corrupt row should not poison the whole listing.
			s.log.Warn("skipping unreadable outbox row", logx.Err(err))
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM outbox WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) AddMessage(ctx context.Context, m Message) error {
	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	chatID, threadID := targetColumns(m.Target)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox(`+messageColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.DueAt, m.Body, chatID, threadID, meta, string(m.Status),
		m.Attempts, m.MaxAttempts, m.CreatedAt, m.LastAttemptAt, m.SentAt, m.UpdatedAt, nullStr(m.LastError),
	)
	return err
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, m Message) (bool, error) {
	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return false, err
	}
	chatID, threadID := targetColumns(m.Target)
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET due_at=?, body=?, chat_id=?, thread_id=?, metadata=?, status=?,
		 attempts=?, max_attempts=?, created_at=?, last_attempt_at=?, sent_at=?, updated_at=?, last_error=?
		 WHERE id=?`,
		m.DueAt, m.Body, chatID, threadID, meta, string(m.Status),
		m.Attempts, m.MaxAttempts, m.CreatedAt, m.LastAttemptAt, m.SentAt, m.UpdatedAt, nullStr(m.LastError),
		m.ID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RemoveMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ReplaceMessages(ctx context.Context, msgs []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return err
	}
	for _, m := range msgs {
		meta, err := marshalMetadata(m.Metadata)
		if err != nil {
			return err
		}
		chatID, threadID := targetColumns(m.Target)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox(`+messageColumns+`)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.ID, m.DueAt, m.Body, chatID, threadID, meta, string(m.Status),
			m.Attempts, m.MaxAttempts, m.CreatedAt, m.LastAttemptAt, m.SentAt, m.UpdatedAt, nullStr(m.LastError),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(at, message_id, chat_id, thread_id, outcome, error_kind, detail, provider_message_id)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At, e.MessageID, e.Target.ChatID, e.Target.ThreadID, e.Outcome,
		nullStr(e.ErrorKind), nullStr(e.Detail), e.ProviderMessageID,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		if _, perr := s.db.ExecContext(ctx,
			`DELETE FROM delivery_log WHERE seq NOT IN
			 (SELECT seq FROM delivery_log ORDER BY seq DESC LIMIT ?)`, s.cap,
		); perr != nil {
			s.log.Debug("delivery log prune failed", logx.Err(perr))
		}
	}
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryEntry, error) {
	if n <= 0 || n > s.cap {
		n = s.cap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, message_id, chat_id, thread_id, outcome, error_kind, detail, provider_message_id
		 FROM delivery_log ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryEntry
	for rows.Next() {
		var e DeliveryEntry
		var kind, detail sql.NullString
		if err := rows.Scan(&e.At, &e.MessageID, &e.Target.ChatID, &e.Target.ThreadID,
			&e.Outcome, &kind, &detail, &e.ProviderMessageID); err != nil {
			return nil, err
		}
		e.ErrorKind = kind.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m       Message
		chatID  sql.NullInt64
		thread  sql.NullInt64
		meta    sql.NullString
		status  string
		lastErr sql.NullString
	)
	err := r.Scan(&m.ID, &m.DueAt, &m.Body, &chatID, &thread, &meta, &status,
		&m.Attempts, &m.MaxAttempts, &m.CreatedAt, &m.LastAttemptAt, &m.SentAt, &m.UpdatedAt, &lastErr)
	if err != nil {
		return Message{}, err
	}
	m.Status = Status(status)
	m.LastError = lastErr.String
	if chatID.Valid {
		m.Target = &Target{ChatID: chatID.Int64, ThreadID: int(thread.Int64)}
	}
	if meta.Valid && meta.String != "" {
		var md map[string]string
		if err := json.Unmarshal([]byte(meta.String), &md); err == nil {
			m.Metadata = md
		}
	}
	return m, nil
}

func marshalMetadata(md map[string]string) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func targetColumns(t *Target) (chatID, threadID any) {
	if t == nil {
		return nil, nil
	}
	return t.ChatID, t.ThreadID
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
