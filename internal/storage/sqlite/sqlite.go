package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

type Store struct {
	db dbHandle
}

// New opens (creating if needed) the database file at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return open(db, logger)
}

// NewInMemory opens a private in-memory database. A single connection is
// kept so every query sees the same database.
func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(db, nil)
}

func open(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: &queryLogger{inner: db, logger: logger.With("component", "sqlite")}}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LogAction(ctx context.Context, a core.Action) error {
	a = storage.PrepareAction(a)
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal action metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, kind, channel_id, user_id, content, metadata_json, trigger_id, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), a.ChannelID, a.UserID, a.Content, string(metaJSON), storage.TriggerID(a), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *Store) CountActionsSince(ctx context.Context, kind core.ActionKind, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE kind = ? AND created_at_ms >= ?`,
		string(kind), since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

func (s *Store) LastActionTime(ctx context.Context, kind core.ActionKind) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at_ms) FROM actions WHERE kind = ?`, string(kind),
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last action: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (s *Store) RecentActions(ctx context.Context, kind core.ActionKind, limit int) ([]core.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, kind, channel_id, user_id, content, metadata_json, created_at_ms FROM actions`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []core.Action
	for rows.Next() {
		var (
			a              core.Action
			kindStr, metaJ string
			ms             int64
		)
		if err := rows.Scan(&a.ID, &kindStr, &a.ChannelID, &a.UserID, &a.Content, &metaJ, &ms); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Kind = core.ActionKind(kindStr)
		a.CreatedAt = time.UnixMilli(ms).UTC()
		_ = json.Unmarshal([]byte(metaJ), &a.Metadata)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) HasTriggeredResponse(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE trigger_id = ? AND kind IN (?, ?)`,
		eventID, string(storage.ReplyKinds[0]), string(storage.ReplyKinds[1]),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query triggered response: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RecordMessage(ctx context.Context, msg core.ChannelMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("message id required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_messages (message_id, channel_id, author_id, author_name, is_bot, content, referenced_id, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET content=excluded.content, author_name=excluded.author_name`,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.AuthorName, boolToInt(msg.IsBot), msg.Content, msg.ReferencedID, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (s *Store) RecentMessages(ctx context.Context, channelID string, limit int) ([]core.ChannelMessage, error) {
	if limit <= 0 {
		limit = settings.DefaultContextWindow
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel_id, author_id, author_name, is_bot, content, referenced_id, created_at_ms
		 FROM (
		   SELECT * FROM channel_messages WHERE channel_id = ?
		   ORDER BY created_at_ms DESC, rowid DESC LIMIT ?
		 ) ORDER BY created_at_ms ASC`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []core.ChannelMessage
	for rows.Next() {
		var (
			m     core.ChannelMessage
			isBot int
			ms    int64
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.AuthorName, &isBot, &m.Content, &m.ReferencedID, &ms); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsBot = isBot == 1
		m.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) LastBotMessageAt(ctx context.Context, channelID string) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at_ms) FROM channel_messages WHERE channel_id = ? AND is_bot = 1`, channelID,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last bot message: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

// Settings returns the persisted settings, or the defaults when none
// were saved yet.
func (s *Store) Settings(ctx context.Context) (settings.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings_json FROM bot_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Defaults().Normalize(), nil
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out := settings.Defaults()
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return settings.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out.Normalize(), nil
}

func (s *Store) SaveSettings(ctx context.Context, st settings.Settings) error {
	data, err := json.Marshal(st.Normalize())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bot_settings (id, settings_json, updated_at_ms) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET settings_json=excluded.settings_json, updated_at_ms=excluded.updated_at_ms`,
		string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Store) PruneActions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE created_at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
