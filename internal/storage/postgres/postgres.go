// Package postgres is the Postgres-backed action log, used when store.dsn
// is a postgres:// URL. It shares the SQLite store's semantics.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// Open connects, pings, and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interject_actions (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			channel_id  TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			trigger_id  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS interject_actions_kind_time ON interject_actions (kind, created_at)`,
		`CREATE INDEX IF NOT EXISTS interject_actions_trigger ON interject_actions (trigger_id) WHERE trigger_id <> ''`,
		`CREATE TABLE IF NOT EXISTS interject_messages (
			message_id    TEXT PRIMARY KEY,
			channel_id    TEXT NOT NULL,
			author_id     TEXT NOT NULL DEFAULT '',
			author_name   TEXT NOT NULL DEFAULT '',
			is_bot        BOOLEAN NOT NULL DEFAULT false,
			content       TEXT NOT NULL DEFAULT '',
			referenced_id TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS interject_messages_channel_time ON interject_messages (channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS interject_settings (
			id          SMALLINT PRIMARY KEY CHECK (id = 1),
			settings    JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) LogAction(ctx context.Context, a core.Action) error {
	a = storage.PrepareAction(a)
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interject_actions (id, kind, channel_id, user_id, content, metadata, trigger_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, string(a.Kind), a.ChannelID, a.UserID, a.Content, meta, storage.TriggerID(a), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *Store) CountActionsSince(ctx context.Context, kind core.ActionKind, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM interject_actions WHERE kind = $1 AND created_at >= $2`,
		string(kind), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

func (s *Store) LastActionTime(ctx context.Context, kind core.ActionKind) (time.Time, bool, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM interject_actions WHERE kind = $1`, string(kind),
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last action: %w", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return at.UTC(), true, nil
}

func (s *Store) RecentActions(ctx context.Context, kind core.ActionKind, limit int) ([]core.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, channel_id, user_id, content, metadata, created_at
		 FROM interject_actions
		 WHERE $1 = '' OR kind = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []core.Action
	for rows.Next() {
		var (
			a       core.Action
			kindStr string
		)
		if err := rows.Scan(&a.ID, &kindStr, &a.ChannelID, &a.UserID, &a.Content, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Kind = core.ActionKind(kindStr)
		a.CreatedAt = a.CreatedAt.UTC()
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
	kinds := make([]string, len(storage.ReplyKinds))
	for i, k := range storage.ReplyKinds {
		kinds[i] = string(k)
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM interject_actions WHERE trigger_id = $1 AND kind = ANY($2))`,
		eventID, kinds,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query triggered response: %w", err)
	}
	return exists, nil
}

func (s *Store) RecordMessage(ctx context.Context, msg core.ChannelMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("message id required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interject_messages (message_id, channel_id, author_id, author_name, is_bot, content, referenced_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (message_id) DO UPDATE SET content = EXCLUDED.content, author_name = EXCLUDED.author_name`,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.AuthorName, msg.IsBot, msg.Content, msg.ReferencedID, msg.CreatedAt,
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
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, channel_id, author_id, author_name, is_bot, content, referenced_id, created_at
		 FROM (
		   SELECT * FROM interject_messages WHERE channel_id = $1
		   ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []core.ChannelMessage
	for rows.Next() {
		var m core.ChannelMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.AuthorName, &m.IsBot, &m.Content, &m.ReferencedID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) LastBotMessageAt(ctx context.Context, channelID string) (time.Time, bool, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM interject_messages WHERE channel_id = $1 AND is_bot`, channelID,
	).Scan(&at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last bot message: %w", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return at.UTC(), true, nil
}

func (s *Store) Settings(ctx context.Context) (settings.Settings, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT settings FROM interject_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings.Defaults().Normalize(), nil
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out := settings.Defaults()
	if err := json.Unmarshal(raw, &out); err != nil {
		return settings.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out.Normalize(), nil
}

func (s *Store) SaveSettings(ctx context.Context, st settings.Settings) error {
	data, err := json.Marshal(st.Normalize())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO interject_settings (id, settings, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`,
		json.RawMessage(data),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Store) PruneActions(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM interject_actions WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
