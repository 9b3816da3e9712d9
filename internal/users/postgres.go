package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/config"
)

const pgQueryTimeout = 5 * time.Second

const pgSchema = `
CREATE TABLE IF NOT EXISTS screener_users (
	user_id    TEXT PRIMARY KEY,
	token      TEXT UNIQUE NOT NULL,
	tg_chat_id TEXT NOT NULL DEFAULT '',
	filters    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps users in a single table with filter overrides
// as JSONB. Reads degrade to defaults on failure so a flaky database
// never blocks signal delivery; writes return their error.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open users db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping users db: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure users schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) ResolveToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgQueryTimeout)
	defer cancel()

	var uid string
	err := s.db.QueryRowxContext(ctx,
		`SELECT user_id FROM screener_users WHERE token = $1`, token).Scan(&uid)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Error().Err(err).Msg("users: token lookup failed")
		}
		return "", false
	}
	return uid, true
}

func (s *PostgresStore) UserConfig(userID string) map[string]float64 {
	ctx, cancel := context.WithTimeout(context.Background(), pgQueryTimeout)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT filters FROM screener_users WHERE user_id = $1`, userID).Scan(&raw)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Error().Err(err).Str("user_id", userID).Msg("users: config read failed")
		}
		return config.MergeFilters(nil)
	}
	return config.MergeFilters(decodeFilters(raw))
}

func (s *PostgresStore) PatchConfig(userID string, patch map[string]any) (map[string]float64, error) {
	safe := config.ValidateFilterPatch(patch)

	ctx, cancel := context.WithTimeout(context.Background(), pgQueryTimeout)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT filters FROM screener_users WHERE user_id = $1`, userID).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read filters: %w", err)
	}

	filters := decodeFilters(raw)
	for k, v := range safe {
		filters[k] = v
	}
	enc, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO screener_users (user_id, token, filters)
		VALUES ($1, '', $2)
		ON CONFLICT (user_id)
		DO UPDATE SET filters = $2, updated_at = now()`, userID, enc); err != nil {
		return nil, fmt.Errorf("write filters: %w", err)
	}
	return config.MergeFilters(filters), nil
}

func (s *PostgresStore) AllUsers() map[string]Profile {
	ctx, cancel := context.WithTimeout(context.Background(), pgQueryTimeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT user_id, token, tg_chat_id, filters FROM screener_users`)
	if err != nil {
		log.Error().Err(err).Msg("users: list failed")
		return map[string]Profile{}
	}
	defer rows.Close()

	out := map[string]Profile{}
	for rows.Next() {
		var uid, token, chatID string
		var raw []byte
		if err := rows.Scan(&uid, &token, &chatID, &raw); err != nil {
			log.Error().Err(err).Msg("users: row scan failed")
			continue
		}
		out[uid] = Profile{
			UserID:  uid,
			Token:   token,
			ChatID:  chatID,
			Filters: config.MergeFilters(decodeFilters(raw)),
		}
	}
	return out
}

func (s *PostgresStore) CreateUser(userID, chatID, token string, overwrite bool) (Profile, error) {
	if userID == "" {
		return Profile{}, fmt.Errorf("user_id is empty")
	}
	if token == "" {
		var err error
		token, err = generateToken()
		if err != nil {
			return Profile{}, err
		}
	}

	filters := config.MergeFilters(nil)
	enc, err := json.Marshal(filters)
	if err != nil {
		return Profile{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pgQueryTimeout)
	defer cancel()

	query := `
		INSERT INTO screener_users (user_id, token, tg_chat_id, filters)
		VALUES ($1, $2, $3, $4)`
	if overwrite {
		query += `
		ON CONFLICT (user_id)
		DO UPDATE SET token = $2, tg_chat_id = $3, filters = $4, updated_at = now()`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, token, chatID, enc); err != nil {
		return Profile{}, fmt.Errorf("create user: %w", err)
	}
	return Profile{UserID: userID, Token: token, ChatID: chatID, Filters: filters}, nil
}

func (s *PostgresStore) RemoveUser(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pgQueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM screener_users WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user not found: %s", userID)
	}
	return nil
}

func decodeFilters(raw []byte) map[string]float64 {
	filters := map[string]float64{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &filters); err != nil {
			log.Error().Err(err).Msg("users: corrupt filters json")
		}
	}
	return filters
}
