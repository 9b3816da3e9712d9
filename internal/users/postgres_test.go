package users

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nike5170/Screener/internal/config"
)

// NewPostgresStore pings and migrates on startup, so tests wrap a
// sqlmock connection directly.
func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &PostgresStore{db: sqlx.NewDb(mockDB, "postgres")}, mock
}

func TestPostgresStore_ResolveToken(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM screener_users WHERE token = $1`)).
		WithArgs("tok-alice").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("alice"))

	uid, ok := s.ResolveToken("tok-alice")
	assert.True(t, ok)
	assert.Equal(t, "alice", uid)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM screener_users WHERE token = $1`)).
		WithArgs("wrong").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, ok = s.ResolveToken("wrong")
	assert.False(t, ok)

	// Empty tokens never reach the database.
	_, ok = s.ResolveToken("")
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UserConfig(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT filters FROM screener_users WHERE user_id = $1`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"filters"}).
			AddRow([]byte(`{"volume_threshold":100000000}`)))

	want := config.DefaultFilters()
	want["volume_threshold"] = 100_000_000
	assert.Equal(t, want, s.UserConfig("alice"))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT filters FROM screener_users WHERE user_id = $1`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"filters"}))

	assert.Equal(t, config.DefaultFilters(), s.UserConfig("ghost"))

	// Reads degrade to defaults when the database is down.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT filters FROM screener_users WHERE user_id = $1`)).
		WithArgs("alice").
		WillReturnError(errors.New("connection refused"))

	assert.Equal(t, config.DefaultFilters(), s.UserConfig("alice"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PatchConfig(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT filters FROM screener_users WHERE user_id = $1`)).
		WithArgs("carol").
		WillReturnRows(sqlmock.NewRows([]string{"filters"}).
			AddRow([]byte(`{"impulse_trades":500}`)))
	mock.ExpectExec(regexp.QuoteMeta(`DO UPDATE SET filters = $2, updated_at = now()`)).
		WithArgs("carol", []byte(`{"impulse_trades":500,"volume_threshold":50000000}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	merged, err := s.PatchConfig("carol", map[string]any{
		"volume_threshold": float64(50_000_000),
		"bogus_key":        float64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(50_000_000), merged["volume_threshold"])
	assert.Equal(t, float64(500), merged["impulse_trades"])
	assert.Equal(t, config.DefaultFilters()["min_trades_24h"], merged["min_trades_24h"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PatchConfigNewUser(t *testing.T) {
	s, mock := newMockPostgres(t)

	// No stored row yet: the patch starts from an empty override set.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT filters FROM screener_users WHERE user_id = $1`)).
		WithArgs("frank").
		WillReturnRows(sqlmock.NewRows([]string{"filters"}))
	mock.ExpectExec(regexp.QuoteMeta(`DO UPDATE SET filters = $2, updated_at = now()`)).
		WithArgs("frank", []byte(`{"min_trades_24h":50000}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	merged, err := s.PatchConfig("frank", map[string]any{"min_trades_24h": float64(50_000)})
	require.NoError(t, err)
	assert.Equal(t, float64(50_000), merged["min_trades_24h"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PatchConfigReadError(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT filters FROM screener_users WHERE user_id = $1`)).
		WithArgs("carol").
		WillReturnError(errors.New("connection refused"))

	_, err := s.PatchConfig("carol", map[string]any{"impulse_trades": float64(500)})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read filters")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateUser(t *testing.T) {
	s, mock := newMockPostgres(t)

	// Anchored: the non-overwrite insert carries no conflict clause.
	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4)`)+`$`).
		WithArgs("alice", sqlmock.AnyArg(), "123456", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	p, err := s.CreateUser("alice", "123456", "", false)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "123456", p.ChatID)
	assert.NotEmpty(t, p.Token)
	assert.Equal(t, config.DefaultFilters(), p.Filters)

	mock.ExpectExec(regexp.QuoteMeta(`DO UPDATE SET token = $2, tg_chat_id = $3, filters = $4, updated_at = now()`)).
		WithArgs("alice", "fixed-token", "789", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	p2, err := s.CreateUser("alice", "789", "fixed-token", true)
	require.NoError(t, err)
	assert.Equal(t, "fixed-token", p2.Token)
	assert.Equal(t, "789", p2.ChatID)

	_, err = s.CreateUser("", "", "", false)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllUsers(t *testing.T) {
	s, mock := newMockPostgres(t)

	rows := sqlmock.NewRows([]string{"user_id", "token", "tg_chat_id", "filters"}).
		AddRow("alice", "tok-a", "123456", []byte(`{"volume_threshold":100000000}`)).
		AddRow("bob", "tok-b", "", []byte(`{}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id, token, tg_chat_id, filters FROM screener_users`)).
		WillReturnRows(rows)

	all := s.AllUsers()
	require.Len(t, all, 2)
	assert.Equal(t, "tok-a", all["alice"].Token)
	assert.Equal(t, "123456", all["alice"].ChatID)
	assert.Equal(t, float64(100_000_000), all["alice"].Filters["volume_threshold"])
	assert.Equal(t, config.DefaultFilters(), all["bob"].Filters)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id, token, tg_chat_id, filters FROM screener_users`)).
		WillReturnError(errors.New("connection refused"))

	assert.Empty(t, s.AllUsers())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveUser(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM screener_users WHERE user_id = $1`)).
		WithArgs("dave").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RemoveUser("dave"))

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM screener_users WHERE user_id = $1`)).
		WithArgs("dave").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.RemoveUser("dave")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "user not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}
