package sqlite

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat997709/nexus/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, id ledger.ProfileID, balance string) {
	t.Helper()
	p := ledger.NewProfile(id)
	p.DisplayName = "Player"
	p.Balance = decimal.RequireFromString(balance)
	require.NoError(t, s.Initialize(context.Background(), p))
}

func TestStore_FetchUnknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Fetch(context.Background(), "nobody@nexus.play")
	assert.ErrorIs(t, err, ledger.ErrProfileNotFound)
}

func TestStore_InitializeIsCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "a@nexus.play", "15")

	// a second Initialize must not reset the stored balance
	require.NoError(t, s.Initialize(ctx, ledger.NewProfile("a@nexus.play")))

	p, err := s.Fetch(ctx, "a@nexus.play")
	require.NoError(t, err)
	assert.Equal(t, "15.00", p.Balance.StringFixed(2))
	assert.Equal(t, "Player", p.DisplayName)
	assert.NotNil(t, p.Entries)
	assert.Equal(t, 0, p.Library.Len())
}

func TestStore_UpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "a@nexus.play", "50")

	at := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	balance := decimal.RequireFromString("20.00")
	stats := ledger.Stats{TitlesOwned: 1, HoursPlayed: 3}
	patch := ledger.ProfilePatch{
		OwnedTitles: []ledger.TitleID{"A"},
		Entries: []ledger.Transaction{{
			ID: "tx-1", Kind: ledger.KindPurchase, Amount: decimal.RequireFromString("30"),
			OccurredAt: at, Memo: "Title A", IdempotencyKey: "buy-A",
		}},
		Balance: &balance,
		Stats:   &stats,
	}
	require.NoError(t, s.Update(ctx, "a@nexus.play", patch))

	p, err := s.Fetch(ctx, "a@nexus.play")
	require.NoError(t, err)
	assert.Equal(t, "20.00", p.Balance.StringFixed(2))
	assert.True(t, p.Library.Has("A"))
	assert.Equal(t, stats, p.Stats)
	require.Len(t, p.Entries, 1)
	tx := p.Entries[0]
	assert.Equal(t, ledger.TransactionID("tx-1"), tx.ID)
	assert.Equal(t, ledger.KindPurchase, tx.Kind)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(30)))
	assert.True(t, tx.OccurredAt.Equal(at))
	assert.Equal(t, "buy-A", tx.IdempotencyKey)
	assert.Equal(t, "Player", p.DisplayName, "fields outside the patch are untouched")
}

func TestStore_UpdateDetailsOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "a@nexus.play", "5")

	name, dob := "Nova", "1999-01-02"
	require.NoError(t, s.Update(ctx, "a@nexus.play", ledger.ProfilePatch{DisplayName: &name, DateOfBirth: &dob}))

	p, err := s.Fetch(ctx, "a@nexus.play")
	require.NoError(t, err)
	assert.Equal(t, "Nova", p.DisplayName)
	assert.Equal(t, "1999-01-02", p.DateOfBirth)
	assert.Equal(t, "5.00", p.Balance.StringFixed(2))
}

func TestStore_UpdateUnknownProfile(t *testing.T) {
	s := newTestStore(t)
	b := decimal.NewFromInt(1)

	err := s.Update(context.Background(), "ghost@nexus.play", ledger.ProfilePatch{Balance: &b})
	assert.ErrorIs(t, err, ledger.ErrProfileNotFound)
}

func TestStore_Credentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveCredential(ctx, "a@nexus.play", []byte("hash")))
	assert.ErrorIs(t, s.SaveCredential(ctx, "a@nexus.play", []byte("other")), ledger.ErrAccountExists)

	h, err := s.PasswordHash(ctx, "a@nexus.play")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), h)

	_, err = s.PasswordHash(ctx, "b@nexus.play")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// SQLMOCK - statement shape and driver failures
// =============================================================================

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS profiles").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewWithDB(db)
	require.NoError(t, err)
	return s, mock
}

func TestStore_UpdateWritesOnlyPatchedColumns(t *testing.T) {
	s, mock := newMockStore(t)
	b := decimal.RequireFromString("12.50")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE profiles SET balance = ?, updated_at = ? WHERE identity = ?")).
		WithArgs("12.5", sqlmock.AnyArg(), "a@nexus.play").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Update(context.Background(), "a@nexus.play", ledger.ProfilePatch{Balance: &b}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateNoRowsRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	name := "Nova"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE profiles SET display_name = ?, updated_at = ? WHERE identity = ?")).
		WithArgs("Nova", sqlmock.AnyArg(), "ghost@nexus.play").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Update(context.Background(), "ghost@nexus.play", ledger.ProfilePatch{DisplayName: &name})
	assert.ErrorIs(t, err, ledger.ErrProfileNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateDriverError(t *testing.T) {
	s, mock := newMockStore(t)
	b := decimal.NewFromInt(3)
	boom := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE profiles").WillReturnError(boom)
	mock.ExpectRollback()

	err := s.Update(context.Background(), "a@nexus.play", ledger.ProfilePatch{Balance: &b})
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ledger.ErrProfileNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EmptyPatchIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	require.NoError(t, s.Update(context.Background(), "a@nexus.play", ledger.ProfilePatch{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
