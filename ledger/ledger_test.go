package ledger_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat997709/nexus/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type submitted struct {
	id    ledger.ProfileID
	patch ledger.ProfilePatch
}

// recorder is a WriteThrough that keeps every patch.
type recorder struct {
	mu      sync.Mutex
	patches []submitted
}

func (r *recorder) Submit(id ledger.ProfileID, patch ledger.ProfilePatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, submitted{id: id, patch: patch})
}

func (r *recorder) all() []submitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submitted(nil), r.patches...)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func title(id, price string) ledger.Title {
	return ledger.Title{ID: ledger.TitleID(id), Name: "Title " + id, Price: d(price)}
}

func freeTitle(id string) ledger.Title {
	return ledger.Title{ID: ledger.TitleID(id), Name: "Free " + id, Price: decimal.Zero, IsFree: true}
}

func newTestLedger(t *testing.T, balance string) (*ledger.AccountLedger, *recorder) {
	t.Helper()
	rec := &recorder{}
	l := ledger.New(ledger.Config{
		Writer: rec,
		IDs:    &ledger.SequenceIDs{Prefix: "tx-"},
		Clock:  func() time.Time { return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC) },
	})
	p := ledger.NewProfile("player@nexus.play")
	p.Balance = d(balance)
	l.Attach(p)
	return l, rec
}

func snapshot(t *testing.T, l *ledger.AccountLedger) ledger.Profile {
	t.Helper()
	p, err := l.Snapshot()
	require.NoError(t, err)
	return p
}

func assertCredits(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2))
}

// =============================================================================
// EXAMPLE SCENARIOS
// =============================================================================

func TestPurchase_InsufficientFunds_ReportsShortfall(t *testing.T) {
	// GIVEN: balance 50, empty library
	// WHEN: buying a title priced 60
	// THEN: InsufficientFunds with shortfall 10.00 and balance still 50

	l, rec := newTestLedger(t, "50")

	res := l.Purchase(title("A", "60"))

	assert.False(t, res.Success)
	assert.Equal(t, ledger.CodeInsufficientFunds, res.Code)
	assertCredits(t, "10.00", res.Shortfall)
	assert.Equal(t, "Insufficient funds. Missing $10.00.", res.Message)

	var fundsErr *ledger.InsufficientFundsError
	require.ErrorAs(t, res.Err, &fundsErr)
	assert.ErrorIs(t, res.Err, ledger.ErrInsufficientFunds)

	p := snapshot(t, l)
	assertCredits(t, "50.00", p.Balance)
	assert.Empty(t, rec.all(), "no write-through for a rejected purchase")
}

func TestPurchase_Success_DeductsAndGrants(t *testing.T) {
	l, rec := newTestLedger(t, "50")

	res := l.Purchase(title("A", "30"))

	require.True(t, res.Success)
	assert.Equal(t, ledger.CodeSuccess, res.Code)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, ledger.KindPurchase, res.Transaction.Kind)
	assertCredits(t, "30.00", res.Transaction.Amount)
	assert.Equal(t, "Title A", res.Transaction.Memo)

	p := snapshot(t, l)
	assertCredits(t, "20.00", p.Balance)
	assert.True(t, p.Library.Has("A"))
	assert.Equal(t, 1, p.Stats.TitlesOwned)
	require.Len(t, p.Entries, 1)

	patches := rec.all()
	require.Len(t, patches, 1)
	patch := patches[0].patch
	assert.Equal(t, ledger.ProfileID("player@nexus.play"), patches[0].id)
	assert.Equal(t, []ledger.TitleID{"A"}, patch.OwnedTitles)
	require.NotNil(t, patch.Balance)
	assertCredits(t, "20.00", *patch.Balance)
	require.NotNil(t, patch.Stats)
	assert.Equal(t, 1, patch.Stats.TitlesOwned)
	assert.Len(t, patch.Entries, 1)
}

func TestPurchase_Twice_ReturnsAlreadyOwned(t *testing.T) {
	l, rec := newTestLedger(t, "50")
	require.True(t, l.Purchase(title("A", "30")).Success)
	before := snapshot(t, l)

	res := l.Purchase(title("A", "30"))

	assert.False(t, res.Success)
	assert.Equal(t, ledger.CodeAlreadyOwned, res.Code)
	assert.ErrorIs(t, res.Err, ledger.ErrAlreadyOwned)

	after := snapshot(t, l)
	assert.True(t, before.Balance.Equal(after.Balance), "balance must not be debited twice")
	assert.Equal(t, len(before.Entries), len(after.Entries))
	assert.Equal(t, before.Library.IDs(), after.Library.IDs())
	assert.Len(t, rec.all(), 1, "only the first purchase writes through")
}

func TestTopUp_FoldsBonusIntoAmount(t *testing.T) {
	// GIVEN: balance 20
	// WHEN: topping up 25 with a 5% bonus
	// THEN: bonus 1.25, credited 26.25, balance 46.25

	l, rec := newTestLedger(t, "20")

	tx, err := l.TopUp(d("25"), d("5"))
	require.NoError(t, err)

	assert.Equal(t, ledger.KindTopUp, tx.Kind)
	assertCredits(t, "26.25", tx.Amount)
	assert.Equal(t, "Wallet top-up", tx.Memo)

	p := snapshot(t, l)
	assertCredits(t, "46.25", p.Balance)
	require.Len(t, p.Entries, 1)

	patches := rec.all()
	require.Len(t, patches, 1)
	assert.ElementsMatch(t, []string{ledger.FieldEntries, ledger.FieldBalance}, patches[0].patch.Fields())
}

func TestGrantBonus_AddsBonusEntry(t *testing.T) {
	l, _ := newTestLedger(t, "20")

	tx, err := l.GrantBonus(d("10"))
	require.NoError(t, err)

	assert.Equal(t, ledger.KindBonus, tx.Kind)
	assertCredits(t, "10.00", tx.Amount)
	assertCredits(t, "30.00", snapshot(t, l).Balance)
}

func TestGrantBonus_CustomMemo(t *testing.T) {
	l, _ := newTestLedger(t, "0")

	tx, err := l.GrantBonus(d("5"), ledger.WithMemo("Launch week"))
	require.NoError(t, err)
	assert.Equal(t, "Launch week", tx.Memo)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestPurchase_BalanceNeverNegative(t *testing.T) {
	l, _ := newTestLedger(t, "100")
	prices := []string{"59.99", "29.99", "9.99", "19.99", "0.03", "70", "0.01"}

	for i, price := range prices {
		l.Purchase(title(string(rune('A'+i)), price))
		p := snapshot(t, l)
		assert.False(t, p.Balance.IsNegative(), "balance went negative after %s", price)
	}
	assertCredits(t, "0.00", snapshot(t, l).Balance)
}

func TestPurchase_ExactBalance_Succeeds(t *testing.T) {
	l, _ := newTestLedger(t, "59.99")

	res := l.Purchase(title("A", "59.99"))

	require.True(t, res.Success)
	assert.True(t, snapshot(t, l).Balance.IsZero())
}

func TestPurchase_InsufficientFunds_LeavesStateIdentical(t *testing.T) {
	l, _ := newTestLedger(t, "40")
	_, err := l.TopUp(d("10"), d("0"))
	require.NoError(t, err)
	require.True(t, l.Purchase(title("B", "15")).Success)
	before := snapshot(t, l)

	res := l.Purchase(title("C", "35.50"))
	require.Equal(t, ledger.CodeInsufficientFunds, res.Code)
	assertCredits(t, "0.50", res.Shortfall)

	assert.Equal(t, before, snapshot(t, l))
}

func TestTopUp_Additivity(t *testing.T) {
	cases := []struct {
		amount, bonus, want string
	}{
		{"10", "2", "10.20"},
		{"25", "5", "26.25"},
		{"50", "10", "55.00"},
		{"7.50", "0", "7.50"},
		{"0.01", "50", "0.02"}, // 0.015 credited, shown rounded
	}
	for _, tc := range cases {
		t.Run(tc.amount+"+"+tc.bonus, func(t *testing.T) {
			l, _ := newTestLedger(t, "0")
			tx, err := l.TopUp(d(tc.amount), d(tc.bonus))
			require.NoError(t, err)

			expected := d(tc.amount).Mul(decimal.NewFromInt(1).Add(d(tc.bonus).Div(decimal.NewFromInt(100))))
			p := snapshot(t, l)
			assert.True(t, expected.Equal(p.Balance), "balance %s, want %s", p.Balance, expected)
			assert.True(t, expected.Equal(tx.Amount))
			assert.Equal(t, tc.want, tx.Amount.StringFixed(2))
			assert.Len(t, p.Entries, 1)
		})
	}
}

func TestEntries_NewestFirst(t *testing.T) {
	l, _ := newTestLedger(t, "0")

	first, err := l.TopUp(d("25"), d("5"))
	require.NoError(t, err)
	second, err := l.GrantBonus(d("10"))
	require.NoError(t, err)
	third := l.Purchase(title("A", "30"))
	require.True(t, third.Success)

	p := snapshot(t, l)
	require.Len(t, p.Entries, 3)
	assert.Equal(t, third.Transaction.ID, p.Entries[0].ID)
	assert.Equal(t, second.ID, p.Entries[1].ID)
	assert.Equal(t, first.ID, p.Entries[2].ID)
}

func TestPurchase_FreeTitle_IgnoresBalance(t *testing.T) {
	l, rec := newTestLedger(t, "0")

	res := l.Purchase(freeTitle("F"))

	require.True(t, res.Success)
	assert.Equal(t, "Free F added!", res.Message)
	p := snapshot(t, l)
	assert.True(t, p.Balance.IsZero(), "free title must not touch balance")
	assert.True(t, p.Library.Has("F"))

	patches := rec.all()
	require.Len(t, patches, 1)
	assert.Nil(t, patches[0].patch.Balance, "balance unchanged, not written")
}

func TestPurchase_FreeTitleWithPrice_RecordsPrice(t *testing.T) {
	// A free flag wins over a non-zero price; the entry still records the price.
	l, _ := newTestLedger(t, "1")
	odd := ledger.Title{ID: "X", Name: "Mislabelled", Price: d("4.99"), IsFree: true}

	res := l.Purchase(odd)

	require.True(t, res.Success)
	assertCredits(t, "4.99", res.Transaction.Amount)
	assertCredits(t, "1.00", snapshot(t, l).Balance)
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func TestOperations_WithoutProfile(t *testing.T) {
	l := ledger.New(ledger.Config{})

	res := l.Purchase(title("A", "1"))
	assert.Equal(t, ledger.CodeError, res.Code)
	assert.ErrorIs(t, res.Err, ledger.ErrNotAuthenticated)
	assert.Equal(t, "User not logged in", res.Message)

	_, err := l.TopUp(d("10"), d("0"))
	assert.ErrorIs(t, err, ledger.ErrNotAuthenticated)

	_, err = l.GrantBonus(d("10"))
	assert.ErrorIs(t, err, ledger.ErrNotAuthenticated)

	_, err = l.Snapshot()
	assert.ErrorIs(t, err, ledger.ErrNotAuthenticated)
}

func TestDetach_EndsSession(t *testing.T) {
	l, _ := newTestLedger(t, "10")
	l.Detach()

	_, ok := l.Identity()
	assert.False(t, ok)
	assert.ErrorIs(t, l.Purchase(title("A", "1")).Err, ledger.ErrNotAuthenticated)
}

func TestCredits_RejectInvalidAmounts(t *testing.T) {
	l, rec := newTestLedger(t, "10")

	_, err := l.TopUp(d("0"), d("5"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = l.TopUp(d("10"), d("-1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = l.GrantBonus(d("-3"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	assertCredits(t, "10.00", snapshot(t, l).Balance)
	assert.Empty(t, rec.all())
}

func TestPurchase_RejectsNegativePrice(t *testing.T) {
	l, _ := newTestLedger(t, "10")

	res := l.Purchase(title("A", "-5"))

	assert.Equal(t, ledger.CodeError, res.Code)
	assert.ErrorIs(t, res.Err, ledger.ErrInvalidTitle)
	assertCredits(t, "10.00", snapshot(t, l).Balance)
}

// =============================================================================
// DOUBLE-SUBMIT PROTECTION
// =============================================================================

func TestTopUp_IdempotencyKey_Replays(t *testing.T) {
	l, rec := newTestLedger(t, "0")

	first, err := l.TopUp(d("10"), d("2"), ledger.WithIdempotencyKey("tap-1"))
	require.NoError(t, err)

	again, err := l.TopUp(d("10"), d("2"), ledger.WithIdempotencyKey("tap-1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, first.ID, again.ID)

	p := snapshot(t, l)
	assertCredits(t, "10.20", p.Balance)
	assert.Len(t, p.Entries, 1)
	assert.Len(t, rec.all(), 1)
}

func TestPurchase_IdempotencyKey_ReplaysSuccess(t *testing.T) {
	l, _ := newTestLedger(t, "50")

	first := l.Purchase(title("A", "30"), ledger.WithIdempotencyKey("buy-A"))
	require.True(t, first.Success)

	again := l.Purchase(title("A", "30"), ledger.WithIdempotencyKey("buy-A"))
	assert.True(t, again.Success)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	assertCredits(t, "20.00", snapshot(t, l).Balance)
}

func TestIdempotencyKeys_SurviveReattach(t *testing.T) {
	l, _ := newTestLedger(t, "0")
	_, err := l.GrantBonus(d("5"), ledger.WithIdempotencyKey("promo-1"))
	require.NoError(t, err)

	p := snapshot(t, l)
	l.Detach()
	l.Attach(p)

	_, err = l.GrantBonus(d("5"), ledger.WithIdempotencyKey("promo-1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assertCredits(t, "5.00", snapshot(t, l).Balance)
}

func TestIdempotencyKey_ReusedForOtherKindIsRejected(t *testing.T) {
	// GIVEN: a key already applied to a top-up
	// WHEN: the same key comes with a purchase or a bonus
	// THEN: both fail with a key mismatch and nothing changes

	l, rec := newTestLedger(t, "0")
	_, err := l.TopUp(d("10"), d("0"), ledger.WithIdempotencyKey("K"))
	require.NoError(t, err)
	before := snapshot(t, l)
	writes := len(rec.all())

	res := l.Purchase(title("A", "5"), ledger.WithIdempotencyKey("K"))
	assert.False(t, res.Success)
	assert.Equal(t, ledger.CodeError, res.Code)
	assert.ErrorIs(t, res.Err, ledger.ErrIdempotencyKeyMismatch)
	assert.Nil(t, res.Transaction)

	_, err = l.GrantBonus(d("5"), ledger.WithIdempotencyKey("K"))
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyMismatch)
	assert.True(t, ledger.IsClientError(err))

	after := snapshot(t, l)
	assert.False(t, after.Library.Has("A"))
	assertCredits(t, "10.00", after.Balance)
	assert.Equal(t, before.Entries, after.Entries)
	assert.Len(t, rec.all(), writes)
}

func TestIdempotencyKey_ReusedForOtherTitleIsRejected(t *testing.T) {
	l, _ := newTestLedger(t, "50")

	require.True(t, l.Purchase(title("A", "10"), ledger.WithIdempotencyKey("buy")).Success)

	res := l.Purchase(title("B", "10"), ledger.WithIdempotencyKey("buy"))
	assert.ErrorIs(t, res.Err, ledger.ErrIdempotencyKeyMismatch)
	assert.Equal(t, "This request was already used for a different operation.", res.Message)

	p := snapshot(t, l)
	assert.False(t, p.Library.Has("B"))
	assertCredits(t, "40.00", p.Balance)
}

// blockingWriter holds Submit until released, keeping the operation in flight.
type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingWriter) Submit(ledger.ProfileID, ledger.ProfilePatch) {
	b.entered <- struct{}{}
	<-b.release
}

func TestPurchase_ConcurrentSameKind_RejectedWhileInFlight(t *testing.T) {
	// GIVEN: a purchase stuck inside its write-through submission
	// WHEN: a second purchase arrives (double tap)
	// THEN: it is rejected immediately instead of queueing behind the first

	w := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
	l := ledger.New(ledger.Config{Writer: w})
	p := ledger.NewProfile("player@nexus.play")
	p.Balance = d("100")
	l.Attach(p)

	done := make(chan ledger.PurchaseResult)
	go func() { done <- l.Purchase(title("A", "30")) }()
	<-w.entered

	second := l.Purchase(title("B", "30"))
	assert.Equal(t, ledger.CodeError, second.Code)
	assert.ErrorIs(t, second.Err, ledger.ErrOperationInFlight)

	close(w.release)
	first := <-done
	assert.True(t, first.Success)
	assertCredits(t, "70.00", snapshot(t, l).Balance)
}

// =============================================================================
// GUESTS, DETAILS, LOCALE
// =============================================================================

func TestGuestProfile_NeverWritesThrough(t *testing.T) {
	rec := &recorder{}
	l := ledger.New(ledger.Config{Writer: rec})
	guest := ledger.NewProfile("guest:1")
	guest.Guest = true
	l.Attach(guest)

	_, err := l.TopUp(d("10"), d("0"))
	require.NoError(t, err)
	require.True(t, l.Purchase(title("A", "5")).Success)

	assert.Empty(t, rec.all())
	assertCredits(t, "5.00", snapshot(t, l).Balance)
}

func TestUpdateDetails_WritesOnlyChangedFields(t *testing.T) {
	l, rec := newTestLedger(t, "0")
	name := "Nova"

	p, err := l.UpdateDetails(ledger.DetailsUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Nova", p.DisplayName)

	patches := rec.all()
	require.Len(t, patches, 1)
	assert.Equal(t, []string{ledger.FieldDisplayName}, patches[0].patch.Fields())

	_, err = l.UpdateDetails(ledger.DetailsUpdate{})
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1, "empty update writes nothing")
}

func TestPurchase_RussianMessages(t *testing.T) {
	l, _ := newTestLedger(t, "5")

	res := l.Purchase(title("A", "7.5"), ledger.WithLocale(ledger.LocaleRU))

	assert.Equal(t, ledger.CodeInsufficientFunds, res.Code)
	assert.Equal(t, "Недостаточно средств. Не хватает $2.50.", res.Message)
}

func TestSetLocale_DefaultForOperations(t *testing.T) {
	// GIVEN: a ledger switched to Russian
	// WHEN: operations run with and without a per-call locale
	// THEN: the ledger locale is the default, a per-call locale wins, and
	//       an unknown locale falls back to English

	l, _ := newTestLedger(t, "5")
	l.SetLocale(ledger.LocaleRU)

	res := l.Purchase(title("A", "7.5"))
	assert.Equal(t, "Недостаточно средств. Не хватает $2.50.", res.Message)

	res = l.Purchase(title("A", "7.5"), ledger.WithLocale(ledger.LocaleEN))
	assert.Equal(t, "Insufficient funds. Missing $2.50.", res.Message)

	tx, err := l.TopUp(d("10"), d("0"))
	require.NoError(t, err)
	assert.Equal(t, "Пополнение кошелька", tx.Memo)

	l.SetLocale("de")
	res = l.Purchase(title("B", "100"))
	assert.Equal(t, "Insufficient funds. Missing $85.00.", res.Message)
}

func TestAttach_RecomputesTitlesOwned(t *testing.T) {
	l := ledger.New(ledger.Config{})
	p := ledger.NewProfile("drift@nexus.play")
	p.Library = ledger.NewLibrary("A", "B")
	p.Stats.TitlesOwned = 5
	l.Attach(p)

	assert.Equal(t, 2, snapshot(t, l).Stats.TitlesOwned)
}

func TestSnapshot_IsACopy(t *testing.T) {
	l, _ := newTestLedger(t, "50")
	require.True(t, l.Purchase(title("A", "10")).Success)

	p := snapshot(t, l)
	p.Library.Add("Z")
	p.Entries[0].Memo = "tampered"

	fresh := snapshot(t, l)
	assert.False(t, fresh.Library.Has("Z"))
	assert.Equal(t, "Title A", fresh.Entries[0].Memo)
}
