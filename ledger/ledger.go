/*
ledger.go - The account ledger

PURPOSE:
  AccountLedger applies the three wallet mutations to the active profile:

    Purchase(title)             debit credits (or grant a free title)
    TopUp(amount, bonusPercent) credit amount plus bonus
    GrantBonus(amount)          credit a promotional amount

  Each mutation is all-or-nothing on the in-memory profile and, when it
  succeeds, hands the changed fields to the WriteThrough. The caller never
  waits for the store.

PURCHASE CHECK ORDER:
  The order decides which outcome is reported when several apply:
    1. No active profile       -> CodeError (ErrNotAuthenticated)
    2. Title already owned     -> CodeAlreadyOwned, no mutation
    3. Title is free           -> grant, balance untouched
    4. Balance >= price        -> deduct and grant
    5. Otherwise               -> CodeInsufficientFunds with shortfall

INVARIANTS:
  - Balance never goes negative as the outcome of a purchase
  - A title is owned at most once; owning it twice never debits twice
  - Stats.TitlesOwned == Library.Len()
  - Entries are newest-first and only ever prepended

CONCURRENCY:
  HTTP handlers call the ledger concurrently. A mutex serializes mutations,
  so there is exactly one logical writer per profile. Two calls of the same
  kind racing each other are rejected by the in-flight guard
  (ErrOperationInFlight) rather than queued, which covers UI double-taps.
  Idempotency keys cover retries that arrive later.

SEE ALSO:
  - writer.go: WriteThrough implementation
  - session/manager.go: owns one ledger per profile
*/
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// RESULTS & OPTIONS
// =============================================================================

// ResultCode is the stable contract callers branch on.
type ResultCode string

const (
	CodeSuccess           ResultCode = "SUCCESS"
	CodeInsufficientFunds ResultCode = "INSUFFICIENT_FUNDS"
	CodeAlreadyOwned      ResultCode = "ALREADY_OWNED"
	CodeError             ResultCode = "ERROR"
)

// PurchaseResult is the tagged outcome of Purchase. Message is display
// text in the requested locale.
type PurchaseResult struct {
	Success     bool
	Code        ResultCode
	Message     string
	Shortfall   decimal.Decimal // set for CodeInsufficientFunds, 2 decimals
	Transaction *Transaction    // set on success
	Replayed    bool            // the idempotency key was already applied
	Err         error           // error form of a non-success outcome
}

type opOptions struct {
	key    string
	memo   string
	locale Locale
}

// Option tunes a single ledger operation.
type Option func(*opOptions)

// WithIdempotencyKey makes a repeated call with the same key return the
// original transaction instead of mutating again.
func WithIdempotencyKey(key string) Option {
	return func(o *opOptions) { o.key = key }
}

// WithLocale overrides the ledger's locale for messages and memos.
func WithLocale(l Locale) Option {
	return func(o *opOptions) { o.locale = l }
}

// WithMemo replaces the default memo of a top-up or bonus entry.
func WithMemo(memo string) Option {
	return func(o *opOptions) { o.memo = memo }
}

// DetailsUpdate changes user-supplied metadata. Nil fields are untouched.
type DetailsUpdate struct {
	DisplayName *string
	Surname     *string
	DateOfBirth *string
	Avatar      *string
}

// =============================================================================
// ACCOUNT LEDGER
// =============================================================================

type Config struct {
	// Writer receives patches after each mutation. Nil keeps the ledger
	// in-memory only, which is how guest sessions run.
	Writer WriteThrough

	IDs    IDGenerator      // default: snowflake node 1
	Clock  func() time.Time // default: time.Now().UTC()
	Locale Locale           // default: LocaleEN
	Logger *zap.Logger
}

type AccountLedger struct {
	mu      sync.Mutex
	profile *Profile
	keys    map[string]Transaction

	writer WriteThrough
	ids    IDGenerator
	now    func() time.Time
	logger *zap.Logger
	guard  inFlightGuard

	// locale has its own lock so a rejected call never waits on mu.
	localeMu sync.RWMutex
	locale   Locale
}

// New creates a ledger with no active profile. Call Attach to start a session.
func New(cfg Config) *AccountLedger {
	l := &AccountLedger{
		writer: cfg.Writer,
		ids:    cfg.IDs,
		now:    cfg.Clock,
		locale: cfg.Locale,
		logger: cfg.Logger,
	}
	if l.ids == nil {
		ids, err := NewSnowflakeIDs(1)
		if err != nil {
			panic(err) // node 1 is always in range
		}
		l.ids = ids
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.locale == "" {
		l.locale = LocaleEN
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// Attach makes p the active profile. The ledger keeps its own copy.
func (l *AccountLedger) Attach(p Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := p.Clone()
	if c.Entries == nil {
		c.Entries = []Transaction{}
	}
	c.Stats.TitlesOwned = c.Library.Len()
	l.profile = &c

	l.keys = make(map[string]Transaction)
	for _, tx := range c.Entries {
		if tx.IdempotencyKey != "" {
			l.keys[tx.IdempotencyKey] = tx
		}
	}
}

// Detach drops the active profile. Later operations report ErrNotAuthenticated.
func (l *AccountLedger) Detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profile = nil
	l.keys = nil
}

// Identity returns the active profile id, if any.
func (l *AccountLedger) Identity() (ProfileID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.profile == nil {
		return "", false
	}
	return l.profile.Identity, true
}

func (l *AccountLedger) SetLocale(loc Locale) {
	l.localeMu.Lock()
	defer l.localeMu.Unlock()
	l.locale = loc
}

// Snapshot returns a deep copy of the active profile.
func (l *AccountLedger) Snapshot() (Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.profile == nil {
		return Profile{}, ErrNotAuthenticated
	}
	return l.profile.Clone(), nil
}

// =============================================================================
// PURCHASE
// =============================================================================

func (l *AccountLedger) Purchase(title Title, opts ...Option) PurchaseResult {
	o := l.options(opts)

	if !l.guard.begin(KindPurchase) {
		return PurchaseResult{Code: CodeError, Message: o.locale.text(msgInFlight), Err: ErrOperationInFlight}
	}
	defer l.guard.end(KindPurchase)

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.profile
	if p == nil {
		return PurchaseResult{Code: CodeError, Message: o.locale.text(msgNotAuthenticated), Err: ErrNotAuthenticated}
	}
	if title.ID == "" || title.Price.IsNegative() {
		return PurchaseResult{
			Code:    CodeError,
			Message: fmt.Sprintf("invalid title %q", title.ID),
			Err:     fmt.Errorf("%w: title %q price %s", ErrInvalidTitle, title.ID, title.Price),
		}
	}
	tx, ok, err := l.replay(o.key, KindPurchase, title.ID)
	if err != nil {
		return PurchaseResult{Code: CodeError, Message: o.locale.text(msgKeyMismatch), Err: err}
	}
	if ok {
		return PurchaseResult{
			Success:     true,
			Code:        CodeSuccess,
			Message:     o.locale.text(msgPurchaseSuccess),
			Transaction: &tx,
			Replayed:    true,
			Err:         ErrDuplicateIdempotencyKey,
		}
	}
	if p.Library.Has(title.ID) {
		return PurchaseResult{Code: CodeAlreadyOwned, Message: o.locale.text(msgAlreadyOwned), Err: ErrAlreadyOwned}
	}

	debit := !title.IsFree
	if debit && p.Balance.LessThan(title.Price) {
		shortfall := title.Price.Sub(p.Balance).Round(2)
		l.logger.Debug("purchase rejected: insufficient funds",
			zap.String("profile_id", string(p.Identity)),
			zap.String("title_id", string(title.ID)),
			zap.String("shortfall", shortfall.StringFixed(2)),
		)
		return PurchaseResult{
			Code:      CodeInsufficientFunds,
			Message:   o.locale.text(msgInsufficientFunds, shortfall.StringFixed(2)),
			Shortfall: shortfall,
			Err: &InsufficientFundsError{
				ProfileID: p.Identity,
				TitleID:   title.ID,
				Balance:   p.Balance,
				Price:     title.Price,
				Shortfall: shortfall,
			},
		}
	}

	// The recorded amount is the catalog price even for free titles.
	tx = l.newTransaction(KindPurchase, title.Price, title.Name, o.key)
	tx.TitleID = title.ID

	if debit {
		p.Balance = p.Balance.Sub(title.Price)
	}
	p.Library.Add(title.ID)
	p.Stats.TitlesOwned = p.Library.Len()
	l.prepend(tx)

	stats := p.Stats
	patch := ProfilePatch{
		OwnedTitles: p.Library.IDs(),
		Entries:     p.Entries,
		Stats:       &stats,
	}
	if debit {
		balance := p.Balance
		patch.Balance = &balance
	}
	l.submit(patch)

	l.logger.Info("title purchased",
		zap.String("profile_id", string(p.Identity)),
		zap.String("title_id", string(title.ID)),
		zap.String("amount", title.Price.StringFixed(2)),
		zap.Bool("free", title.IsFree),
	)

	msg := o.locale.text(msgPurchaseSuccess)
	if title.IsFree {
		msg = o.locale.text(msgFreeTitleAdded, title.Name)
	}
	return PurchaseResult{Success: true, Code: CodeSuccess, Message: msg, Transaction: &tx}
}

// =============================================================================
// CREDITS
// =============================================================================

// TopUp credits amount plus amount*bonusPercent/100 as a single TOP_UP entry.
func (l *AccountLedger) TopUp(amount, bonusPercent decimal.Decimal, opts ...Option) (Transaction, error) {
	o := l.options(opts)
	if o.memo == "" {
		o.memo = o.locale.text(msgTopUpMemo)
	}
	return l.credit(KindTopUp, o, func() (decimal.Decimal, error) {
		if !amount.IsPositive() || bonusPercent.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: top-up %s with bonus %s%%", ErrInvalidAmount, amount, bonusPercent)
		}
		return credited(amount, bonusPercent), nil
	})
}

// GrantBonus credits a promotional amount as a single BONUS entry.
func (l *AccountLedger) GrantBonus(amount decimal.Decimal, opts ...Option) (Transaction, error) {
	o := l.options(opts)
	if o.memo == "" {
		o.memo = o.locale.text(msgBonusMemo)
	}
	return l.credit(KindBonus, o, func() (decimal.Decimal, error) {
		if !amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: bonus %s", ErrInvalidAmount, amount)
		}
		return amount, nil
	})
}

func (l *AccountLedger) credit(kind TransactionKind, o opOptions, value func() (decimal.Decimal, error)) (Transaction, error) {
	if !l.guard.begin(kind) {
		return Transaction{}, ErrOperationInFlight
	}
	defer l.guard.end(kind)

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.profile
	if p == nil {
		return Transaction{}, ErrNotAuthenticated
	}
	amount, err := value()
	if err != nil {
		return Transaction{}, err
	}
	if tx, ok, err := l.replay(o.key, kind, ""); err != nil {
		return Transaction{}, err
	} else if ok {
		return tx, ErrDuplicateIdempotencyKey
	}

	tx := l.newTransaction(kind, amount, o.memo, o.key)
	p.Balance = p.Balance.Add(amount)
	l.prepend(tx)

	balance := p.Balance
	l.submit(ProfilePatch{Balance: &balance, Entries: p.Entries})

	l.logger.Info("credits added",
		zap.String("profile_id", string(p.Identity)),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance", balance.StringFixed(2)),
	)
	return tx, nil
}

// =============================================================================
// PROFILE DETAILS
// =============================================================================

// UpdateDetails changes display metadata. These fields carry no invariants.
func (l *AccountLedger) UpdateDetails(u DetailsUpdate) (Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.profile
	if p == nil {
		return Profile{}, ErrNotAuthenticated
	}
	patch := ProfilePatch{
		DisplayName: copyString(u.DisplayName),
		Surname:     copyString(u.Surname),
		DateOfBirth: copyString(u.DateOfBirth),
		Avatar:      copyString(u.Avatar),
	}
	if patch.IsEmpty() {
		return p.Clone(), nil
	}
	p.Apply(patch)
	l.submit(patch)
	return p.Clone(), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *AccountLedger) options(opts []Option) opOptions {
	l.localeMu.RLock()
	o := opOptions{locale: l.locale}
	l.localeMu.RUnlock()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (l *AccountLedger) newTransaction(kind TransactionKind, amount decimal.Decimal, memo, key string) Transaction {
	return Transaction{
		ID:             l.ids.NextID(),
		Kind:           kind,
		Amount:         amount,
		OccurredAt:     l.now(),
		Memo:           memo,
		IdempotencyKey: key,
	}
}

// prepend builds a new slice, so slices already handed to the writer are
// never modified afterwards.
func (l *AccountLedger) prepend(tx Transaction) {
	entries := make([]Transaction, 0, len(l.profile.Entries)+1)
	entries = append(entries, tx)
	entries = append(entries, l.profile.Entries...)
	l.profile.Entries = entries
	if tx.IdempotencyKey != "" {
		l.keys[tx.IdempotencyKey] = tx
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// replay finds the transaction already recorded under key. A key recorded
// for another kind or title is ErrIdempotencyKeyMismatch.
func (l *AccountLedger) replay(key string, kind TransactionKind, title TitleID) (Transaction, bool, error) {
	if key == "" {
		return Transaction{}, false, nil
	}
	tx, ok := l.keys[key]
	if !ok {
		return Transaction{}, false, nil
	}
	if tx.Kind != kind || tx.TitleID != title {
		return Transaction{}, false, fmt.Errorf("%w: key %q was used for %s %s", ErrIdempotencyKeyMismatch, key, tx.Kind, tx.TitleID)
	}
	return tx, true, nil
}

// submit is called under l.mu so patches are queued in mutation order.
func (l *AccountLedger) submit(patch ProfilePatch) {
	if l.writer == nil || l.profile.Guest {
		return
	}
	l.writer.Submit(l.profile.Identity, patch)
}
