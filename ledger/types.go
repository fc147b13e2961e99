/*
Package ledger owns one account's commerce state: wallet balance, owned
titles and transaction history.

PURPOSE:
  The AccountLedger is the sole mutator of a Profile for the active session.
  It applies purchases, top-ups and bonus credits atomically in memory and
  hands the changed fields to a Writer, which propagates them to the durable
  ProfileStore in the background.

KEY CONCEPTS IN THIS FILE (types.go):
  - Profile:     The full mutable record of one user's commerce state
  - Transaction: An immutable history entry (PURCHASE, TOP_UP, BONUS)
  - Title:       A purchasable catalog item (read-only to the ledger)
  - Library:     Ordered set of owned titles with O(1) membership
  - ProfilePatch: Partial update sent to the ProfileStore

DESIGN PRINCIPLES:
  1. Precision: credits are decimal.Decimal, never float64
  2. Immutability: transactions are appended newest-first, never edited
  3. Lockstep: Stats.TitlesOwned always equals Library.Len()

SEE ALSO:
  - ledger.go: Purchase / TopUp / GrantBonus
  - writer.go: Asynchronous write-through
  - store.go:  ProfileStore contract
*/
package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ProfileID is the opaque account identity (email, or "guest:<uuid>").
type ProfileID string

type TitleID string
type TransactionID string

// =============================================================================
// TRANSACTION - Immutable history entry
// =============================================================================

type TransactionKind string

const (
	KindPurchase TransactionKind = "PURCHASE"
	KindTopUp    TransactionKind = "TOP_UP"
	KindBonus    TransactionKind = "BONUS"
)

// Transaction amounts are always positive. The sign is implied by Kind:
// PURCHASE debits, TOP_UP and BONUS credit.
type Transaction struct {
	ID             TransactionID   `json:"id"`
	Kind           TransactionKind `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	OccurredAt     time.Time       `json:"date"`
	Memo           string          `json:"description"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	TitleID        TitleID         `json:"titleId,omitempty"` // PURCHASE only
}

// =============================================================================
// TITLE - Catalog entry
// =============================================================================

// Title is a purchasable catalog item. IsFree is authoritative: a free
// title is granted regardless of Price.
type Title struct {
	ID     TitleID         `json:"id"`
	Name   string          `json:"title"`
	Price  decimal.Decimal `json:"price"`
	IsFree bool            `json:"isFree"`
	Genre  string          `json:"genre,omitempty"`
}

// =============================================================================
// LIBRARY - Ordered set of owned titles
// =============================================================================

// Library keeps acquisition order for display and an index for membership.
// The zero value is an empty library ready to use.
type Library struct {
	order []TitleID
	index map[TitleID]struct{}
}

func NewLibrary(ids ...TitleID) Library {
	var l Library
	for _, id := range ids {
		l.Add(id)
	}
	return l
}

func (l *Library) Has(id TitleID) bool {
	_, ok := l.index[id]
	return ok
}

// Add inserts id and reports whether it was new.
func (l *Library) Add(id TitleID) bool {
	if l.Has(id) {
		return false
	}
	if l.index == nil {
		l.index = make(map[TitleID]struct{})
	}
	l.index[id] = struct{}{}
	l.order = append(l.order, id)
	return true
}

func (l Library) Len() int { return len(l.order) }

// IDs returns a copy in acquisition order.
func (l Library) IDs() []TitleID {
	out := make([]TitleID, len(l.order))
	copy(out, l.order)
	return out
}

func (l Library) Clone() Library { return NewLibrary(l.order...) }

func (l Library) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.IDs())
}

func (l *Library) UnmarshalJSON(data []byte) error {
	var ids []TitleID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*l = NewLibrary(ids...)
	return nil
}

// =============================================================================
// PROFILE - One account's commerce state
// =============================================================================

type Stats struct {
	TitlesOwned          int `json:"gamesOwned"`
	HoursPlayed          int `json:"hoursPlayed"`
	AchievementsUnlocked int `json:"achievementsUnlocked"`
}

type Profile struct {
	Identity    ProfileID       `json:"email"`
	DisplayName string          `json:"name"`
	Surname     string          `json:"surname"`
	DateOfBirth string          `json:"dob"`
	Avatar      string          `json:"avatar,omitempty"`
	Library     Library         `json:"ownedGameIds"`
	Entries     []Transaction   `json:"transactions"`
	Balance     decimal.Decimal `json:"credits"`
	Stats       Stats           `json:"stats"`
	Guest       bool            `json:"guest,omitempty"`
}

// NewProfile returns an empty profile: zero balance, empty library.
func NewProfile(id ProfileID) Profile {
	return Profile{
		Identity: id,
		Entries:  []Transaction{},
		Balance:  decimal.Zero,
	}
}

// Clone returns a deep copy safe to hand outside the ledger.
func (p Profile) Clone() Profile {
	c := p
	c.Library = p.Library.Clone()
	c.Entries = make([]Transaction, len(p.Entries))
	copy(c.Entries, p.Entries)
	return c
}

// Apply merges the populated fields of patch into p.
func (p *Profile) Apply(patch ProfilePatch) {
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Surname != nil {
		p.Surname = *patch.Surname
	}
	if patch.DateOfBirth != nil {
		p.DateOfBirth = *patch.DateOfBirth
	}
	if patch.Avatar != nil {
		p.Avatar = *patch.Avatar
	}
	if patch.OwnedTitles != nil {
		p.Library = NewLibrary(patch.OwnedTitles...)
	}
	if patch.Entries != nil {
		p.Entries = make([]Transaction, len(patch.Entries))
		copy(p.Entries, patch.Entries)
	}
	if patch.Balance != nil {
		p.Balance = *patch.Balance
	}
	if patch.Stats != nil {
		p.Stats = *patch.Stats
	}
}

// Patch returns a patch carrying every mutable field of p, used to bring a
// store that missed writes back in line with memory.
func (p Profile) Patch() ProfilePatch {
	c := p.Clone()
	stats := c.Stats
	balance := c.Balance
	owned := append([]TitleID{}, c.Library.IDs()...)
	entries := append([]Transaction{}, c.Entries...)
	return ProfilePatch{
		DisplayName: &c.DisplayName,
		Surname:     &c.Surname,
		DateOfBirth: &c.DateOfBirth,
		Avatar:      &c.Avatar,
		OwnedTitles: owned,
		Entries:     entries,
		Balance:     &balance,
		Stats:       &stats,
	}
}

// =============================================================================
// PROFILE PATCH - Partial update for write-through
// =============================================================================

// ProfilePatch carries only the fields a mutation changed. A nil field is
// left untouched by the store.
type ProfilePatch struct {
	DisplayName *string          `json:"name,omitempty"`
	Surname     *string          `json:"surname,omitempty"`
	DateOfBirth *string          `json:"dob,omitempty"`
	Avatar      *string          `json:"avatar,omitempty"`
	OwnedTitles []TitleID        `json:"ownedGameIds,omitempty"`
	Entries     []Transaction    `json:"transactions,omitempty"`
	Balance     *decimal.Decimal `json:"credits,omitempty"`
	Stats       *Stats           `json:"stats,omitempty"`
}

// Field names as they appear in logs and store columns.
const (
	FieldDisplayName = "name"
	FieldSurname     = "surname"
	FieldDateOfBirth = "dob"
	FieldAvatar      = "avatar"
	FieldOwnedTitles = "ownedGameIds"
	FieldEntries     = "transactions"
	FieldBalance     = "credits"
	FieldStats       = "stats"
)

// Fields lists the populated fields in a stable order.
func (p ProfilePatch) Fields() []string {
	var fields []string
	if p.DisplayName != nil {
		fields = append(fields, FieldDisplayName)
	}
	if p.Surname != nil {
		fields = append(fields, FieldSurname)
	}
	if p.DateOfBirth != nil {
		fields = append(fields, FieldDateOfBirth)
	}
	if p.Avatar != nil {
		fields = append(fields, FieldAvatar)
	}
	if p.OwnedTitles != nil {
		fields = append(fields, FieldOwnedTitles)
	}
	if p.Entries != nil {
		fields = append(fields, FieldEntries)
	}
	if p.Balance != nil {
		fields = append(fields, FieldBalance)
	}
	if p.Stats != nil {
		fields = append(fields, FieldStats)
	}
	return fields
}

func (p ProfilePatch) IsEmpty() bool { return len(p.Fields()) == 0 }

// =============================================================================
// TOP-UP PACKAGES - Offered by the wallet screen
// =============================================================================

type TopUpPackage struct {
	Amount       decimal.Decimal `json:"amount"`
	BonusPercent decimal.Decimal `json:"bonusPercent"`
	Popular      bool            `json:"popular,omitempty"`
}

// Credited is what TopUp would add to the balance for this package.
func (p TopUpPackage) Credited() decimal.Decimal {
	return credited(p.Amount, p.BonusPercent)
}

var TopUpPackages = []TopUpPackage{
	{Amount: decimal.NewFromInt(10), BonusPercent: decimal.NewFromInt(2)},
	{Amount: decimal.NewFromInt(25), BonusPercent: decimal.NewFromInt(5), Popular: true},
	{Amount: decimal.NewFromInt(50), BonusPercent: decimal.NewFromInt(10)},
}

func credited(amount, bonusPercent decimal.Decimal) decimal.Decimal {
	bonus := amount.Mul(bonusPercent).Div(decimal.NewFromInt(100))
	return amount.Add(bonus)
}

// FindTopUpPackage returns the offered package for amount, if any.
func FindTopUpPackage(amount decimal.Decimal) (TopUpPackage, bool) {
	for _, p := range TopUpPackages {
		if p.Amount.Equal(amount) {
			return p, true
		}
	}
	return TopUpPackage{}, false
}
