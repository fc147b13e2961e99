/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the Presentation Layer talks to. Field names
  follow the client's existing vocabulary (ownedGameIds, credits, dob), so
  the ledger's Go names stay free to differ.

MONEY:
  Amounts leave the API as fixed two-decimal strings ("46.25"). Requests
  accept either a JSON number or a string; both decode into decimal.Decimal
  without passing through float64.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/chat997709/nexus/ledger"
	"github.com/chat997709/nexus/session"
)

// =============================================================================
// SESSION
// =============================================================================

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Surname  string `json:"surname"`
	Dob      string `json:"dob"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt string     `json:"expires_at"`
	Guest     bool       `json:"guest"`
	Profile   ProfileDTO `json:"profile"`
}

// =============================================================================
// PROFILE
// =============================================================================

type ProfileDTO struct {
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Surname      string   `json:"surname"`
	Dob          string   `json:"dob"`
	Avatar       string   `json:"avatar,omitempty"`
	OwnedGameIDs []string `json:"ownedGameIds"`
	Credits      string   `json:"credits"`
	Stats        StatsDTO `json:"stats"`
	Guest        bool     `json:"guest"`
}

type StatsDTO struct {
	GamesOwned           int `json:"gamesOwned"`
	HoursPlayed          int `json:"hoursPlayed"`
	AchievementsUnlocked int `json:"achievementsUnlocked"`
}

// UpdateProfileRequest changes display details. Omitted fields are kept.
type UpdateProfileRequest struct {
	Name    *string `json:"name"`
	Surname *string `json:"surname"`
	Dob     *string `json:"dob"`
	Avatar  *string `json:"avatar"`
}

type TransactionDTO struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Description string `json:"description"`
}

// =============================================================================
// CATALOG & WALLET
// =============================================================================

type TitleDTO struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Price  string `json:"price"`
	IsFree bool   `json:"isFree"`
	Genre  string `json:"genre,omitempty"`
}

type PackageDTO struct {
	Amount       string `json:"amount"`
	BonusPercent string `json:"bonusPercent"`
	Credited     string `json:"credited"`
	Popular      bool   `json:"popular"`
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

type PurchaseRequest struct {
	TitleID string `json:"titleId"`
}

type PurchaseResponse struct {
	Success     bool            `json:"success"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	Shortfall   *string         `json:"shortfall,omitempty"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
	Credits     string          `json:"credits"`
}

type TopUpRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	BonusPercent decimal.Decimal `json:"bonusPercent"`
}

type BonusRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

type CreditResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Credits     string         `json:"credits"`
	Replayed    bool           `json:"replayed,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func toProfileDTO(p ledger.Profile) ProfileDTO {
	ids := p.Library.IDs()
	owned := make([]string, len(ids))
	for i, id := range ids {
		owned[i] = string(id)
	}
	return ProfileDTO{
		Email:        string(p.Identity),
		Name:         p.DisplayName,
		Surname:      p.Surname,
		Dob:          p.DateOfBirth,
		Avatar:       p.Avatar,
		OwnedGameIDs: owned,
		Credits:      money(p.Balance),
		Stats: StatsDTO{
			GamesOwned:           p.Stats.TitlesOwned,
			HoursPlayed:          p.Stats.HoursPlayed,
			AchievementsUnlocked: p.Stats.AchievementsUnlocked,
		},
		Guest: p.Guest,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Type:        string(tx.Kind),
		Amount:      money(tx.Amount),
		Date:        tx.OccurredAt.UTC().Format(time.RFC3339),
		Description: tx.Memo,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toTitleDTO(t ledger.Title) TitleDTO {
	return TitleDTO{
		ID:     string(t.ID),
		Title:  t.Name,
		Price:  money(t.Price),
		IsFree: t.IsFree,
		Genre:  t.Genre,
	}
}

func toSessionResponse(s *session.Session, p ledger.Profile) SessionResponse {
	return SessionResponse{
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt.UTC().Format(time.RFC3339),
		Guest:     s.Identity.Guest,
		Profile:   toProfileDTO(p),
	}
}
