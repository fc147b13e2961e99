/*
handlers.go - HTTP request handlers for the game-store API

PURPOSE:
  Implements HTTP handlers for all API endpoints. Each handler:
  1. Parses the request (path params, body, Accept-Language)
  2. Resolves the caller's session and its AccountLedger
  3. Calls the ledger or session manager
  4. Returns a JSON response

HANDLER CATEGORIES:
  Session:  Register, Login, GuestLogin, Logout
  Profile:  GetMe, UpdateMe, ListTransactions
  Commerce: Purchase, TopUp, GrantBonus, ListPackages
  Catalog:  ListCatalog, GetTitle
  Ops:      Health

STATUS MAPPING:
  200  SUCCESS (including an idempotent replay, flagged "replayed")
  400  malformed body, invalid amount or title
  401  no session, expired session, bad credentials
  402  INSUFFICIENT_FUNDS
  404  unknown catalog title
  409  ALREADY_OWNED, duplicate account, operation already in flight
  500  anything else

IDEMPOTENCY:
  Purchase, TopUp and GrantBonus honor an Idempotency-Key header. A repeated
  key returns the original transaction without mutating the balance.

ERROR RESPONSES:
  All errors return JSON: {"error": "message", "details": "..."}

SEE ALSO:
  - server.go: Route definitions
  - dto.go:    Request/response types
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chat997709/nexus/catalog"
	"github.com/chat997709/nexus/ledger"
	"github.com/chat997709/nexus/metrics"
	"github.com/chat997709/nexus/session"
)

const idempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Sessions *session.Manager
	Catalog  *catalog.Catalog
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Ping reports store health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error
}

func NewHandler(sessions *session.Manager, cat *catalog.Catalog, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		Sessions: sessions,
		Catalog:  cat,
		Metrics:  m,
		Logger:   logger,
	}
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, err := h.Sessions.Register(r.Context(), session.Registration{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.Name,
		Surname:     req.Surname,
		DateOfBirth: req.Dob,
	})
	if err != nil {
		h.sessionError(w, err)
		return
	}
	h.writeSession(w, http.StatusCreated, s)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, err := h.Sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	h.writeSession(w, http.StatusOK, s)
}

func (h *Handler) GuestLogin(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.GuestLogin(r.Context())
	if err != nil {
		h.sessionError(w, err)
		return
	}
	h.writeSession(w, http.StatusCreated, s)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	h.Sessions.Logout(r.Context(), s.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, s *session.Session) {
	p, err := s.Ledger.Snapshot()
	if err != nil {
		h.internalError(w, "Failed to load profile", err)
		return
	}
	writeJSON(w, status, toSessionResponse(s, p))
}

func (h *Handler) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidEmail), errors.Is(err, session.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error(), nil)
	case errors.Is(err, ledger.ErrAccountExists):
		writeError(w, http.StatusConflict, "An account with this email already exists", nil)
	default:
		h.internalError(w, "Session operation failed", err)
	}
}

// =============================================================================
// PROFILE HANDLERS
// =============================================================================

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	p, err := sessionFrom(r.Context()).Ledger.Snapshot()
	if err != nil {
		h.ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(p))
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := sessionFrom(r.Context()).Ledger.UpdateDetails(ledger.DetailsUpdate{
		DisplayName: req.Name,
		Surname:     req.Surname,
		DateOfBirth: req.Dob,
		Avatar:      req.Avatar,
	})
	if err != nil {
		h.ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(p))
}

// ListTransactions returns history newest first. ?limit=N truncates it.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	p, err := sessionFrom(r.Context()).Ledger.Snapshot()
	if err != nil {
		h.ledgerError(w, err)
		return
	}

	entries := p.Entries
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		if limit < len(entries) {
			entries = entries[:limit]
		}
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

// =============================================================================
// COMMERCE HANDLERS
// =============================================================================

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	title, err := h.Catalog.Get(ledger.TitleID(req.TitleID))
	if err != nil {
		writeError(w, http.StatusNotFound, "Title not found", err)
		return
	}

	l := sessionFrom(r.Context()).Ledger
	res := l.Purchase(title, operationOptions(r)...)
	h.Metrics.RecordPurchase(res.Code)

	resp := PurchaseResponse{
		Success:  res.Success,
		Code:     string(res.Code),
		Message:  res.Message,
		Replayed: res.Replayed,
	}
	if res.Code == ledger.CodeInsufficientFunds {
		shortfall := money(res.Shortfall)
		resp.Shortfall = &shortfall
	}
	if res.Transaction != nil {
		tx := toTransactionDTO(*res.Transaction)
		resp.Transaction = &tx
	}
	if p, err := l.Snapshot(); err == nil {
		resp.Credits = money(p.Balance)
	}

	writeJSON(w, purchaseStatus(res), resp)
}

func purchaseStatus(res ledger.PurchaseResult) int {
	switch res.Code {
	case ledger.CodeSuccess:
		return http.StatusOK
	case ledger.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case ledger.CodeAlreadyOwned:
		return http.StatusConflict
	}
	switch {
	case errors.Is(res.Err, ledger.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(res.Err, ledger.ErrOperationInFlight):
		return http.StatusConflict
	case errors.Is(res.Err, ledger.ErrIdempotencyKeyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(res.Err, ledger.ErrInvalidTitle):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// TopUp credits one of the offered packages. The bonus comes from the
// package; a bonusPercent in the body must match it or be left out.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pkg, ok := ledger.FindTopUpPackage(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown top-up package", nil)
		return
	}
	if !req.BonusPercent.IsZero() && !req.BonusPercent.Equal(pkg.BonusPercent) {
		writeError(w, http.StatusBadRequest, "Bonus does not match the package", nil)
		return
	}

	l := sessionFrom(r.Context()).Ledger
	tx, err := l.TopUp(pkg.Amount, pkg.BonusPercent, operationOptions(r)...)
	h.Metrics.RecordCredit(ledger.KindTopUp, err)
	h.writeCredit(w, l, tx, err)
}

func (h *Handler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	var req BonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	opts := operationOptions(r)
	if req.Description != "" {
		opts = append(opts, ledger.WithMemo(req.Description))
	}

	l := sessionFrom(r.Context()).Ledger
	tx, err := l.GrantBonus(req.Amount, opts...)
	h.Metrics.RecordCredit(ledger.KindBonus, err)
	h.writeCredit(w, l, tx, err)
}

func (h *Handler) writeCredit(w http.ResponseWriter, l *ledger.AccountLedger, tx ledger.Transaction, err error) {
	replayed := errors.Is(err, ledger.ErrDuplicateIdempotencyKey)
	if err != nil && !replayed {
		h.ledgerError(w, err)
		return
	}

	p, err := l.Snapshot()
	if err != nil {
		h.ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditResponse{
		Transaction: toTransactionDTO(tx),
		Credits:     money(p.Balance),
		Replayed:    replayed,
	})
}

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs := make([]PackageDTO, len(ledger.TopUpPackages))
	for i, p := range ledger.TopUpPackages {
		pkgs[i] = PackageDTO{
			Amount:       money(p.Amount),
			BonusPercent: p.BonusPercent.String(),
			Credited:     money(p.Credited()),
			Popular:      p.Popular,
		}
	}
	writeJSON(w, http.StatusOK, pkgs)
}

// operationOptions carries the request's idempotency key and locale.
func operationOptions(r *http.Request) []ledger.Option {
	var opts []ledger.Option
	if key := r.Header.Get(idempotencyHeader); key != "" {
		opts = append(opts, ledger.WithIdempotencyKey(key))
	}
	if lang := r.Header.Get("Accept-Language"); lang != "" {
		opts = append(opts, ledger.WithLocale(ledger.ParseLocale(lang)))
	}
	return opts
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListCatalog returns titles sorted by name. ?genre= filters.
func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	titles := h.Catalog.List(r.URL.Query().Get("genre"))
	dtos := make([]TitleDTO, len(titles))
	for i, t := range titles {
		dtos[i] = toTitleDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTitle(w http.ResponseWriter, r *http.Request) {
	title, err := h.Catalog.Get(ledger.TitleID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusNotFound, "Title not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTitleDTO(title))
}

// =============================================================================
// OPS HANDLERS
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.Sessions.ActiveSessions(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) ledgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "Not logged in", err)
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidTitle):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, ledger.ErrOperationInFlight):
		writeError(w, http.StatusConflict, "Another operation of this kind is in progress", err)
	case errors.Is(err, ledger.ErrIdempotencyKeyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "Idempotency key already used for a different operation", err)
	default:
		h.internalError(w, "Ledger operation failed", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, message string, err error) {
	h.Logger.Error(message, zap.Error(err))
	writeError(w, http.StatusInternalServerError, message, nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
