/*
Package session is the Session Provider: it decides which profile is
active for a caller and owns the AccountLedger of every logged-in profile.

PURPOSE:
  - Register / Login: registered accounts, bcrypt-hashed passwords, the
    profile loaded from the ProfileStore once per login
  - GuestLogin: an ephemeral profile that never reaches the store
  - Logout: ends one session; the ledger is detached when its profile has
    no sessions left
  - Authenticate: maps a bearer token back to its session

INVARIANTS:
  - Exactly one AccountLedger per logged-in profile. Two sessions of the
    same account (two devices) share it, so there is still one writer.
  - A guest ledger has no write-through.
  - Tokens carry the session id; a token whose session was logged out or
    expired is rejected even while its signature is still valid.
  - A profile whose writes have not reached the store when its last session
    ends is retained in memory. The next login reuses the retained copy
    while the store is still behind, and queues a full resync of it.

SEE ALSO:
  - token.go:   JWT issue / parse
  - janitor.go: periodic expiry of idle sessions
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/chat997709/nexus/ledger"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrInvalidToken       = errors.New("invalid session token")
	ErrSessionNotFound    = errors.New("session not found")
)

const (
	minPasswordLen   = 6
	guestPrefix      = "guest:"
	guestDisplayName = "Guest Player"
)

// =============================================================================
// TYPES
// =============================================================================

type Identity struct {
	ProfileID ledger.ProfileID
	Guest     bool
}

type Session struct {
	ID        string
	Identity  Identity
	Token     string
	ExpiresAt time.Time
	Ledger    *ledger.AccountLedger
}

type Registration struct {
	Email       string
	Password    string
	DisplayName string
	Surname     string
	DateOfBirth string
}

type Config struct {
	Profiles    ledger.ProfileStore
	Credentials ledger.CredentialStore

	// Writer is shared by every registered ledger. Guests never get it.
	Writer ledger.WriteThrough

	Secret     []byte
	TTL        time.Duration // default 24h
	BcryptCost int           // default bcrypt.DefaultCost

	IDs    ledger.IDGenerator // default: snowflake node 1, shared by all ledgers
	Clock  func() time.Time
	Logger *zap.Logger
}

type account struct {
	ledger   *ledger.AccountLedger
	sessions int
}

type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	accounts map[ledger.ProfileID]*account
	retained map[ledger.ProfileID]ledger.Profile
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Profiles == nil || cfg.Credentials == nil {
		return nil, errors.New("session: profile and credential stores are required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session: signing secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.IDs == nil {
		ids, err := ledger.NewSnowflakeIDs(1)
		if err != nil {
			return nil, err
		}
		cfg.IDs = ids
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		accounts: make(map[ledger.ProfileID]*account),
		retained: make(map[ledger.ProfileID]ledger.Profile),
	}, nil
}

// =============================================================================
// LOGIN / LOGOUT
// =============================================================================

// Register creates a zero-balance profile and its credentials, then logs
// in. The profile goes first: Initialize is create-if-absent, so a failed
// registration leaves no credential behind and can simply be retried.
func (m *Manager) Register(ctx context.Context, reg Registration) (*Session, error) {
	email := normalizeEmail(reg.Email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	if len(reg.Password) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), m.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	p := ledger.NewProfile(ledger.ProfileID(email))
	p.DisplayName = reg.DisplayName
	if p.DisplayName == "" {
		p.DisplayName = defaultDisplayName(email)
	}
	p.Surname = reg.Surname
	p.DateOfBirth = reg.DateOfBirth
	if err := m.cfg.Profiles.Initialize(ctx, p); err != nil {
		return nil, fmt.Errorf("initialize profile: %w", err)
	}
	if err := m.cfg.Credentials.SaveCredential(ctx, email, hash); err != nil {
		return nil, err
	}

	m.logger.Info("account registered", zap.String("profile_id", email))
	return m.openRegistered(ctx, p.Identity)
}

func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	hash, err := m.cfg.Credentials.PasswordHash(ctx, email)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return m.openRegistered(ctx, ledger.ProfileID(email))
}

// GuestLogin starts an in-memory session with zero credits.
func (m *Manager) GuestLogin(_ context.Context) (*Session, error) {
	p := ledger.NewProfile(ledger.ProfileID(guestPrefix + uuid.NewString()))
	p.DisplayName = guestDisplayName
	p.Guest = true

	l := ledger.New(ledger.Config{
		IDs:    m.cfg.IDs,
		Clock:  m.cfg.Clock,
		Logger: m.logger.With(zap.String("profile_id", string(p.Identity))),
	})
	l.Attach(p)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[p.Identity] = &account{ledger: l}
	return m.newSessionLocked(Identity{ProfileID: p.Identity, Guest: true})
}

// Logout ends the session. Logging out an unknown session is a no-op.
func (m *Manager) Logout(_ context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(sessionID)
}

// openRegistered loads the profile unless another session already holds
// its ledger. A profile missing from the store is initialized with defaults.
func (m *Manager) openRegistered(ctx context.Context, id ledger.ProfileID) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.accounts[id]; ok {
		defer m.mu.Unlock()
		return m.newSessionLocked(Identity{ProfileID: id})
	}
	m.mu.Unlock()

	p, resync, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// another login may have attached while the store was read
	if _, ok := m.accounts[id]; !ok {
		l := ledger.New(ledger.Config{
			Writer: m.cfg.Writer,
			IDs:    m.cfg.IDs,
			Clock:  m.cfg.Clock,
			Logger: m.logger.With(zap.String("profile_id", string(id))),
		})
		l.Attach(p)
		m.accounts[id] = &account{ledger: l}
		delete(m.retained, id)
		if resync {
			m.tracker().Resync(id, p.Patch())
		}
	}
	return m.newSessionLocked(Identity{ProfileID: id})
}

// load returns the profile a new ledger for id should start from. resync
// is set when that is a retained copy the store has not caught up with.
func (m *Manager) load(ctx context.Context, id ledger.ProfileID) (ledger.Profile, bool, error) {
	m.mu.Lock()
	kept, ok := m.retained[id]
	m.mu.Unlock()

	if ok && m.tracker().Dirty(id) {
		m.logger.Warn("store behind retained profile, resyncing", zap.String("profile_id", string(id)))
		return kept, true, nil
	}

	p, err := m.cfg.Profiles.Fetch(ctx, id)
	if errors.Is(err, ledger.ErrProfileNotFound) {
		def := ledger.NewProfile(id)
		def.DisplayName = defaultDisplayName(string(id))
		if err := m.cfg.Profiles.Initialize(ctx, def); err != nil {
			return nil, fmt.Errorf("initialize profile: %w", err)
		}
		m.logger.Warn("profile missing for account, initialized default", zap.String("profile_id", string(id)))
		return def, false, nil
	}
	if err != nil {
		return ledger.Profile{}, false, fmt.Errorf("load profile: %w", err)
	}
	return *p, false, nil
}

// tracker is nil unless the writer can report per-profile progress.
func (m *Manager) tracker() ledger.Tracker {
	t, _ := m.cfg.Writer.(ledger.Tracker)
	return t
}

func (m *Manager) newSessionLocked(id Identity) (*Session, error) {
	acct := m.accounts[id.ProfileID]
	now := m.cfg.Clock()
	s := &Session{
		ID:        ksuid.New().String(),
		Identity:  id,
		ExpiresAt: now.Add(m.cfg.TTL),
		Ledger:    acct.ledger,
	}
	token, err := m.issue(s, now)
	if err != nil {
		if acct.sessions == 0 {
			delete(m.accounts, id.ProfileID)
		}
		return nil, err
	}
	s.Token = token

	acct.sessions++
	m.sessions[s.ID] = s
	m.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("profile_id", string(id.ProfileID)),
		zap.Bool("guest", id.Guest),
	)
	return s, nil
}

func (m *Manager) endLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)

	id := s.Identity.ProfileID
	acct := m.accounts[id]
	acct.sessions--
	if acct.sessions <= 0 {
		if t := m.tracker(); t != nil && !s.Identity.Guest && t.Dirty(id) {
			if p, err := acct.ledger.Snapshot(); err == nil {
				m.retained[id] = p
			}
		}
		acct.ledger.Detach()
		delete(m.accounts, id)
	}
	m.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("profile_id", string(s.Identity.ProfileID)),
	)
}

// =============================================================================
// LOOKUP
// =============================================================================

// Authenticate validates token and returns its live session.
func (m *Manager) Authenticate(token string) (*Session, error) {
	c, err := m.parse(token)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[c.ID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !m.cfg.Clock().Before(s.ExpiresAt) {
		m.endLocked(s.ID)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) CurrentIdentity(sessionID string) (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Identity{}, false
	}
	return s.Identity, true
}

// ExpireSessions ends every session whose expiry is not after now and
// returns how many were ended.
func (m *Manager) ExpireSessions(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			m.endLocked(id)
			n++
		}
	}
	m.pruneRetainedLocked()
	return n
}

// pruneRetainedLocked forgets retained profiles the store has caught up with.
func (m *Manager) pruneRetainedLocked() {
	t := m.tracker()
	for id := range m.retained {
		if t == nil || !t.Dirty(id) {
			delete(m.retained, id)
		}
	}
}

// Retained returns how many logged-out profiles are held until the store
// catches up.
func (m *Manager) Retained() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retained)
}

func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// =============================================================================
// HELPERS
// =============================================================================

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && !strings.HasPrefix(s, guestPrefix)
}

func defaultDisplayName(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
