/*
Package supabase provides a ProfileStore and CredentialStore backed by a
Supabase project, talking to its PostgREST endpoint.

TABLES:
  profiles:    identity (PK), display_name, surname, dob, avatar,
               owned_titles (jsonb), entries (jsonb), stats (jsonb),
               balance (numeric)
  credentials: email (PK), password_hash (base64 text)

REQUESTS:
  Fetch      GET   /rest/v1/profiles?identity=eq.<id>
  Initialize POST  /rest/v1/profiles   Prefer: resolution=ignore-duplicates
  Update     PATCH /rest/v1/profiles?identity=eq.<id>  (populated fields only)

  PATCH asks for return=representation; an empty array means no row
  matched and is reported as ledger.ErrProfileNotFound.
*/
package supabase

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chat997709/nexus/ledger"
)

const (
	maxResponseBytes  = 8 << 20  // 8 MiB
	maxErrorBodyBytes = 32 << 10 // 32 KiB

	profilesTable    = "profiles"
	credentialsTable = "credentials"
)

// APIError is returned for HTTP responses with status >= 400.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase API error %d: %s", e.Status, e.Body)
}

// Unwrap reports 4xx answers other than 408 and 429 as
// ledger.ErrStoreRejected: sending the same request again cannot succeed.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return nil
	case e.Status >= 400 && e.Status < 500:
		return ledger.ErrStoreRejected
	}
	return nil
}

type Config struct {
	URL        string
	Key        string
	HTTPClient *http.Client // default: 30s timeout, TLS 1.2+
}

// Client implements ledger.ProfileStore and ledger.CredentialStore.
type Client struct {
	url        string
	key        string
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase URL is required")
	}
	if cfg.Key == "" {
		return nil, errors.New("supabase key is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("supabase URL %q is not a valid URL", cfg.URL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport
		if base, ok := http.DefaultTransport.(*http.Transport); ok {
			cloned := base.Clone()
			cloned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			transport = cloned
		}
		hc = &http.Client{Timeout: 30 * time.Second, Transport: transport}
	}

	return &Client{
		url:        strings.TrimRight(cfg.URL, "/"),
		key:        cfg.Key,
		httpClient: hc,
	}, nil
}

// =============================================================================
// ROWS
// =============================================================================

type profileRow struct {
	Identity    string               `json:"identity"`
	DisplayName string               `json:"display_name"`
	Surname     string               `json:"surname"`
	DateOfBirth string               `json:"dob"`
	Avatar      string               `json:"avatar"`
	OwnedTitles []ledger.TitleID     `json:"owned_titles"`
	Entries     []ledger.Transaction `json:"entries"`
	Stats       ledger.Stats         `json:"stats"`
	Balance     decimal.Decimal      `json:"balance"`
}

func toRow(p ledger.Profile) profileRow {
	entries := p.Entries
	if entries == nil {
		entries = []ledger.Transaction{}
	}
	return profileRow{
		Identity:    string(p.Identity),
		DisplayName: p.DisplayName,
		Surname:     p.Surname,
		DateOfBirth: p.DateOfBirth,
		Avatar:      p.Avatar,
		OwnedTitles: p.Library.IDs(),
		Entries:     entries,
		Stats:       p.Stats,
		Balance:     p.Balance,
	}
}

func (r profileRow) profile() *ledger.Profile {
	p := ledger.NewProfile(ledger.ProfileID(r.Identity))
	p.DisplayName = r.DisplayName
	p.Surname = r.Surname
	p.DateOfBirth = r.DateOfBirth
	p.Avatar = r.Avatar
	p.Library = ledger.NewLibrary(r.OwnedTitles...)
	if r.Entries != nil {
		p.Entries = r.Entries
	}
	p.Stats = r.Stats
	p.Balance = r.Balance
	return &p
}

// patchBody maps populated patch fields to column names.
func patchBody(patch ledger.ProfilePatch) map[string]any {
	body := make(map[string]any)
	if patch.DisplayName != nil {
		body["display_name"] = *patch.DisplayName
	}
	if patch.Surname != nil {
		body["surname"] = *patch.Surname
	}
	if patch.DateOfBirth != nil {
		body["dob"] = *patch.DateOfBirth
	}
	if patch.Avatar != nil {
		body["avatar"] = *patch.Avatar
	}
	if patch.OwnedTitles != nil {
		body["owned_titles"] = patch.OwnedTitles
	}
	if patch.Entries != nil {
		body["entries"] = patch.Entries
	}
	if patch.Balance != nil {
		body["balance"] = *patch.Balance
	}
	if patch.Stats != nil {
		body["stats"] = *patch.Stats
	}
	return body
}

// =============================================================================
// PROFILE STORE
// =============================================================================

func (c *Client) Fetch(ctx context.Context, id ledger.ProfileID) (*ledger.Profile, error) {
	q := url.Values{"identity": {"eq." + string(id)}, "select": {"*"}}
	data, err := c.request(ctx, http.MethodGet, profilesTable, nil, q, "")
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", id, err)
	}

	var rows []profileRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ledger.ErrProfileNotFound
	}
	return rows[0].profile(), nil
}

func (c *Client) Initialize(ctx context.Context, p ledger.Profile) error {
	_, err := c.request(ctx, http.MethodPost, profilesTable, toRow(p), nil,
		"resolution=ignore-duplicates,return=minimal")
	if err != nil {
		return fmt.Errorf("initialize profile %s: %w", p.Identity, err)
	}
	return nil
}

func (c *Client) Update(ctx context.Context, id ledger.ProfileID, patch ledger.ProfilePatch) error {
	body := patchBody(patch)
	if len(body) == 0 {
		return nil
	}

	q := url.Values{"identity": {"eq." + string(id)}}
	data, err := c.request(ctx, http.MethodPatch, profilesTable, body, q, "return=representation")
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decode update of %s: %w", id, err)
	}
	if len(rows) == 0 {
		return ledger.ErrProfileNotFound
	}
	return nil
}

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

type credentialRow struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
}

func (c *Client) SaveCredential(ctx context.Context, email string, hash []byte) error {
	row := credentialRow{Email: email, PasswordHash: base64.StdEncoding.EncodeToString(hash)}
	_, err := c.request(ctx, http.MethodPost, credentialsTable, row, nil, "return=minimal")
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return ledger.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (c *Client) PasswordHash(ctx context.Context, email string) ([]byte, error) {
	q := url.Values{"email": {"eq." + email}, "select": {"password_hash"}}
	data, err := c.request(ctx, http.MethodGet, credentialsTable, nil, q, "")
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	var rows []credentialRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if len(rows) == 0 {
		return nil, ledger.ErrAccountNotFound
	}
	return base64.StdEncoding.DecodeString(rows[0].PasswordHash)
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) request(ctx context.Context, method, table string, body any, query url.Values, prefer string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.url, table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, truncated, readErr := readLimited(resp.Body, maxErrorBodyBytes)
		if readErr != nil {
			return nil, fmt.Errorf("read error response: %w", readErr)
		}
		text := strings.TrimSpace(string(msg))
		if truncated {
			text += "...(truncated)"
		}
		return nil, &APIError{Status: resp.StatusCode, Body: text}
	}

	data, truncated, err := readLimited(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if truncated {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}
	return data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
