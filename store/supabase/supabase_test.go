package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat997709/nexus/ledger"
)

// =============================================================================
// FAKE POSTGREST
// =============================================================================

type fakeRest struct {
	mu       sync.Mutex
	profiles map[string]map[string]any
	creds    map[string]credentialRow
	requests []*http.Request
	prefers  []string
}

func newFakeRest() *fakeRest {
	return &fakeRest{profiles: map[string]map[string]any{}, creds: map[string]credentialRow{}}
}

func (f *fakeRest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	f.prefers = append(f.prefers, r.Header.Get("Prefer"))

	if r.Header.Get("apikey") != "test-key" || r.Header.Get("Authorization") != "Bearer test-key" {
		http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)
	switch r.URL.Path {
	case "/rest/v1/profiles":
		f.profilesHandler(w, r, body)
	case "/rest/v1/credentials":
		f.credentialsHandler(w, r, body)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRest) profilesHandler(w http.ResponseWriter, r *http.Request, body []byte) {
	id := strings.TrimPrefix(r.URL.Query().Get("identity"), "eq.")
	switch r.Method {
	case http.MethodGet:
		rows := []map[string]any{}
		if row, ok := f.profiles[id]; ok {
			rows = append(rows, row)
		}
		json.NewEncoder(w).Encode(rows)
	case http.MethodPost:
		var row map[string]any
		json.Unmarshal(body, &row)
		key := row["identity"].(string)
		if _, ok := f.profiles[key]; !ok {
			f.profiles[key] = row
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		row, ok := f.profiles[id]
		if !ok {
			w.Write([]byte(`[]`))
			return
		}
		var patch map[string]any
		json.Unmarshal(body, &patch)
		for k, v := range patch {
			row[k] = v
		}
		json.NewEncoder(w).Encode([]map[string]any{row})
	}
}

func (f *fakeRest) credentialsHandler(w http.ResponseWriter, r *http.Request, body []byte) {
	switch r.Method {
	case http.MethodGet:
		email := strings.TrimPrefix(r.URL.Query().Get("email"), "eq.")
		rows := []credentialRow{}
		if row, ok := f.creds[email]; ok {
			rows = append(rows, row)
		}
		json.NewEncoder(w).Encode(rows)
	case http.MethodPost:
		var row credentialRow
		json.Unmarshal(body, &row)
		if _, ok := f.creds[row.Email]; ok {
			http.Error(w, `{"code":"23505","message":"duplicate key"}`, http.StatusConflict)
			return
		}
		f.creds[row.Email] = row
		w.WriteHeader(http.StatusCreated)
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL + "/", Key: "test-key", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

// =============================================================================
// TESTS
// =============================================================================

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Key: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "https://x.supabase.co"})
	assert.Error(t, err)
	_, err = New(Config{URL: "not a url", Key: "k"})
	assert.Error(t, err)
}

func TestClient_ProfileLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRest()
	c := newTestClient(t, fake)

	_, err := c.Fetch(ctx, "a@nexus.play")
	require.ErrorIs(t, err, ledger.ErrProfileNotFound)

	p := ledger.NewProfile("a@nexus.play")
	p.DisplayName = "Player"
	p.Balance = decimal.RequireFromString("50")
	require.NoError(t, c.Initialize(ctx, p))

	// create-if-absent: a second initialize keeps the first row
	other := ledger.NewProfile("a@nexus.play")
	require.NoError(t, c.Initialize(ctx, other))

	balance := decimal.RequireFromString("20")
	stats := ledger.Stats{TitlesOwned: 1}
	require.NoError(t, c.Update(ctx, "a@nexus.play", ledger.ProfilePatch{
		OwnedTitles: []ledger.TitleID{"A"},
		Entries:     []ledger.Transaction{{ID: "tx-1", Kind: ledger.KindPurchase, Amount: decimal.NewFromInt(30), Memo: "Title A"}},
		Balance:     &balance,
		Stats:       &stats,
	}))

	got, err := c.Fetch(ctx, "a@nexus.play")
	require.NoError(t, err)
	assert.Equal(t, "Player", got.DisplayName)
	assert.Equal(t, "20.00", got.Balance.StringFixed(2))
	assert.True(t, got.Library.Has("A"))
	assert.Equal(t, 1, got.Stats.TitlesOwned)
	require.Len(t, got.Entries, 1)
	assert.True(t, got.Entries[0].Amount.Equal(decimal.NewFromInt(30)))

	assert.Contains(t, fake.prefers, "resolution=ignore-duplicates,return=minimal")
	assert.Contains(t, fake.prefers, "return=representation")
}

func TestClient_UpdateSendsOnlyPatchedFields(t *testing.T) {
	var sent map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.a@nexus.play", r.URL.Query().Get("identity"))
		json.NewDecoder(r.Body).Decode(&sent)
		w.Write([]byte(`[{"identity":"a@nexus.play"}]`))
	}))
	name := "Nova"

	require.NoError(t, c.Update(context.Background(), "a@nexus.play", ledger.ProfilePatch{DisplayName: &name}))
	assert.Equal(t, map[string]any{"display_name": "Nova"}, sent)
}

func TestClient_UpdateUnknownProfile(t *testing.T) {
	c := newTestClient(t, newFakeRest())
	b := decimal.NewFromInt(1)

	err := c.Update(context.Background(), "ghost@nexus.play", ledger.ProfilePatch{Balance: &b})
	assert.ErrorIs(t, err, ledger.ErrProfileNotFound)
}

func TestClient_HTTPErrorCarriesStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))

	_, err := c.Fetch(context.Background(), "a@nexus.play")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Contains(t, apiErr.Body, "upstream down")
	assert.False(t, ledger.IsNotFound(err))
}

func TestClient_UpdateRejectionIsNotRetried(t *testing.T) {
	// GIVEN: a PostgREST that rejects the update body
	// WHEN: the write-through applies a patch through the client
	// THEN: the error is a store rejection and the writer sends it once

	var calls int
	var mu sync.Mutex
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, `{"message":"column \"credits\" is of type numeric"}`, http.StatusBadRequest)
	}))

	var res []ledger.WriteResult
	w := ledger.NewWriter(c, ledger.WriterConfig{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		OnComplete:      func(r ledger.WriteResult) { res = append(res, r) },
	})
	w.Start()
	b := decimal.NewFromInt(1)
	w.Submit("a@nexus.play", ledger.ProfilePatch{Balance: &b})
	require.NoError(t, w.Close(context.Background()))

	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, ledger.ErrStoreRejected)
	assert.Equal(t, 1, res[0].Attempts)
	assert.Equal(t, 1, calls)
}

func TestAPIError_Rejected(t *testing.T) {
	for status, rejected := range map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnauthorized:        true,
		http.StatusUnprocessableEntity: true,
		http.StatusRequestTimeout:      false,
		http.StatusTooManyRequests:     false,
		http.StatusBadGateway:          false,
	} {
		err := fmt.Errorf("update profile: %w", &APIError{Status: status})
		assert.Equal(t, rejected, errors.Is(err, ledger.ErrStoreRejected), "status %d", status)
	}
}

func TestClient_Credentials(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeRest())

	require.NoError(t, c.SaveCredential(ctx, "a@nexus.play", []byte{0x01, 0xff}))
	assert.ErrorIs(t, c.SaveCredential(ctx, "a@nexus.play", []byte{0x02}), ledger.ErrAccountExists)

	h, err := c.PasswordHash(ctx, "a@nexus.play")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xff}, h)

	_, err = c.PasswordHash(ctx, "b@nexus.play")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
