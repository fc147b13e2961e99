/*
store.go - Persistence contract for profiles

PURPOSE:
  Defines the boundary between the ledger and the durable copy of a
  profile. The ledger never reads the store during a session: the in-memory
  profile is authoritative, and the store only receives write-through
  patches.

PARTIAL UPDATES:
  Update must apply only the populated fields of a ProfilePatch. Owned
  titles, entries, stats and balance are written independently.

IMPLEMENTATIONS:
  - ledger/store/memory.go:   In-memory for tests and dev
  - store/sqlite/sqlite.go:   SQLite
  - store/supabase/supabase.go: Supabase PostgREST
*/
package ledger

import "context"

// ProfileStore holds the durable copy of each profile.
type ProfileStore interface {
	// Fetch returns the stored profile or ErrProfileNotFound.
	Fetch(ctx context.Context, id ProfileID) (*Profile, error)

	// Initialize creates the profile if absent. An existing profile is left as is.
	Initialize(ctx context.Context, p Profile) error

	// Update applies the populated fields of patch. Returns ErrProfileNotFound
	// when the identity has no stored profile.
	Update(ctx context.Context, id ProfileID, patch ProfilePatch) error
}

// CredentialStore persists password hashes for registered accounts.
// Stores that hold profiles usually implement it as well.
type CredentialStore interface {
	// SaveCredential stores hash for email. Returns ErrAccountExists if taken.
	SaveCredential(ctx context.Context, email string, hash []byte) error

	// PasswordHash returns the stored hash or ErrAccountNotFound.
	PasswordHash(ctx context.Context, email string) ([]byte, error)
}
