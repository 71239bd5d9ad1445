// Package ledger persists issued passports, the revocation list, and the
// signing-key registry. Two backends share one interface: embedded SQLite for
// single-node deployments and Postgres for shared ones.
package ledger

import (
	"context"
	"time"
)

// PassportRecord is the durable trace of one issued token.
type PassportRecord struct {
	JTI        string
	Sub        string
	OrgID      string
	Scope      string
	KID        int
	IAT        int64
	Exp        int64
	Nonce      string
	IPHash     string
	MetricsTag string
	Sig        string
}

// Revocation marks a token id as withdrawn.
type Revocation struct {
	JTI       string
	RevokedAt time.Time
	Reason    string
	ByUser    string
}

// KeyRecord tracks a signing key's lifecycle in the registry.
type KeyRecord struct {
	KID       int
	Alg       string
	Status    string
	CreatedAt time.Time
}

// Key lifecycle states.
const (
	KeyStatusActive  = "active"
	KeyStatusRetired = "retired"
)

// Ledger is the persistence surface the attestation facade depends on.
type Ledger interface {
	// SavePassport records an issued token. JTI collisions are an error.
	SavePassport(ctx context.Context, rec *PassportRecord) error
	// GetPassport returns the record for a token id, or nil when unknown.
	GetPassport(ctx context.Context, jti string) (*PassportRecord, error)
	// Revoke inserts a revocation. Revoking an already revoked id is a no-op.
	Revoke(ctx context.Context, rev *Revocation) error
	// IsRevoked reports whether a token id has been revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// RegisterKey upserts a key registry entry.
	RegisterKey(ctx context.Context, rec *KeyRecord) error
	// RetireKey marks a key as retired.
	RetireKey(ctx context.Context, kid int) error
	// Close releases the underlying database handle.
	Close() error
}
