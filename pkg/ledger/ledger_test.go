package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func samplePassport(jti string) *PassportRecord {
	return &PassportRecord{
		JTI:        jti,
		Sub:        "user-1",
		OrgID:      "org-9",
		Scope:      "db.query tool:news.run",
		KID:        1,
		IAT:        1700000000,
		Exp:        1700000600,
		Nonce:      "abc123",
		IPHash:     "deadbeef",
		MetricsTag: "tag",
		Sig:        "c2ln",
	}
}

func TestSaveGetPassport(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.SavePassport(ctx, samplePassport("jti-1")))

	got, err := l.GetPassport(ctx, "jti-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.Sub)
	assert.Equal(t, "org-9", got.OrgID)
	assert.Equal(t, int64(1700000600), got.Exp)
	assert.Equal(t, 1, got.KID)
}

func TestGetPassport_Unknown(t *testing.T) {
	l := newTestLedger(t)

	got, err := l.GetPassport(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSavePassport_DuplicateJTI(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.SavePassport(ctx, samplePassport("jti-1")))
	assert.Error(t, l.SavePassport(ctx, samplePassport("jti-1")))
}

func TestRevoke_Idempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	revoked, err := l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, l.Revoke(ctx, &Revocation{JTI: "jti-1", Reason: "compromised", ByUser: "admin"}))
	require.NoError(t, l.Revoke(ctx, &Revocation{JTI: "jti-1", Reason: "again"}))

	revoked, err = l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestKeyRegistry(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RegisterKey(ctx, &KeyRecord{
		KID:       1,
		Alg:       "Ed25519",
		Status:    KeyStatusActive,
		CreatedAt: time.Now(),
	}))

	// upsert keeps the kid unique
	require.NoError(t, l.RegisterKey(ctx, &KeyRecord{KID: 1, Alg: "Ed25519", Status: KeyStatusActive}))

	require.NoError(t, l.RetireKey(ctx, 1))
}
