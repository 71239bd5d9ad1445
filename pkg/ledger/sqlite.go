package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is the embedded single-node backend.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the ledger database at path. Use ":memory:"
// for tests.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return NewSQLiteLedger(db)
}

// NewSQLiteLedger wraps an existing handle and runs migrations.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS passports (
        jti TEXT PRIMARY KEY,
        sub TEXT NOT NULL,
        org_id TEXT NOT NULL DEFAULT '',
        scope TEXT NOT NULL DEFAULT '',
        kid INTEGER NOT NULL,
        iat INTEGER NOT NULL,
        exp INTEGER NOT NULL,
        nonce TEXT NOT NULL DEFAULT '',
        ip_hash TEXT NOT NULL DEFAULT '',
        metrics_tag TEXT NOT NULL DEFAULT '',
        sig TEXT NOT NULL DEFAULT ''
    );
    CREATE TABLE IF NOT EXISTS revocations (
        jti TEXT PRIMARY KEY,
        revoked_at DATETIME NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        by_user TEXT NOT NULL DEFAULT ''
    );
    CREATE TABLE IF NOT EXISTS keys (
        kid INTEGER PRIMARY KEY,
        alg TEXT NOT NULL,
        status TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLedger) SavePassport(ctx context.Context, rec *PassportRecord) error {
	query := `INSERT INTO passports (
		jti, sub, org_id, scope, kid, iat, exp, nonce, ip_hash, metrics_tag, sig
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, query,
		rec.JTI, rec.Sub, rec.OrgID, rec.Scope, rec.KID, rec.IAT, rec.Exp, rec.Nonce, rec.IPHash, rec.MetricsTag, rec.Sig,
	)
	if err != nil {
		return fmt.Errorf("failed to insert passport: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) GetPassport(ctx context.Context, jti string) (*PassportRecord, error) {
	query := `
        SELECT jti, sub, org_id, scope, kid, iat, exp, nonce, ip_hash, metrics_tag, sig
        FROM passports
        WHERE jti = ?
    `
	row := l.db.QueryRowContext(ctx, query, jti)
	rec := &PassportRecord{}
	err := row.Scan(&rec.JTI, &rec.Sub, &rec.OrgID, &rec.Scope, &rec.KID, &rec.IAT, &rec.Exp, &rec.Nonce, &rec.IPHash, &rec.MetricsTag, &rec.Sig)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *SQLiteLedger) Revoke(ctx context.Context, rev *Revocation) error {
	query := `INSERT INTO revocations (jti, revoked_at, reason, by_user)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(jti) DO NOTHING`
	revokedAt := rev.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, query,
		rev.JTI, revokedAt.UTC().Format(time.RFC3339Nano), rev.Reason, rev.ByUser,
	)
	if err != nil {
		return fmt.Errorf("failed to insert revocation: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM revocations WHERE jti = ?`, jti).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *SQLiteLedger) RegisterKey(ctx context.Context, rec *KeyRecord) error {
	query := `INSERT INTO keys (kid, alg, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kid) DO UPDATE SET alg = excluded.alg, status = excluded.status`
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, query,
		rec.KID, rec.Alg, rec.Status, createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to register key: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) RetireKey(ctx context.Context, kid int) error {
	_, err := l.db.ExecContext(ctx, `UPDATE keys SET status = ? WHERE kid = ?`, KeyStatusRetired, kid)
	return err
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
