package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLedger is the shared multi-node backend.
type PostgresLedger struct {
	db *sql.DB
}

// OpenPostgres connects to the given DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return NewPostgresLedger(db)
}

// NewPostgresLedger wraps an existing handle and runs migrations.
func NewPostgresLedger(db *sql.DB) (*PostgresLedger, error) {
	l := &PostgresLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS passports (
        jti TEXT PRIMARY KEY,
        sub TEXT NOT NULL,
        org_id TEXT NOT NULL DEFAULT '',
        scope TEXT NOT NULL DEFAULT '',
        kid INTEGER NOT NULL,
        iat BIGINT NOT NULL,
        exp BIGINT NOT NULL,
        nonce TEXT NOT NULL DEFAULT '',
        ip_hash TEXT NOT NULL DEFAULT '',
        metrics_tag TEXT NOT NULL DEFAULT '',
        sig TEXT NOT NULL DEFAULT ''
    );
    CREATE TABLE IF NOT EXISTS revocations (
        jti TEXT PRIMARY KEY,
        revoked_at TIMESTAMPTZ NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        by_user TEXT NOT NULL DEFAULT ''
    );
    CREATE TABLE IF NOT EXISTS keys (
        kid INTEGER PRIMARY KEY,
        alg TEXT NOT NULL,
        status TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    );`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *PostgresLedger) SavePassport(ctx context.Context, rec *PassportRecord) error {
	query := `INSERT INTO passports (
		jti, sub, org_id, scope, kid, iat, exp, nonce, ip_hash, metrics_tag, sig
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := l.db.ExecContext(ctx, query,
		rec.JTI, rec.Sub, rec.OrgID, rec.Scope, rec.KID, rec.IAT, rec.Exp, rec.Nonce, rec.IPHash, rec.MetricsTag, rec.Sig,
	)
	if err != nil {
		return fmt.Errorf("failed to insert passport: %w", err)
	}
	return nil
}

func (l *PostgresLedger) GetPassport(ctx context.Context, jti string) (*PassportRecord, error) {
	query := `
        SELECT jti, sub, org_id, scope, kid, iat, exp, nonce, ip_hash, metrics_tag, sig
        FROM passports
        WHERE jti = $1
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

func (l *PostgresLedger) Revoke(ctx context.Context, rev *Revocation) error {
	query := `INSERT INTO revocations (jti, revoked_at, reason, by_user)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (jti) DO NOTHING`
	revokedAt := rev.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, query, rev.JTI, revokedAt.UTC(), rev.Reason, rev.ByUser)
	if err != nil {
		return fmt.Errorf("failed to insert revocation: %w", err)
	}
	return nil
}

func (l *PostgresLedger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM revocations WHERE jti = $1`, jti).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *PostgresLedger) RegisterKey(ctx context.Context, rec *KeyRecord) error {
	query := `INSERT INTO keys (kid, alg, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kid) DO UPDATE SET alg = EXCLUDED.alg, status = EXCLUDED.status`
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, query, rec.KID, rec.Alg, rec.Status, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to register key: %w", err)
	}
	return nil
}

func (l *PostgresLedger) RetireKey(ctx context.Context, kid int) error {
	_, err := l.db.ExecContext(ctx, `UPDATE keys SET status = $1 WHERE kid = $2`, KeyStatusRetired, kid)
	return err
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
