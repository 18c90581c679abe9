package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is a Directory backed by PostgreSQL.
//
// Invites live in their own table with a UNIQUE(target, inviter) constraint,
// so AddInvite is a single `INSERT ... ON CONFLICT DO NOTHING` and
// RemoveInvite a keyed DELETE. Both are atomic and idempotent without any
// read-modify-write of the pending list.
type Postgres struct {
	db *sql.DB
}

var _ Directory = (*Postgres)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	username    TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL UNIQUE,
	public_key  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_invites (
	id          BIGSERIAL PRIMARY KEY,
	target      TEXT NOT NULL REFERENCES identities(username) ON DELETE CASCADE,
	inviter     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	public_key  TEXT NOT NULL,
	signature   TEXT NOT NULL,
	UNIQUE (target, inviter)
);
`

// OpenPostgres connects to dsn and bootstraps the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(12)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(20 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) FindByUsername(ctx context.Context, username string) (Identity, error) {
	return p.findOne(ctx,
		`SELECT username, fingerprint, public_key FROM identities WHERE username = $1`,
		Normalize(username))
}

func (p *Postgres) FindByFingerprint(ctx context.Context, fingerprint string) (Identity, error) {
	return p.findOne(ctx,
		`SELECT username, fingerprint, public_key FROM identities WHERE fingerprint = $1`,
		fingerprint)
}

func (p *Postgres) findOne(ctx context.Context, query, key string) (Identity, error) {
	var id Identity
	err := p.db.QueryRowContext(ctx, query, key).
		Scan(&id.Username, &id.Fingerprint, &id.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("query identity: %w", err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT inviter, fingerprint, public_key, signature
		 FROM pending_invites WHERE target = $1 ORDER BY id`,
		id.Username)
	if err != nil {
		return Identity{}, fmt.Errorf("query pending invites: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inv Invite
		if err := rows.Scan(&inv.Username, &inv.Fingerprint, &inv.PublicKey, &inv.Signature); err != nil {
			return Identity{}, fmt.Errorf("scan pending invite: %w", err)
		}
		id.PendingInvites = append(id.PendingInvites, inv)
	}
	if err := rows.Err(); err != nil {
		return Identity{}, fmt.Errorf("iterate pending invites: %w", err)
	}
	return id, nil
}

func (p *Postgres) Create(ctx context.Context, identity Identity) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO identities (username, fingerprint, public_key) VALUES ($1, $2, $3)`,
		Normalize(identity.Username), identity.Fingerprint, identity.PublicKey)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (p *Postgres) AddInvite(ctx context.Context, targetUsername string, invite Invite) error {
	target := Normalize(targetUsername)

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO pending_invites (target, inviter, fingerprint, public_key, signature)
		 SELECT username, $2, $3, $4, $5 FROM identities WHERE username = $1
		 ON CONFLICT (target, inviter) DO NOTHING`,
		target, Normalize(invite.Username), invite.Fingerprint, invite.PublicKey, invite.Signature)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}

	// Zero rows means either an existing invite (idempotent no-op) or a
	// missing target. Disambiguate so callers see ErrNotFound.
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM identities WHERE username = $1)`, target).
			Scan(&exists)
		if err != nil {
			return fmt.Errorf("check target: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *Postgres) RemoveInvite(ctx context.Context, targetUsername, inviterUsername string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM pending_invites WHERE target = $1 AND inviter = $2`,
		Normalize(targetUsername), Normalize(inviterUsername))
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
