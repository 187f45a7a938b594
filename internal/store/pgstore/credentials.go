package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/clinic-auth/pkg/clients/postgres"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

const credentialColumns = `token, owner_id, issued_at, expires_at, revoked, revoked_at, device_info`

const (
	sqlInsertCredential = `INSERT INTO credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlFindCredential = `SELECT ` + credentialColumns + ` FROM credentials WHERE token = $1`

	sqlOwnersWithDuplicateActive = `SELECT owner_id FROM credentials
		WHERE NOT revoked AND expires_at > $1
		GROUP BY owner_id HAVING count(*) > 1
		ORDER BY owner_id`

	sqlListActiveCredentials = `SELECT ` + credentialColumns + ` FROM credentials
		WHERE owner_id = $1 AND NOT revoked AND expires_at > $2
		ORDER BY issued_at DESC, token DESC`

	// The NOT revoked guard keeps revocation idempotent and preserves the
	// first revoked_at when logout and de-duplication race.
	sqlRevokeCredentials = `UPDATE credentials SET revoked = TRUE, revoked_at = $2
		WHERE token = ANY($1) AND NOT revoked`
)

func scanCredential(row pgx.Row) (*identity.Credential, error) {
	var c identity.Credential
	if err := row.Scan(&c.Token, &c.OwnerID, &c.IssuedAt, &c.ExpiresAt, &c.Revoked, &c.RevokedAt, &c.DeviceInfo); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertCredential records a newly issued credential.
func (s *Store) InsertCredential(ctx context.Context, c identity.Credential) error {
	_, err := s.db.Exec(ctx, sqlInsertCredential,
		c.Token, c.OwnerID, c.IssuedAt, c.ExpiresAt, c.Revoked, c.RevokedAt, c.DeviceInfo)
	if err != nil {
		return postgres.WrapError(err, "pgstore: insert credential")
	}
	return nil
}

// FindCredential loads a credential by token id.
func (s *Store) FindCredential(ctx context.Context, token string) (*identity.Credential, error) {
	c, err := scanCredential(s.db.QueryRow(ctx, sqlFindCredential, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sserr.New(sserr.CodeNotFoundCredential, "pgstore: credential not found")
	}
	if err != nil {
		return nil, postgres.WrapError(err, "pgstore: find credential")
	}
	return c, nil
}

// ListOwnersWithDuplicateActive returns owners with more than one active
// credential at now.
func (s *Store) ListOwnersWithDuplicateActive(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, sqlOwnersWithDuplicateActive, now)
	if err != nil {
		return nil, postgres.WrapError(err, "pgstore: list duplicate credential owners")
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, postgres.WrapError(err, "pgstore: list duplicate credential owners")
	}
	return owners, nil
}

// ListActiveCredentials returns the owner's active credentials, newest
// first.
func (s *Store) ListActiveCredentials(ctx context.Context, ownerID string, now time.Time) ([]identity.Credential, error) {
	rows, err := s.db.Query(ctx, sqlListActiveCredentials, ownerID, now)
	if err != nil {
		return nil, postgres.WrapError(err, "pgstore: list active credentials")
	}
	defer rows.Close()

	var out []identity.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, postgres.WrapError(err, "pgstore: scan credential")
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.WrapError(err, "pgstore: list active credentials")
	}
	return out, nil
}

// RevokeCredentials revokes the given tokens and reports how many changed.
func (s *Store) RevokeCredentials(ctx context.Context, tokens []string, at time.Time) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, sqlRevokeCredentials, tokens, at)
	if err != nil {
		return 0, postgres.WrapError(err, "pgstore: revoke credentials")
	}
	return tag.RowsAffected(), nil
}
