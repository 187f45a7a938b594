// Package pgstore implements the identity and credential stores on
// Postgres. Every write is a single statement, so each item mutated by the
// reconciliation jobs commits independently, and concurrent first sign-ins
// for the same subject converge on one row through the unique indexes.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/StricklySoft/clinic-auth/pkg/clients/postgres"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// DB is the query surface of *postgres.Client.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ DB = (*postgres.Client)(nil)

// Store implements identity.IdentityStore and identity.CredentialStore.
type Store struct {
	db    DB
	newID func() string
}

var (
	_ identity.IdentityStore   = (*Store)(nil)
	_ identity.CredentialStore = (*Store)(nil)
)

// New returns a Store over db.
func New(db DB) *Store {
	return &Store{db: db, newID: func() string { return uuid.NewString() }}
}

const identityColumns = `id, external_id, email, display_name, role, tenant_id, is_active, last_authenticated_at, created_at`

const (
	sqlFindByExternalID = `SELECT ` + identityColumns + ` FROM identities WHERE external_id = $1`
	sqlFindByEmail      = `SELECT ` + identityColumns + ` FROM identities WHERE lower(email) = lower($1)`
	sqlFindByID         = `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`

	sqlLinkExternalID = `UPDATE identities SET external_id = $2
		WHERE id = $1 AND (external_id IS NULL OR external_id = $2)`

	sqlInsertIdentity = `INSERT INTO identities
		(id, external_id, email, display_name, role, tenant_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING ` + identityColumns

	sqlTouchLastAuthenticated = `UPDATE identities SET last_authenticated_at = $2 WHERE id = $1`

	sqlListLinked = `SELECT ` + identityColumns + ` FROM identities
		WHERE external_id IS NOT NULL AND id > $1
		ORDER BY id LIMIT $2`
)

func scanIdentity(row pgx.Row) (*identity.LocalIdentity, error) {
	var (
		li   identity.LocalIdentity
		role string
	)
	err := row.Scan(&li.ID, &li.ExternalID, &li.Email, &li.DisplayName, &role,
		&li.TenantID, &li.IsActive, &li.LastAuthenticatedAt, &li.CreatedAt)
	if err != nil {
		return nil, err
	}
	li.Role = identity.Role(role)
	return &li, nil
}

func (s *Store) findOne(ctx context.Context, sql, what string, arg string) (*identity.LocalIdentity, error) {
	li, err := scanIdentity(s.db.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sserr.Newf(sserr.CodeNotFoundIdentity, "pgstore: no identity with %s", what)
	}
	if err != nil {
		return nil, postgres.WrapError(err, "pgstore: find identity by "+what)
	}
	return li, nil
}

// FindByExternalID looks an identity up by external subject.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*identity.LocalIdentity, error) {
	return s.findOne(ctx, sqlFindByExternalID, "external id", externalID)
}

// FindByEmail looks an identity up by email, case-insensitively.
func (s *Store) FindByEmail(ctx context.Context, email string) (*identity.LocalIdentity, error) {
	return s.findOne(ctx, sqlFindByEmail, "email", identity.NormalizeEmail(email))
}

// FindByID looks an identity up by local id.
func (s *Store) FindByID(ctx context.Context, id string) (*identity.LocalIdentity, error) {
	return s.findOne(ctx, sqlFindByID, "id", id)
}

// LinkExternalID backfills the external id of an email-only identity.
// Relinking to the same value is a no-op success, so concurrent backfills
// of the same row converge.
func (s *Store) LinkExternalID(ctx context.Context, id, externalID string) error {
	tag, err := s.db.Exec(ctx, sqlLinkExternalID, id, externalID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sserr.Wrap(err, sserr.CodeConflictExternalIDLinked,
				"pgstore: external id is linked to another identity")
		}
		return postgres.WrapError(err, "pgstore: link external id")
	}
	if tag.RowsAffected() == 0 {
		return sserr.New(sserr.CodeConflictExternalIDLinked,
			"pgstore: identity is missing or linked to a different external id").
			WithDetail("identity_id", id)
	}
	return nil
}

// CreateIfAbsent inserts candidate with ON CONFLICT DO NOTHING. When a
// concurrent writer won, the winning row is read back and returned with
// created == false.
func (s *Store) CreateIfAbsent(ctx context.Context, c identity.LocalIdentity) (*identity.LocalIdentity, bool, error) {
	if c.ID == "" {
		c.ID = s.newID()
	}
	if c.Email != nil {
		normalized := identity.NormalizeEmail(*c.Email)
		c.Email = &normalized
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	li, err := scanIdentity(s.db.QueryRow(ctx, sqlInsertIdentity,
		c.ID, c.ExternalID, c.Email, c.DisplayName, string(c.Role), c.TenantID, c.IsActive, c.CreatedAt))
	if err == nil {
		return li, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, postgres.WrapError(err, "pgstore: insert identity")
	}

	if ext := c.ExternalIDValue(); ext != "" {
		existing, err := s.FindByExternalID(ctx, ext)
		if err == nil {
			return existing, false, nil
		}
		if !sserr.IsNotFound(err) {
			return nil, false, err
		}
	}
	if email := c.EmailValue(); email != "" {
		existing, err := s.FindByEmail(ctx, email)
		if err == nil {
			return existing, false, nil
		}
		if !sserr.IsNotFound(err) {
			return nil, false, err
		}
	}
	return nil, false, sserr.New(sserr.CodeInternalDatabase,
		"pgstore: insert conflicted but no conflicting identity was found")
}

// TouchLastAuthenticated records a successful sign-in.
func (s *Store) TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, sqlTouchLastAuthenticated, id, at)
	if err != nil {
		return postgres.WrapError(err, "pgstore: touch last authenticated")
	}
	if tag.RowsAffected() == 0 {
		return sserr.New(sserr.CodeNotFoundIdentity, "pgstore: identity not found").WithDetail("identity_id", id)
	}
	return nil
}

// ListLinked pages identities with an external id in id order.
func (s *Store) ListLinked(ctx context.Context, afterID string, limit int) ([]identity.LocalIdentity, error) {
	rows, err := s.db.Query(ctx, sqlListLinked, afterID, limit)
	if err != nil {
		return nil, postgres.WrapError(err, "pgstore: list linked identities")
	}
	defer rows.Close()

	var out []identity.LocalIdentity
	for rows.Next() {
		li, err := scanIdentity(rows)
		if err != nil {
			return nil, postgres.WrapError(err, "pgstore: scan identity")
		}
		out = append(out, *li)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.WrapError(err, "pgstore: list linked identities")
	}
	return out, nil
}
