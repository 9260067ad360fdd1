package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentgrid.org/internal/provision"
)

var _ provision.Store = (*Store)(nil)

const requestColumns = `id, requester_id, agent_id, organization_id, network_id, status, reason, resolver_role, reviewed_by, reviewed_at, review_notes, created_at`

const grantColumns = `id, agent_id, grantee_type, grantee_id, organization_id, granted_by, granted_by_role, status, max_usage, usage_count, expires_at, allowed_networks, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (provision.AgentRequest, error) {
	var (
		req        provision.AgentRequest
		networkID  sql.NullString
		reviewedBy sql.NullString
		reviewedAt sql.NullTime
		notes      sql.NullString
	)
	err := row.Scan(
		&req.ID, &req.RequesterID, &req.AgentID,
		&req.Scope.OrganizationID, &networkID,
		&req.Status, &req.Reason, &req.ResolverRole,
		&reviewedBy, &reviewedAt, &notes, &req.CreatedAt,
	)
	if err != nil {
		return provision.AgentRequest{}, err
	}
	req.Scope.NetworkID = networkID.String
	req.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		req.ReviewedAt = &t
	}
	req.ReviewNotes = notes.String
	return req, nil
}

func scanGrant(row rowScanner) (provision.PermissionGrant, error) {
	var (
		grant       provision.PermissionGrant
		expiresAt   sql.NullTime
		rawNetworks []byte
	)
	err := row.Scan(
		&grant.ID, &grant.AgentID, &grant.GranteeType, &grant.GranteeID,
		&grant.OrganizationID, &grant.GrantedBy, &grant.GrantedByRole,
		&grant.Status, &grant.Restrictions.MaxUsage, &grant.Restrictions.UsageCount,
		&expiresAt, &rawNetworks, &grant.CreatedAt, &grant.UpdatedAt,
	)
	if err != nil {
		return provision.PermissionGrant{}, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		grant.Restrictions.ExpiresAt = &t
	}
	if len(rawNetworks) > 0 {
		if err := json.Unmarshal(rawNetworks, &grant.Restrictions.AllowedNetworks); err != nil {
			return provision.PermissionGrant{}, fmt.Errorf("decode allowed_networks: %w", err)
		}
	}
	return grant, nil
}

func networksJSON(networks []string) ([]byte, error) {
	if len(networks) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(networks)
}

func (s *Store) CreateRequest(ctx context.Context, req provision.AgentRequest) (provision.AgentRequest, error) {
	if s.db == nil {
		return provision.AgentRequest{}, errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into agent_requests (id, requester_id, agent_id, organization_id, network_id, status, reason, resolver_role, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, req.RequesterID, req.AgentID, req.Scope.OrganizationID, nullIfEmpty(req.Scope.NetworkID),
		req.Status, req.Reason, req.ResolverRole, req.CreatedAt)
	if err != nil {
		// The partial unique index on (requester_id, agent_id) where
		// status = 'pending' makes the duplicate-pending check atomic.
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return provision.AgentRequest{}, provision.ErrConflict
		}
		return provision.AgentRequest{}, err
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (provision.AgentRequest, error) {
	if s.db == nil {
		return provision.AgentRequest{}, errors.New("database connection unavailable")
	}
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		select `+requestColumns+` from agent_requests where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return provision.AgentRequest{}, provision.ErrNotFound
	}
	return req, err
}

func (s *Store) ListRequests(ctx context.Context, filter provision.RequestFilter) ([]provision.AgentRequest, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		conds []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.RequesterID != "" {
		add("requester_id", filter.RequesterID)
	}
	if filter.AgentID != "" {
		add("agent_id", filter.AgentID)
	}
	if filter.OrganizationID != "" {
		add("organization_id", filter.OrganizationID)
	}
	if filter.NetworkID != "" {
		add("network_id", filter.NetworkID)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	query := `select ` + requestColumns + ` from agent_requests`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	query += ` order by created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []provision.AgentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ResolveRequest(ctx context.Context, id string, res provision.Resolution) (provision.AgentRequest, *provision.PermissionGrant, error) {
	if s.db == nil {
		return provision.AgentRequest{}, nil, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return provision.AgentRequest{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the request row so a concurrent resolve serializes here and
	// then fails the pending check.
	var status provision.RequestStatus
	err = tx.QueryRowContext(ctx, `
		select status from agent_requests where id = $1 for update
	`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return provision.AgentRequest{}, nil, provision.ErrNotFound
	}
	if err != nil {
		return provision.AgentRequest{}, nil, err
	}
	if status != provision.RequestPending {
		return provision.AgentRequest{}, nil, provision.ErrNotPending
	}

	req, err := scanRequest(tx.QueryRowContext(ctx, `
		update agent_requests
		set status = $2, reviewed_by = $3, reviewed_at = $4, review_notes = $5
		where id = $1
		returning `+requestColumns+`
	`, id, res.Status, res.ReviewedBy, res.ReviewedAt, nullIfEmpty(res.Notes)))
	if err != nil {
		return provision.AgentRequest{}, nil, err
	}

	var grant *provision.PermissionGrant
	if res.Grant != nil {
		created, err := insertGrant(ctx, tx, *res.Grant)
		if err != nil {
			return provision.AgentRequest{}, nil, err
		}
		grant = &created
	}
	if err := tx.Commit(); err != nil {
		return provision.AgentRequest{}, nil, err
	}
	return req, grant, nil
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertGrant(ctx context.Context, db execQueryer, grant provision.PermissionGrant) (provision.PermissionGrant, error) {
	networks, err := networksJSON(grant.Restrictions.AllowedNetworks)
	if err != nil {
		return provision.PermissionGrant{}, fmt.Errorf("encode allowed_networks: %w", err)
	}
	var expiresAt sql.NullTime
	if grant.Restrictions.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *grant.Restrictions.ExpiresAt, Valid: true}
	}
	_, err = db.ExecContext(ctx, `
		insert into permission_grants (id, agent_id, grantee_type, grantee_id, organization_id, granted_by, granted_by_role, status, max_usage, usage_count, expires_at, allowed_networks, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, grant.ID, grant.AgentID, grant.GranteeType, grant.GranteeID, grant.OrganizationID,
		grant.GrantedBy, grant.GrantedByRole, grant.Status,
		grant.Restrictions.MaxUsage, grant.Restrictions.UsageCount, expiresAt, networks,
		grant.CreatedAt, grant.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return provision.PermissionGrant{}, provision.ErrConflict
		}
		return provision.PermissionGrant{}, err
	}
	return grant, nil
}

func (s *Store) CreateGrant(ctx context.Context, grant provision.PermissionGrant) (provision.PermissionGrant, error) {
	if s.db == nil {
		return provision.PermissionGrant{}, errors.New("database connection unavailable")
	}
	return insertGrant(ctx, s.db, grant)
}

func (s *Store) GetGrant(ctx context.Context, id string) (provision.PermissionGrant, error) {
	if s.db == nil {
		return provision.PermissionGrant{}, errors.New("database connection unavailable")
	}
	grant, err := scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+` from permission_grants where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return provision.PermissionGrant{}, provision.ErrNotFound
	}
	return grant, err
}

func (s *Store) ListGrants(ctx context.Context, granteeType provision.GranteeType, granteeID string) ([]provision.PermissionGrant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+` from permission_grants
		where grantee_type = $1 and grantee_id = $2
		order by created_at, id
	`, granteeType, granteeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []provision.PermissionGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// lockGrant loads a grant inside tx with its row locked.
func lockGrant(ctx context.Context, tx *sql.Tx, id string) (provision.PermissionGrant, error) {
	grant, err := scanGrant(tx.QueryRowContext(ctx, `
		select `+grantColumns+` from permission_grants where id = $1 for update
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return provision.PermissionGrant{}, provision.ErrNotFound
	}
	return grant, err
}

func (s *Store) RecordUsage(ctx context.Context, id, networkID string, now time.Time) (provision.PermissionGrant, error) {
	if s.db == nil {
		return provision.PermissionGrant{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return provision.PermissionGrant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	grant, err := lockGrant(ctx, tx, id)
	if err != nil {
		return provision.PermissionGrant{}, err
	}
	switch grant.EffectiveStatus(now) {
	case provision.GrantActive:
	case provision.GrantExpired:
		return provision.PermissionGrant{}, provision.ErrGrantExpired
	default:
		return provision.PermissionGrant{}, provision.ErrGrantNotActive
	}
	if !grant.UsableFromNetwork(networkID) {
		return provision.PermissionGrant{}, provision.ErrPermissionDenied
	}
	if grant.Restrictions.MaxUsage > 0 && grant.Restrictions.UsageCount >= grant.Restrictions.MaxUsage {
		return provision.PermissionGrant{}, provision.ErrUsageLimit
	}
	if _, err := tx.ExecContext(ctx, `
		update permission_grants set usage_count = usage_count + 1, updated_at = $2 where id = $1
	`, id, now); err != nil {
		return provision.PermissionGrant{}, err
	}
	if err := tx.Commit(); err != nil {
		return provision.PermissionGrant{}, err
	}
	grant.Restrictions.UsageCount++
	grant.UpdatedAt = now
	return grant, nil
}

func (s *Store) SetGrantStatus(ctx context.Context, id string, from []provision.GrantStatus, to provision.GrantStatus, now time.Time) (provision.PermissionGrant, error) {
	if s.db == nil {
		return provision.PermissionGrant{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return provision.PermissionGrant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	grant, err := lockGrant(ctx, tx, id)
	if err != nil {
		return provision.PermissionGrant{}, err
	}
	effective := grant.EffectiveStatus(now)
	allowed := false
	for _, status := range from {
		if effective == status {
			allowed = true
			break
		}
	}
	if !allowed {
		if effective == provision.GrantExpired {
			return provision.PermissionGrant{}, provision.ErrGrantExpired
		}
		return provision.PermissionGrant{}, provision.ErrGrantNotActive
	}
	if _, err := tx.ExecContext(ctx, `
		update permission_grants set status = $2, updated_at = $3 where id = $1
	`, id, to, now); err != nil {
		return provision.PermissionGrant{}, err
	}
	if err := tx.Commit(); err != nil {
		return provision.PermissionGrant{}, err
	}
	grant.Status = to
	grant.UpdatedAt = now
	return grant, nil
}
