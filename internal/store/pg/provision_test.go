package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"agentgrid.org/internal/authz"
	"agentgrid.org/internal/provision"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func grantRows(id string, maxUsage, usageCount int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "agent_id", "grantee_type", "grantee_id", "organization_id",
		"granted_by", "granted_by_role", "status", "max_usage", "usage_count",
		"expires_at", "allowed_networks", "created_at", "updated_at",
	}).AddRow(id, "prem-1", "user", "user-1", "acme",
		"admin-1", "network_admin", "active", maxUsage, usageCount,
		nil, []byte(`[]`), now, now)
}

func requestRows(id, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "requester_id", "agent_id", "organization_id", "network_id",
		"status", "reason", "resolver_role", "reviewed_by", "reviewed_at",
		"review_notes", "created_at",
	}).AddRow(id, "user-1", "prem-1", "acme", "net-a",
		status, "need it", "network_admin", "admin-1", now,
		"ok", now)
}

func TestCreateRequestConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into agent_requests").
		WithArgs("r1", "user-1", "prem-1", "acme", sqlmock.AnyArg(),
			provision.RequestPending, "need it", authz.RoleNetworkAdmin, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateRequest(context.Background(), provision.AgentRequest{
		ID:           "r1",
		RequesterID:  "user-1",
		AgentID:      "prem-1",
		Scope:        authz.Scope{OrganizationID: "acme", NetworkID: "net-a"},
		Status:       provision.RequestPending,
		Reason:       "need it",
		ResolverRole: authz.RoleNetworkAdmin,
		CreatedAt:    time.Now().UTC(),
	})
	if !errors.Is(err, provision.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveRequestApproveInsertsGrantInTx(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from agent_requests where id = .* for update").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery("update agent_requests").
		WillReturnRows(requestRows("r1", "approved"))
	mock.ExpectExec("insert into permission_grants").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	now := time.Now().UTC()
	req, grant, err := store.ResolveRequest(context.Background(), "r1", provision.Resolution{
		Status:     provision.RequestApproved,
		ReviewedBy: "admin-1",
		ReviewedAt: now,
		Grant: &provision.PermissionGrant{
			ID:             "g1",
			AgentID:        "prem-1",
			GranteeType:    provision.GranteeUser,
			GranteeID:      "user-1",
			OrganizationID: "acme",
			GrantedBy:      "admin-1",
			GrantedByRole:  authz.RoleNetworkAdmin,
			Status:         provision.GrantActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	})
	if err != nil {
		t.Fatalf("ResolveRequest: %v", err)
	}
	if req.Status != provision.RequestApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if grant == nil || grant.ID != "g1" {
		t.Fatalf("grant = %+v", grant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveRequestNotPending(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from agent_requests").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))
	mock.ExpectRollback()

	_, _, err := store.ResolveRequest(context.Background(), "r1", provision.Resolution{
		Status:     provision.RequestDenied,
		ReviewedBy: "admin-1",
		ReviewedAt: time.Now().UTC(),
	})
	if !errors.Is(err, provision.ErrNotPending) {
		t.Fatalf("expected not pending, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveRequestMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from agent_requests").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.ResolveRequest(context.Background(), "ghost", provision.Resolution{
		Status:     provision.RequestDenied,
		ReviewedBy: "admin-1",
		ReviewedAt: time.Now().UTC(),
	})
	if !errors.Is(err, provision.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordUsageIncrements(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from permission_grants where id = .* for update").
		WithArgs("g1").
		WillReturnRows(grantRows("g1", 5, 2))
	mock.ExpectExec("update permission_grants set usage_count = usage_count \\+ 1").
		WithArgs("g1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	grant, err := store.RecordUsage(context.Background(), "g1", "", time.Now().UTC())
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if grant.Restrictions.UsageCount != 3 {
		t.Fatalf("usage count = %d, want 3", grant.Restrictions.UsageCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordUsageCapReached(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from permission_grants").
		WithArgs("g1").
		WillReturnRows(grantRows("g1", 2, 2))
	mock.ExpectRollback()

	_, err := store.RecordUsage(context.Background(), "g1", "", time.Now().UTC())
	if !errors.Is(err, provision.ErrUsageLimit) {
		t.Fatalf("expected usage limit, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetGrantStatusPrecondition(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from permission_grants").
		WithArgs("g1").
		WillReturnRows(grantRows("g1", 0, 0))
	mock.ExpectExec("update permission_grants set status").
		WithArgs("g1", provision.GrantSuspended, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	grant, err := store.SetGrantStatus(context.Background(), "g1",
		[]provision.GrantStatus{provision.GrantActive}, provision.GrantSuspended, time.Now().UTC())
	if err != nil {
		t.Fatalf("SetGrantStatus: %v", err)
	}
	if grant.Status != provision.GrantSuspended {
		t.Fatalf("status = %s", grant.Status)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from permission_grants").
		WithArgs("g1").
		WillReturnRows(grantRows("g1", 0, 0)) // still reads active here
	mock.ExpectRollback()

	_, err = store.SetGrantStatus(context.Background(), "g1",
		[]provision.GrantStatus{provision.GrantSuspended}, provision.GrantActive, time.Now().UTC())
	if !errors.Is(err, provision.ErrGrantNotActive) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetGrantNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select .* from permission_grants where id").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetGrant(context.Background(), "ghost")
	if !errors.Is(err, provision.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListRequestsFilterBuildsWhere(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select .* from agent_requests where requester_id = \\$1 and status = \\$2").
		WithArgs("user-1", provision.RequestPending).
		WillReturnRows(requestRows("r1", "pending"))

	got, err := store.ListRequests(context.Background(), provision.RequestFilter{
		RequesterID: "user-1",
		Status:      provision.RequestPending,
	})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" || got[0].Scope.NetworkID != "net-a" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
