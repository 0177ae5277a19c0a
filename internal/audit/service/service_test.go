package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/iapsync/internal/audit/domain"
	"github.com/smallbiznis/iapsync/internal/audit/repository"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/smallbiznis/iapsync/internal/dbtest"
	"github.com/smallbiznis/iapsync/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) auditdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2066, 1, 2, 15, 4, 5, 0, time.UTC)),
	})
}

func TestAuditLogAttributesPrincipalAndMasks(t *testing.T) {
	svc := newTestService(t)
	ctx := authdomain.WithPrincipal(context.Background(), authdomain.Principal{UserID: 7})
	ctx = auditdomain.WithClient(ctx, "10.0.0.1", "curl/8")

	require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{
		Action:     "appstore_product.upsert",
		TargetType: "appstore_product",
		TargetID:   "apple_appstore_yearly",
		Metadata: map[string]any{
			"subscription_type_id": 7,
			"token_hash":           "abcdef123456",
		},
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, string(auditdomain.ActorTypeUser), entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "7", *entry.ActorID)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "apple_appstore_yearly", *entry.TargetID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.1", *entry.IPAddress)
	assert.Equal(t, "****3456", entry.Metadata["token_hash"])
}

func TestAuditLogWithoutPrincipalIsSystem(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.AuditLog(context.Background(), auditdomain.Entry{Action: "seed.run"}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
}

func TestAuditLogRequiresAction(t *testing.T) {
	svc := newTestService(t)
	assert.ErrorIs(t, svc.AuditLog(context.Background(), auditdomain.Entry{}), auditdomain.ErrInvalidAction)
}

func TestListPagesNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for _, action := range []string{"a.one", "a.two", "a.three"} {
		require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{Action: action}))
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "a.three", first.AuditLogs[0].Action)

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, "a.one", second.AuditLogs[0].Action)

	filtered, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "a.two"})
	require.NoError(t, err)
	assert.Len(t, filtered.AuditLogs, 1)

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{PageToken: "%%%"})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
