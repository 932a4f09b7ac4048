package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

func newTestRepo(t *testing.T) (instancedomain.Repository, *gorm.DB, *snowflake.Node) {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(&instancedomain.Instance{}, &usagedomain.UsageRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(Params{DB: conn, Log: zap.NewNop()}), conn, node
}

func seed(t *testing.T, repo instancedomain.Repository, node *snowflake.Node, status instancedomain.Status) *instancedomain.Instance {
	t.Helper()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	inst := &instancedomain.Instance{
		ID:           node.Generate(),
		UserID:       "user-1",
		Name:         "train-1",
		Slug:         "train-1-x",
		Provider:     "hetzner",
		InstanceType: "cx22",
		Region:       "fsn1",
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, repo.Create(context.Background(), inst))
	return inst
}

func TestGetByIDForUserScopesOwnership(t *testing.T) {
	repo, _, node := newTestRepo(t)
	ctx := context.Background()
	inst := seed(t, repo, node, instancedomain.StatusPending)

	got, err := repo.GetByIDForUser(ctx, inst.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)

	_, err = repo.GetByIDForUser(ctx, inst.ID, "someone-else")
	assert.ErrorIs(t, err, instancedomain.ErrNotFound)
}

func TestListBillableOnlyRunning(t *testing.T) {
	repo, _, node := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	pending := seed(t, repo, node, instancedomain.StatusPending)
	running := seed(t, repo, node, instancedomain.StatusPending)
	_, err := repo.MarkRunning(ctx, running.ID, now, nil, nil, nil)
	require.NoError(t, err)

	billable, err := repo.ListBillable(ctx)
	require.NoError(t, err)
	require.Len(t, billable, 1)
	assert.Equal(t, running.ID, billable[0].ID)

	provisioning, err := repo.ListProvisioning(ctx)
	require.NoError(t, err)
	require.Len(t, provisioning, 1)
	assert.Equal(t, pending.ID, provisioning[0].ID)
}

func TestTerminatedIsTerminal(t *testing.T) {
	repo, _, node := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	inst := seed(t, repo, node, instancedomain.StatusRunning)

	terminated, err := repo.MarkTerminated(ctx, inst.ID, now)
	require.NoError(t, err)
	require.NotNil(t, terminated.TerminatedAt)

	_, err = repo.MarkRunning(ctx, inst.ID, now.Add(time.Minute), nil, nil, nil)
	assert.ErrorIs(t, err, instancedomain.ErrInvalidTransition)

	// terminating again is a no-op transition, and the stamp does not move
	again, err := repo.MarkTerminated(ctx, inst.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, again.TerminatedAt.Equal(*terminated.TerminatedAt))
}

func TestSoftDeleteGuards(t *testing.T) {
	repo, conn, node := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	inst := seed(t, repo, node, instancedomain.StatusRunning)

	err := repo.SoftDelete(ctx, inst.ID, now)
	assert.ErrorIs(t, err, instancedomain.ErrNotTerminated)

	_, err = repo.MarkTerminated(ctx, inst.ID, now)
	require.NoError(t, err)

	// an open usage record blocks deletion
	open := usagedomain.UsageRecord{
		ID: node.Generate(), InstanceID: inst.ID, UserID: "user-1",
		Provider: "hetzner", InstanceType: "cx22",
		StartTime: now, LastBilledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, conn.Create(&open).Error)
	err = repo.SoftDelete(ctx, inst.ID, now)
	assert.ErrorIs(t, err, instancedomain.ErrOpenUsage)

	end := now.Add(time.Hour)
	require.NoError(t, conn.Model(&usagedomain.UsageRecord{}).
		Where("id = ?", open.ID).Update("end_time", end).Error)

	require.NoError(t, repo.SoftDelete(ctx, inst.ID, now))
	_, err = repo.GetByID(ctx, inst.ID)
	assert.ErrorIs(t, err, instancedomain.ErrNotFound)
}
