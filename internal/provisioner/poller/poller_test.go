package poller

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

	"github.com/wolkenlauf/metered/internal/clock"
	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	instancerepo "github.com/wolkenlauf/metered/internal/instance/repository"
	provisionerdomain "github.com/wolkenlauf/metered/internal/provisioner/domain"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
	usageservice "github.com/wolkenlauf/metered/internal/usage/service"
)

type fakeController struct {
	statuses map[string]*provisionerdomain.VM
	errs     map[string]error
	calls    int
}

func (f *fakeController) Create(ctx context.Context, req provisionerdomain.CreateRequest) (*provisionerdomain.VM, error) {
	return nil, nil
}

func (f *fakeController) GetStatus(ctx context.Context, provider, providerInstanceID string) (*provisionerdomain.VM, error) {
	f.calls++
	if err, ok := f.errs[providerInstanceID]; ok {
		return nil, err
	}
	if vm, ok := f.statuses[providerInstanceID]; ok {
		return vm, nil
	}
	return nil, provisionerdomain.ErrNotFound
}

func (f *fakeController) Terminate(ctx context.Context, provider, providerInstanceID string) error {
	return nil
}

type pollerFixture struct {
	poller     *Poller
	instances  instancedomain.Repository
	usage      usagedomain.Service
	controller *fakeController
	clock      *clock.FakeClock
	node       *snowflake.Node
}

func newFixture(t *testing.T) *pollerFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(&instancedomain.Instance{}, &usagedomain.UsageRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	instances := instancerepo.New(instancerepo.Params{DB: conn, Log: zap.NewNop()})
	usage := usageservice.NewService(usageservice.Params{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk})
	controller := &fakeController{statuses: map[string]*provisionerdomain.VM{}, errs: map[string]error{}}

	p := New(Params{
		Instances:  instances,
		Usage:      usage,
		Controller: controller,
		Clock:      clk,
		Log:        zap.NewNop(),
		Config:     Config{MaxAttempts: 2, RetryBackoff: time.Millisecond},
	})
	return &pollerFixture{poller: p, instances: instances, usage: usage, controller: controller, clock: clk, node: node}
}

func (f *pollerFixture) seedInstance(t *testing.T, providerID string, status instancedomain.Status) *instancedomain.Instance {
	t.Helper()
	inst := &instancedomain.Instance{
		ID:                 f.node.Generate(),
		UserID:             "user-1",
		Name:               "train-1",
		Slug:               "train-1-x",
		ProviderInstanceID: providerID,
		Provider:           "hetzner",
		InstanceType:       "cx22",
		Region:             "fsn1",
		Status:             status,
		CreatedAt:          f.clock.Now(),
		UpdatedAt:          f.clock.Now(),
	}
	require.NoError(t, f.instances.Create(context.Background(), inst))
	return inst
}

func TestSyncRunningOpensUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t, "hcloud-1", instancedomain.StatusPending)

	f.controller.statuses["hcloud-1"] = &provisionerdomain.VM{
		ID: "hcloud-1", Status: "running", PublicIP: "203.0.113.9", SSHUsername: "root",
	}

	became, err := f.poller.Sync(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, instancedomain.StatusRunning, became)

	updated, err := f.instances.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LaunchedAt)
	require.NotNil(t, updated.PublicIP)
	assert.Equal(t, "203.0.113.9", *updated.PublicIP)

	record, err := f.usage.GetOpen(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, record.StartTime.Equal(*updated.LaunchedAt), "usage starts at launch time")
}

func TestSyncRunningTwiceKeepsLaunchTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t, "hcloud-1", instancedomain.StatusPending)
	f.controller.statuses["hcloud-1"] = &provisionerdomain.VM{ID: "hcloud-1", Status: "running"}

	_, err := f.poller.Sync(ctx, inst)
	require.NoError(t, err)
	first, err := f.instances.GetByID(ctx, inst.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.poller.Sync(ctx, first)
	require.NoError(t, err)

	again, err := f.instances.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, again.LaunchedAt.Equal(*first.LaunchedAt), "launched_at is stamped once")
}

func TestSyncVanishedVMBecomesTerminated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t, "gone", instancedomain.StatusStarting)

	became, err := f.poller.Sync(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, instancedomain.StatusTerminated, became)

	updated, err := f.instances.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.TerminatedAt)
}

func TestSyncIgnoresUnknownAndBackwardsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t, "hcloud-1", instancedomain.StatusRunning)

	f.controller.statuses["hcloud-1"] = &provisionerdomain.VM{ID: "hcloud-1", Status: "rebooting"}
	became, err := f.poller.Sync(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, instancedomain.StatusRunning, became)

	f.controller.statuses["hcloud-1"] = &provisionerdomain.VM{ID: "hcloud-1", Status: "pending"}
	became, err = f.poller.Sync(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, instancedomain.StatusRunning, became, "backwards reports are ignored")
}

func TestFetchStatusRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t, "flaky", instancedomain.StatusPending)
	f.controller.errs["flaky"] = provisionerdomain.ErrUnavailable

	_, err := f.poller.Sync(ctx, inst)
	assert.ErrorIs(t, err, provisionerdomain.ErrUnavailable)
	assert.Equal(t, 2, f.controller.calls, "bounded retry, then give up until next pass")
}

func TestRetryBackoffConsumesFakeTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedInstance(t, "flaky", instancedomain.StatusPending)
	f.controller.errs["flaky"] = provisionerdomain.ErrUnavailable

	p := New(Params{
		Instances:  f.instances,
		Usage:      f.usage,
		Controller: f.controller,
		Clock:      f.clock,
		Log:        zap.NewNop(),
		Config:     Config{MaxAttempts: 3, RetryBackoff: time.Hour},
	})

	before := f.clock.Now()
	_, err := p.Sync(ctx, inst)
	assert.ErrorIs(t, err, provisionerdomain.ErrUnavailable)
	assert.Equal(t, 3, f.controller.calls)
	assert.Equal(t, before.Add(2*time.Hour), f.clock.Now(), "backoff waits on the injected clock")
}

func TestPollOnceAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedInstance(t, "a", instancedomain.StatusPending)
	f.seedInstance(t, "b", instancedomain.StatusStarting)
	f.seedInstance(t, "c", instancedomain.StatusInitializing)
	f.controller.statuses["a"] = &provisionerdomain.VM{ID: "a", Status: "running"}
	f.controller.statuses["b"] = &provisionerdomain.VM{ID: "b", Status: "initializing"}
	f.controller.errs["c"] = provisionerdomain.ErrUnavailable

	report, err := f.poller.PollOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Running)
	assert.Equal(t, 1, report.Errors)
}
