package service

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
	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	// sqlite has no FOR UPDATE; drop the locking clause
	require.NoError(t, conn.Callback().Query().Before("gorm:query").Register("sqlite_strip_for_update", func(d *gorm.DB) {
		delete(d.Statement.Clauses, "FOR")
	}))

	require.NoError(t, conn.AutoMigrate(
		&creditsdomain.Account{},
		&creditsdomain.Transaction{},
		&usagedomain.UsageRecord{},
	))
	return conn
}

func newTestService(t *testing.T, conn *gorm.DB, clk clock.Clock) creditsdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
}

func TestGetOrCreateGrantsWelcomeBonus(t *testing.T) {
	conn := openTestDB(t)
	svc := newTestService(t, conn, clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	account, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, creditsdomain.WelcomeBonus, account.CurrentBalance)
	assert.Equal(t, creditsdomain.DefaultPlanID, account.PlanID)
	assert.Equal(t, creditsdomain.DefaultOverdraftLimit, account.OverdraftLimit)

	var txns []creditsdomain.Transaction
	require.NoError(t, conn.Where("user_id = ?", "user-1").Find(&txns).Error)
	require.Len(t, txns, 1)
	assert.Equal(t, creditsdomain.TransactionTypeBonus, txns[0].Type)
	assert.Equal(t, creditsdomain.WelcomeBonus, txns[0].Amount)

	again, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, again.ID)

	require.NoError(t, conn.Where("user_id = ?", "user-1").Find(&txns).Error)
	assert.Len(t, txns, 1, "repeated GetOrCreate must not grant another bonus")
}

func TestGetOrCreateRejectsEmptyUser(t *testing.T) {
	svc := newTestService(t, openTestDB(t), clock.NewFakeClock(time.Now()))
	_, err := svc.GetOrCreate(context.Background(), "  ")
	assert.ErrorIs(t, err, creditsdomain.ErrInvalidUser)
}

func TestDeductOverdraftBoundary(t *testing.T) {
	conn := openTestDB(t)
	svc := newTestService(t, conn, clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	// balance 100, limit -100: exactly reaching the limit is allowed
	result, err := svc.Deduct(ctx, creditsdomain.DeductRequest{
		UserID:      "user-1",
		Amount:      200,
		Description: "runtime charge",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-100), result.Account.CurrentBalance)
	assert.True(t, result.Overdrawn)

	// one credit past the limit is rejected
	_, err = svc.Deduct(ctx, creditsdomain.DeductRequest{
		UserID:      "user-1",
		Amount:      1,
		Description: "runtime charge",
	})
	assert.ErrorIs(t, err, creditsdomain.ErrOverdraft)

	var account creditsdomain.Account
	require.NoError(t, conn.Where("user_id = ?", "user-1").First(&account).Error)
	assert.Equal(t, int64(-100), account.CurrentBalance, "rejected deduction must not move the balance")
}

func TestDeductValidation(t *testing.T) {
	svc := newTestService(t, openTestDB(t), clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	_, err := svc.Deduct(ctx, creditsdomain.DeductRequest{UserID: "", Amount: 10})
	assert.ErrorIs(t, err, creditsdomain.ErrInvalidUser)

	_, err = svc.Deduct(ctx, creditsdomain.DeductRequest{UserID: "user-1", Amount: 0})
	assert.ErrorIs(t, err, creditsdomain.ErrInvalidAmount)

	_, err = svc.Deduct(ctx, creditsdomain.DeductRequest{UserID: "ghost", Amount: 10})
	assert.ErrorIs(t, err, creditsdomain.ErrAccountNotFound)
}

func TestDeductAdvancesUsageWatermark(t *testing.T) {
	conn := openTestDB(t)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, conn, clock.NewFakeClock(start))
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	record := usagedomain.UsageRecord{
		ID:           node.Generate(),
		InstanceID:   node.Generate(),
		UserID:       "user-1",
		Provider:     "hetzner",
		InstanceType: "cx22",
		StartTime:    start,
		LastBilledAt: start,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	require.NoError(t, conn.Create(&record).Error)

	billedThrough := start.Add(time.Hour)
	result, err := svc.Deduct(ctx, creditsdomain.DeductRequest{
		UserID:      "user-1",
		Amount:      5,
		Description: "runtime charge",
		Usage: &creditsdomain.UsageDelta{
			UsageRecordID: record.ID,
			Credits:       5,
			CostUSD:       0.03,
			BilledThrough: billedThrough,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Transaction.RelatedUsageID)
	assert.Equal(t, record.ID, *result.Transaction.RelatedUsageID)

	var stored usagedomain.UsageRecord
	require.NoError(t, conn.Where("id = ?", record.ID).First(&stored).Error)
	assert.Equal(t, int64(5), stored.CreditsCharged)
	assert.InDelta(t, 0.03, stored.CloudCostUSD, 1e-9)
	assert.True(t, stored.LastBilledAt.Equal(billedThrough), "watermark must advance with the charge")
}

func TestAddRejectsSpendTypes(t *testing.T) {
	svc := newTestService(t, openTestDB(t), clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.Add(ctx, creditsdomain.AddRequest{
		UserID: "user-1",
		Amount: 10,
		Type:   creditsdomain.TransactionTypeUsage,
	})
	assert.ErrorIs(t, err, creditsdomain.ErrInvalidType)
}

func TestAddMonthlyAllocationType(t *testing.T) {
	conn := openTestDB(t)
	svc := newTestService(t, conn, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	// renewal webhooks post this type directly, bypassing AllocateMonthlyIfDue
	account, err := svc.Add(ctx, creditsdomain.AddRequest{
		UserID:      "user-1",
		Amount:      150,
		Type:        creditsdomain.TransactionTypeMonthlyAllocation,
		Description: "Monthly credit allocation",
	})
	require.NoError(t, err)
	assert.Equal(t, creditsdomain.WelcomeBonus+int64(150), account.CurrentBalance)

	var txns []creditsdomain.Transaction
	require.NoError(t, conn.Where("user_id = ? AND type = ?",
		"user-1", creditsdomain.TransactionTypeMonthlyAllocation).Find(&txns).Error)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(150), txns[0].Amount)

	// the fresh account contributes only its welcome bonus row besides
	var total int64
	require.NoError(t, conn.Model(&creditsdomain.Transaction{}).
		Where("user_id = ?", "user-1").Count(&total).Error)
	assert.Equal(t, int64(2), total)
}

func TestAllocateMonthlyIfDue(t *testing.T) {
	conn := openTestDB(t)
	start := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(start)
	svc := newTestService(t, conn, clk)
	ctx := context.Background()

	account, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	require.Nil(t, account.LastAllocationAt)

	// never allocated, so the first check grants immediately
	account, allocated, err := svc.AllocateMonthlyIfDue(ctx, "user-1", clk.Now())
	require.NoError(t, err)
	assert.True(t, allocated)
	assert.Equal(t, creditsdomain.WelcomeBonus+account.MonthlyAllocation, account.CurrentBalance)

	// same month: nothing more
	clk.Advance(27 * 24 * time.Hour)
	account, allocated, err = svc.AllocateMonthlyIfDue(ctx, "user-1", clk.Now())
	require.NoError(t, err)
	assert.False(t, allocated)

	// a full calendar month after the first grant it is due again
	_, allocated, err = svc.AllocateMonthlyIfDue(ctx, "user-1", start.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, allocated)

	var txns []creditsdomain.Transaction
	require.NoError(t, conn.
		Where("user_id = ? AND type = ?", "user-1", creditsdomain.TransactionTypeMonthlyAllocation).
		Find(&txns).Error)
	assert.Len(t, txns, 2)
}

func TestSetPlan(t *testing.T) {
	conn := openTestDB(t)
	svc := newTestService(t, conn, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.SetPlan(ctx, "user-1", "platinum")
	assert.ErrorIs(t, err, creditsdomain.ErrInvalidPlan)

	account, err := svc.SetPlan(ctx, "user-1", "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", account.PlanID)

	expected, _ := creditsdomain.MonthlyAllocationFor("pro")
	assert.Equal(t, expected, account.MonthlyAllocation)
}

func TestRecordForcedTerminationCollectsPastLimit(t *testing.T) {
	conn := openTestDB(t)
	svc := newTestService(t, conn, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	// drain to the overdraft limit first
	_, err = svc.Deduct(ctx, creditsdomain.DeductRequest{UserID: "user-1", Amount: 200, Description: "runtime charge"})
	require.NoError(t, err)

	result, err := svc.RecordForcedTermination(ctx, creditsdomain.ForcedTerminationRequest{
		UserID:      "user-1",
		Amount:      40,
		Description: "forced termination",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-140), result.Account.CurrentBalance, "final settlement may land below the limit")
	assert.True(t, result.Overdrawn)

	// zero-amount settlement is fine; it just records the event
	result, err = svc.RecordForcedTermination(ctx, creditsdomain.ForcedTerminationRequest{
		UserID:      "user-1",
		Amount:      0,
		Description: "forced termination",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-140), result.Account.CurrentBalance)
}

func TestTransactionsReconstructBalance(t *testing.T) {
	conn := openTestDB(t)
	svc := newTestService(t, conn, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	_, err = svc.Add(ctx, creditsdomain.AddRequest{
		UserID: "user-1", Amount: 500, Type: creditsdomain.TransactionTypePurchase, Description: "top-up",
	})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, creditsdomain.DeductRequest{UserID: "user-1", Amount: 123, Description: "runtime charge"})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, creditsdomain.DeductRequest{UserID: "user-1", Amount: 77, Description: "runtime charge"})
	require.NoError(t, err)

	var txns []creditsdomain.Transaction
	require.NoError(t, conn.Where("user_id = ?", "user-1").Order("id ASC").Find(&txns).Error)
	require.NotEmpty(t, txns)

	running := int64(0)
	for _, txn := range txns {
		assert.Equal(t, running, txn.BalanceBefore)
		running += txn.Amount
		assert.Equal(t, running, txn.BalanceAfter)
	}

	var account creditsdomain.Account
	require.NoError(t, conn.Where("user_id = ?", "user-1").First(&account).Error)
	assert.Equal(t, running, account.CurrentBalance, "replaying transactions must land on the stored balance")
	assert.Equal(t, account.TotalEarned-account.TotalSpent, account.CurrentBalance)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	conn := openTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, conn, clk)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		_, err = svc.Deduct(ctx, creditsdomain.DeductRequest{UserID: "user-1", Amount: 1, Description: "runtime charge"})
		require.NoError(t, err)
	}

	resp, err := svc.ListTransactions(ctx, creditsdomain.ListTransactionsRequest{UserID: "user-1", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.Total)
	require.Len(t, resp.Transactions, 3)
	for i := 1; i < len(resp.Transactions); i++ {
		assert.False(t, resp.Transactions[i].CreatedAt.After(resp.Transactions[i-1].CreatedAt))
	}
}
