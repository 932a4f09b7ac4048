package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wolkenlauf/metered/internal/clock"
	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
	obsmetrics "github.com/wolkenlauf/metered/internal/observability/metrics"
	"github.com/wolkenlauf/metered/pkg/db"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) creditsdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credits.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetOrCreate(ctx context.Context, userID string) (*creditsdomain.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditsdomain.ErrInvalidUser
	}

	var account creditsdomain.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	now := s.clock.Now()
	allocation, _ := creditsdomain.MonthlyAllocationFor(creditsdomain.DefaultPlanID)
	account = creditsdomain.Account{
		ID:                s.genID.Generate(),
		UserID:            userID,
		PlanID:            creditsdomain.DefaultPlanID,
		CurrentBalance:    creditsdomain.WelcomeBonus,
		MonthlyAllocation: allocation,
		TotalEarned:       creditsdomain.WelcomeBonus,
		OverdraftLimit:    creditsdomain.DefaultOverdraftLimit,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		return tx.Create(&creditsdomain.Transaction{
			ID:            s.genID.Generate(),
			AccountID:     account.ID,
			UserID:        userID,
			Type:          creditsdomain.TransactionTypeBonus,
			Amount:        creditsdomain.WelcomeBonus,
			BalanceBefore: 0,
			BalanceAfter:  creditsdomain.WelcomeBonus,
			Description:   "welcome bonus",
			CreatedAt:     now,
		}).Error
	})
	if err != nil {
		// lost the creation race; the winner's row is authoritative
		if db.IsDuplicateKeyErr(err) {
			var existing creditsdomain.Account
			if ferr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; ferr != nil {
				return nil, ferr
			}
			return &existing, nil
		}
		return nil, err
	}

	s.log.Info("credit account created",
		zap.String("user_id", userID),
		zap.Int64("welcome_bonus", creditsdomain.WelcomeBonus),
	)
	s.recordTransaction(creditsdomain.TransactionTypeBonus)
	return &account, nil
}

func (s *Service) Deduct(ctx context.Context, req creditsdomain.DeductRequest) (*creditsdomain.DeductResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, creditsdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, creditsdomain.ErrInvalidAmount
	}

	var result creditsdomain.DeductResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, req.UserID)
		if err != nil {
			return err
		}

		projected := account.CurrentBalance - req.Amount
		if projected < account.OverdraftLimit {
			return creditsdomain.ErrOverdraft
		}

		txn, err := s.applyMovement(tx, account, movement{
			txnType:           creditsdomain.TransactionTypeUsage,
			amount:            -req.Amount,
			description:       req.Description,
			relatedInstanceID: req.RelatedInstanceID,
			relatedUsageID:    usageRecordID(req.Usage),
			metadata:          req.Metadata,
		})
		if err != nil {
			return err
		}
		if err := s.applyUsageDelta(tx, req.Usage); err != nil {
			return err
		}

		result = creditsdomain.DeductResult{
			Account:     *account,
			Transaction: *txn,
			Overdrawn:   projected < 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransaction(creditsdomain.TransactionTypeUsage)
	return &result, nil
}

func (s *Service) Add(ctx context.Context, req creditsdomain.AddRequest) (*creditsdomain.Account, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, creditsdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, creditsdomain.ErrInvalidAmount
	}
	switch req.Type {
	case creditsdomain.TransactionTypeBonus,
		creditsdomain.TransactionTypeRefund,
		creditsdomain.TransactionTypePurchase,
		creditsdomain.TransactionTypeAllocation,
		creditsdomain.TransactionTypeMonthlyAllocation:
	default:
		return nil, creditsdomain.ErrInvalidType
	}

	// accounts are lazy; a first top-up or renewal seeds one on the way
	if _, err := s.GetOrCreate(ctx, req.UserID); err != nil {
		return nil, err
	}

	var updated creditsdomain.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, req.UserID)
		if err != nil {
			return err
		}
		if _, err := s.applyMovement(tx, account, movement{
			txnType:     req.Type,
			amount:      req.Amount,
			description: req.Description,
			metadata:    req.Metadata,
		}); err != nil {
			return err
		}
		updated = *account
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransaction(req.Type)
	return &updated, nil
}

func (s *Service) AllocateMonthlyIfDue(ctx context.Context, userID string, now time.Time) (*creditsdomain.Account, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, false, creditsdomain.ErrInvalidUser
	}

	var (
		updated   creditsdomain.Account
		allocated bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}

		if account.LastAllocationAt != nil && now.Before(account.LastAllocationAt.AddDate(0, 1, 0)) {
			updated = *account
			return nil
		}
		if account.MonthlyAllocation <= 0 {
			updated = *account
			return nil
		}

		if _, err := s.applyMovement(tx, account, movement{
			txnType:          creditsdomain.TransactionTypeMonthlyAllocation,
			amount:           account.MonthlyAllocation,
			description:      "monthly plan allocation",
			lastAllocationAt: &now,
		}); err != nil {
			return err
		}
		updated = *account
		allocated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if allocated {
		s.log.Info("monthly credits allocated",
			zap.String("user_id", userID),
			zap.Int64("amount", updated.MonthlyAllocation),
		)
		s.recordTransaction(creditsdomain.TransactionTypeMonthlyAllocation)
	}
	return &updated, allocated, nil
}

func (s *Service) SetPlan(ctx context.Context, userID, planID string) (*creditsdomain.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditsdomain.ErrInvalidUser
	}
	allocation, ok := creditsdomain.MonthlyAllocationFor(strings.TrimSpace(planID))
	if !ok {
		return nil, creditsdomain.ErrInvalidPlan
	}

	var updated creditsdomain.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}
		account.PlanID = strings.TrimSpace(planID)
		account.MonthlyAllocation = allocation
		account.UpdatedAt = s.clock.Now()
		if err := tx.Model(&creditsdomain.Account{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{
				"plan_id":            account.PlanID,
				"monthly_allocation": account.MonthlyAllocation,
				"updated_at":         account.UpdatedAt,
			}).Error; err != nil {
			return err
		}
		updated = *account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) RecordForcedTermination(ctx context.Context, req creditsdomain.ForcedTerminationRequest) (*creditsdomain.DeductResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, creditsdomain.ErrInvalidUser
	}
	if req.Amount < 0 {
		return nil, creditsdomain.ErrInvalidAmount
	}

	relatedUsage := req.RelatedUsageID
	if relatedUsage == nil {
		relatedUsage = usageRecordID(req.Usage)
	}

	var result creditsdomain.DeductResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, req.UserID)
		if err != nil {
			return err
		}

		txn, err := s.applyMovement(tx, account, movement{
			txnType:           creditsdomain.TransactionTypeForcedTermination,
			amount:            -req.Amount,
			description:       req.Description,
			relatedInstanceID: req.RelatedInstanceID,
			relatedUsageID:    relatedUsage,
			metadata:          req.Metadata,
		})
		if err != nil {
			return err
		}
		if err := s.applyUsageDelta(tx, req.Usage); err != nil {
			return err
		}

		result = creditsdomain.DeductResult{
			Account:     *account,
			Transaction: *txn,
			Overdrawn:   account.CurrentBalance < 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransaction(creditsdomain.TransactionTypeForcedTermination)
	return &result, nil
}

func (s *Service) ListTransactions(ctx context.Context, req creditsdomain.ListTransactionsRequest) (creditsdomain.ListTransactionsResponse, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return creditsdomain.ListTransactionsResponse{}, creditsdomain.ErrInvalidUser
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	query := s.db.WithContext(ctx).Model(&creditsdomain.Transaction{}).Where("user_id = ?", req.UserID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return creditsdomain.ListTransactionsResponse{}, err
	}

	var txns []creditsdomain.Transaction
	if err := query.
		Order("created_at DESC, id DESC").
		Limit(req.Limit).
		Offset(req.Offset).
		Find(&txns).Error; err != nil {
		return creditsdomain.ListTransactionsResponse{}, err
	}

	return creditsdomain.ListTransactionsResponse{Transactions: txns, Total: total}, nil
}

// movement is one balance mutation applied under the account row lock.
type movement struct {
	txnType           creditsdomain.TransactionType
	amount            int64 // signed
	description       string
	relatedInstanceID *snowflake.ID
	relatedUsageID    *snowflake.ID
	metadata          map[string]any
	lastAllocationAt  *time.Time
}

// applyMovement mutates the locked account in place, persists it, and writes
// the matching transaction row. BalanceBefore and BalanceAfter come from the
// locked row, never from a read outside the transaction.
func (s *Service) applyMovement(tx *gorm.DB, account *creditsdomain.Account, m movement) (*creditsdomain.Transaction, error) {
	now := s.clock.Now()
	before := account.CurrentBalance
	account.CurrentBalance = before + m.amount
	if m.amount >= 0 {
		account.TotalEarned += m.amount
	} else {
		account.TotalSpent += -m.amount
	}
	if m.lastAllocationAt != nil {
		account.LastAllocationAt = m.lastAllocationAt
	}
	account.UpdatedAt = now

	updates := map[string]any{
		"current_balance": account.CurrentBalance,
		"total_earned":    account.TotalEarned,
		"total_spent":     account.TotalSpent,
		"updated_at":      account.UpdatedAt,
	}
	if m.lastAllocationAt != nil {
		updates["last_allocation_at"] = *m.lastAllocationAt
	}
	if err := tx.Model(&creditsdomain.Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	txn := creditsdomain.Transaction{
		ID:                s.genID.Generate(),
		AccountID:         account.ID,
		UserID:            account.UserID,
		Type:              m.txnType,
		Amount:            m.amount,
		BalanceBefore:     before,
		BalanceAfter:      account.CurrentBalance,
		Description:       m.description,
		RelatedInstanceID: m.relatedInstanceID,
		RelatedUsageID:    m.relatedUsageID,
		Metadata:          m.metadata,
		CreatedAt:         now,
	}
	if err := tx.Create(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// applyUsageDelta advances the usage record's billing watermark in the same
// transaction as the charge it pays for.
func (s *Service) applyUsageDelta(tx *gorm.DB, delta *creditsdomain.UsageDelta) error {
	if delta == nil {
		return nil
	}
	return tx.Exec(
		`UPDATE usage_records
		 SET credits_charged = credits_charged + ?,
		     cloud_cost_usd = cloud_cost_usd + ?,
		     last_billed_at = ?,
		     updated_at = ?
		 WHERE id = ?`,
		delta.Credits,
		delta.CostUSD,
		delta.BilledThrough.UTC(),
		s.clock.Now(),
		delta.UsageRecordID,
	).Error
}

func lockAccount(tx *gorm.DB, userID string) (*creditsdomain.Account, error) {
	var account creditsdomain.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err == gorm.ErrRecordNotFound {
		return nil, creditsdomain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func usageRecordID(delta *creditsdomain.UsageDelta) *snowflake.ID {
	if delta == nil {
		return nil
	}
	id := delta.UsageRecordID
	return &id
}

func (s *Service) recordTransaction(txnType creditsdomain.TransactionType) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordCreditTransaction(string(txnType))
	}
}
