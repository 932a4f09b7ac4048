// Package domain contains persistence models for user credit accounts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType classifies a ledger movement on a credit account.
type TransactionType string

const (
	TransactionTypeAllocation        TransactionType = "allocation"
	TransactionTypeUsage             TransactionType = "usage"
	TransactionTypeBonus             TransactionType = "bonus"
	TransactionTypeRefund            TransactionType = "refund"
	TransactionTypePurchase          TransactionType = "purchase"
	TransactionTypeMonthlyAllocation TransactionType = "monthly_allocation"
	TransactionTypeForcedTermination TransactionType = "forced_termination"
)

const (
	// WelcomeBonus is granted once when an account is first created.
	WelcomeBonus int64 = 100
	// DefaultOverdraftLimit is the lowest balance a deduction may leave behind.
	DefaultOverdraftLimit int64 = -100
	// DefaultPlanID is assigned to freshly created accounts.
	DefaultPlanID = "free"
)

// monthlyAllocations maps plan IDs to credits granted per calendar month.
var monthlyAllocations = map[string]int64{
	"free":       150,
	"starter":    550,
	"pro":        1200,
	"business":   3200,
	"enterprise": 6750,
}

// MonthlyAllocationFor returns the monthly credit grant for a plan. The second
// return value reports whether the plan exists.
func MonthlyAllocationFor(planID string) (int64, bool) {
	amount, ok := monthlyAllocations[planID]
	return amount, ok
}

// Account tracks a single user's credit balance.
type Account struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	UserID            string       `gorm:"type:text;not null;uniqueIndex:ux_credit_accounts_user"`
	PlanID            string       `gorm:"type:text;not null"`
	CurrentBalance    int64        `gorm:"not null"`
	MonthlyAllocation int64        `gorm:"not null"`
	TotalEarned       int64        `gorm:"not null"`
	TotalSpent        int64        `gorm:"not null"`
	OverdraftLimit    int64        `gorm:"not null"`
	LastAllocationAt  *time.Time
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "credit_accounts" }

// Transaction is an immutable record of one balance movement. BalanceBefore
// and BalanceAfter are captured under the account row lock, so replaying the
// transactions of an account reconstructs its balance exactly.
type Transaction struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	AccountID         snowflake.ID    `gorm:"not null;index"`
	UserID            string          `gorm:"type:text;not null;index"`
	Type              TransactionType `gorm:"type:text;not null"`
	Amount            int64           `gorm:"not null"` // signed; negative for spend
	BalanceBefore     int64           `gorm:"not null"`
	BalanceAfter      int64           `gorm:"not null"`
	Description       string          `gorm:"type:text;not null"`
	RelatedInstanceID *snowflake.ID   `gorm:"index"`
	RelatedUsageID    *snowflake.ID   `gorm:"index"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }
