package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageDelta is applied atomically with a deduction. It advances the open
// usage record's billing watermark inside the same transaction, so a charge
// and the window it covers commit together or not at all.
type UsageDelta struct {
	UsageRecordID snowflake.ID
	Credits       int64
	CostUSD       float64
	BilledThrough time.Time
}

type DeductRequest struct {
	UserID            string
	Amount            int64 // positive
	Description       string
	RelatedInstanceID *snowflake.ID
	Usage             *UsageDelta
	Metadata          map[string]any
}

type DeductResult struct {
	Account     Account
	Transaction Transaction
	// Overdrawn reports a post-deduction balance below zero but still within
	// the overdraft limit.
	Overdrawn bool
}

type AddRequest struct {
	UserID      string
	Amount      int64 // positive
	Type        TransactionType
	Description string
	Metadata    map[string]any
}

type ForcedTerminationRequest struct {
	UserID            string
	Amount            int64 // owed credits, may be zero
	Description       string
	RelatedInstanceID *snowflake.ID
	RelatedUsageID    *snowflake.ID
	Usage             *UsageDelta
	Metadata          map[string]any
}

type ListTransactionsRequest struct {
	UserID string
	Limit  int
	Offset int
}

type ListTransactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
	Total        int64         `json:"total"`
}

type Service interface {
	// GetOrCreate returns the user's account, creating it with the welcome
	// bonus on first sight.
	GetOrCreate(ctx context.Context, userID string) (*Account, error)
	// Deduct removes credits, rejecting with ErrOverdraft when the resulting
	// balance would fall below the account's overdraft limit.
	Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error)
	// Add grants credits (bonus, refund, purchase, allocation).
	Add(ctx context.Context, req AddRequest) (*Account, error)
	// AllocateMonthlyIfDue grants the plan's monthly credits when a full
	// calendar month has passed since the previous grant. It reports whether
	// an allocation happened.
	AllocateMonthlyIfDue(ctx context.Context, userID string, now time.Time) (*Account, bool, error)
	// SetPlan switches the account's plan; the new monthly allocation applies
	// from the next allocation onward.
	SetPlan(ctx context.Context, userID, planID string) (*Account, error)
	// RecordForcedTermination settles the final charge of a terminated
	// resource. Unlike Deduct it never rejects: the balance may land below
	// the overdraft limit.
	RecordForcedTermination(ctx context.Context, req ForcedTerminationRequest) (*DeductResult, error)
	// ListTransactions returns the account's history, newest first.
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidType     = errors.New("invalid_transaction_type")
	ErrInvalidPlan     = errors.New("invalid_plan")
	ErrAccountNotFound = errors.New("account_not_found")
	ErrOverdraft       = errors.New("overdraft_limit_exceeded")
)
