package wallet

import "time"

type EarningStatus string

const (
	EarningPending   EarningStatus = "pending"
	EarningSettled   EarningStatus = "settled"
	EarningCancelled EarningStatus = "cancelled"
)

// Earning is one signed ledger line for a user. Positive amounts are
// income, negative amounts are penalties. Balances are derived from
// these rows; there is no stored balance column to drift.
type Earning struct {
	ID            string        `gorm:"column:id;primaryKey"`
	UserID        string        `gorm:"column:user_id;index;not null"`
	OrderID       string        `gorm:"column:order_id;index"`
	RequirementID string        `gorm:"column:requirement_id;index"`
	Amount        int64         `gorm:"column:amount;not null"`
	Type          string        `gorm:"column:type"`
	Status        EarningStatus `gorm:"column:status;index"`
	Description   string        `gorm:"column:description"`
	SettledAt     *time.Time    `gorm:"column:settled_at"`
	CreatedAt     time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

func (Earning) TableName() string { return "earnings" }

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalCompleted WithdrawalStatus = "completed"
)

// Terminal reports whether the withdrawal can still change state.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalRejected || s == WithdrawalCompleted
}

// Withdrawal is a payout request. It reserves balance from the moment
// it is created until it is rejected.
type Withdrawal struct {
	ID          string           `gorm:"column:id;primaryKey"`
	UserID      string           `gorm:"column:user_id;index;not null"`
	Amount      int64            `gorm:"column:amount;not null"`
	Method      string           `gorm:"column:method"`
	Account     string           `gorm:"column:account"`
	Status      WithdrawalStatus `gorm:"column:status;index"`
	Comment     string           `gorm:"column:comment"`
	ProcessedBy string           `gorm:"column:processed_by"`
	ProcessedAt *time.Time       `gorm:"column:processed_at"`
	Version     int64            `gorm:"column:version;not null;default:1"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (Withdrawal) TableName() string { return "withdrawals" }
