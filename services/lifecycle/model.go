package lifecycle

import (
	"time"

	"gorm.io/datatypes"
)

type RequirementStatus string

const (
	RequirementPending   RequirementStatus = "pending"
	RequirementAccepted  RequirementStatus = "accepted"
	RequirementCompleted RequirementStatus = "completed"
	RequirementClosed    RequirementStatus = "closed"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type RequirementPaymentStatus string

const (
	RequirementUnpaid      RequirementPaymentStatus = "unpaid"
	RequirementPaid        RequirementPaymentStatus = "paid"
	RequirementNotRequired RequirementPaymentStatus = "not_required"
	RequirementRefunded    RequirementPaymentStatus = "refunded"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderReviewing OrderStatus = "reviewing"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether no further status action is defined for s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

type OrderPaymentStatus string

const (
	OrderUnpaid   OrderPaymentStatus = "unpaid"
	OrderPaid     OrderPaymentStatus = "paid"
	OrderRefunded OrderPaymentStatus = "refunded"
)

// Requirement is a posted task. Three independent status axes: lifecycle
// status, moderation review_status and payment_status. Cross-constraints
// between the axes are enforced by the transition authority, never by
// callers writing fields directly.
type Requirement struct {
	ID            string                   `gorm:"column:id;primaryKey"`
	Title         string                   `gorm:"column:title"`
	Description   string                   `gorm:"column:description"`
	Requirements  string                   `gorm:"column:requirements"`
	Price         *int64                   `gorm:"column:price"`
	Status        RequirementStatus        `gorm:"column:status;index"`
	ReviewStatus  ReviewStatus             `gorm:"column:review_status;index"`
	PaymentStatus RequirementPaymentStatus `gorm:"column:payment_status;index"`
	PublisherID   string                   `gorm:"column:publisher_id;index;not null"`
	ReviewerID    string                   `gorm:"column:reviewer_id"`
	ReviewedAt    *time.Time               `gorm:"column:reviewed_at"`
	ReviewComment string                   `gorm:"column:review_comment"`
	Tags          datatypes.JSON           `gorm:"column:tags"`
	IsPublic      bool                     `gorm:"column:is_public;default:true"`
	IsPinned      bool                     `gorm:"column:is_pinned;default:false"`
	Version       int64                    `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (Requirement) TableName() string { return "requirements" }

// PriceAmount returns the price in minor units, zero for free tasks.
func (r *Requirement) PriceAmount() int64 {
	if r.Price == nil {
		return 0
	}
	return *r.Price
}

// Order binds one Requirement to one worker. At most one non-cancelled,
// non-rejected Order may exist per Requirement at a time.
type Order struct {
	ID            string             `gorm:"column:id;primaryKey"`
	RequirementID string             `gorm:"column:requirement_id;index;not null"`
	WorkerID      string             `gorm:"column:worker_id;index;not null"`
	PublisherID   string             `gorm:"column:publisher_id;index;not null"`
	Status        OrderStatus        `gorm:"column:status;index"`
	PaymentStatus OrderPaymentStatus `gorm:"column:payment_status;index"`
	PaymentAmount int64              `gorm:"column:payment_amount"`
	PaymentMethod string             `gorm:"column:payment_method"`
	PaymentTime   *time.Time         `gorm:"column:payment_time"`
	Version       int64              `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated identity handed in by the auth collaborator.
// The engine authorizes, it never authenticates.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// SystemActor drives gateway-originated transitions.
var SystemActor = Actor{Role: RoleSystem}
