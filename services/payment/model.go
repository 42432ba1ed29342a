package payment

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Method string

const (
	MethodAlipay Method = "alipay"
	MethodWechat Method = "wechat"
)

func (m Method) Valid() bool {
	return m == MethodAlipay || m == MethodWechat
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

// Terminal reports whether a gateway callback can still change this
// payment. Success is terminal for success callbacks but a refund
// callback may still move it to refunded.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusRefunded:
		return true
	}
	return false
}

type TargetKind string

const (
	TargetRequirement TargetKind = "requirement"
	TargetOrder       TargetKind = "order"
)

// Payment records one charge attempt against a requirement or an order.
// OutTradeNo is the merchant-side key every gateway callback carries; it
// is the idempotency anchor for reconciliation.
type Payment struct {
	ID            string         `gorm:"column:id;primaryKey"`
	OutTradeNo    string         `gorm:"column:out_trade_no;uniqueIndex;not null"`
	TransactionID string         `gorm:"column:transaction_id;index"`
	Method        Method         `gorm:"column:method;not null"`
	TargetKind    TargetKind     `gorm:"column:target_kind;not null"`
	TargetID      string         `gorm:"column:target_id;index;not null"`
	UserID        string         `gorm:"column:user_id;index"`
	Amount        int64          `gorm:"column:amount;not null"`
	Status        Status         `gorm:"column:status;index"`
	NotifyPayload datatypes.JSON `gorm:"column:notify_payload"`
	NotifiedAt    *time.Time     `gorm:"column:notified_at"`
	Version       int64          `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payment) TableName() string { return "payments" }

// ReconciliationAudit is an append-only trail of every callback the
// reconciler saw, including the ones it rejected. Written off the hot
// path by the worker.
type ReconciliationAudit struct {
	ID         uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	OutTradeNo string         `gorm:"column:out_trade_no;index"`
	Method     Method         `gorm:"column:method"`
	Outcome    string         `gorm:"column:outcome"`
	Detail     string         `gorm:"column:detail"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (ReconciliationAudit) TableName() string { return "reconciliation_audits" }

// GenerateOutTradeNo builds a merchant order number: date prefix plus a
// random suffix, unique enough for the gateways' 64-char limit.
func GenerateOutTradeNo() (string, error) {
	datePart := time.Now().Format("20060102")

	r := make([]byte, 6)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	randomPart := strings.ToUpper(fmt.Sprintf("%x", r))

	return fmt.Sprintf("TM%s%s", datePart, randomPart), nil
}
