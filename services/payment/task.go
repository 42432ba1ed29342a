package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"taskmarket-platform/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AuditPayload is the wire form of one reconciliation audit record.
type AuditPayload struct {
	OutTradeNo string            `json:"out_trade_no"`
	Method     Method            `json:"method"`
	Outcome    string            `json:"outcome"`
	Detail     string            `json:"detail,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// AuditTaskHandler persists reconciliation audit records on the worker.
type AuditTaskHandler struct {
	db *gorm.DB
}

func NewAuditTaskHandler(db *gorm.DB) *AuditTaskHandler {
	return &AuditTaskHandler{db: db}
}

func (h *AuditTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.PaymentAuditRecord, h.HandleAuditRecord)
}

func (h *AuditTaskHandler) HandleAuditRecord(ctx context.Context, t *asynq.Task) error {
	var payload AuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal audit payload: %w", err)
	}

	raw, err := json.Marshal(payload.Params)
	if err != nil {
		raw = nil
	}

	record := &ReconciliationAudit{
		OutTradeNo: payload.OutTradeNo,
		Method:     payload.Method,
		Outcome:    payload.Outcome,
		Detail:     payload.Detail,
		Payload:    raw,
	}
	if err := h.db.WithContext(ctx).Create(record).Error; err != nil {
		zap.L().Error("failed to persist reconciliation audit",
			zap.String("out_trade_no", payload.OutTradeNo),
			zap.Error(err),
		)
		return err
	}

	return nil
}
