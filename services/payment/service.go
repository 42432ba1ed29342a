package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskmarket-platform/pkg/config"
	dbutil "taskmarket-platform/pkg/db"
	"taskmarket-platform/pkg/errutil"
	"taskmarket-platform/pkg/sequence"
	"taskmarket-platform/pkg/task"
	"taskmarket-platform/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"taskmarket-platform/services/lifecycle"
)

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	lifecycle *lifecycle.Service
	verifiers map[Method]Verifier
	enqueuer  task.Enqueuer
	sequence  sequence.Generator
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Lifecycle *lifecycle.Service
	Verifiers []Verifier
	Enqueuer  task.Enqueuer      `optional:"true"`
	Sequence  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	verifiers := make(map[Method]Verifier, len(p.Verifiers))
	for _, v := range p.Verifiers {
		verifiers[v.Method()] = v
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		lifecycle: p.Lifecycle,
		verifiers: verifiers,
		enqueuer:  p.Enqueuer,
		sequence:  p.Sequence,
	}
}

// NewVerifiers builds one verifier per configured provider. A provider
// with no credentials is simply absent; its callbacks are rejected.
func NewVerifiers(cfg *config.Config) ([]Verifier, error) {
	var verifiers []Verifier

	if cfg.Alipay.PublicKey != "" {
		v, err := NewAlipayVerifier(cfg.Alipay.PublicKey)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}

	if cfg.Wechat.APIKey != "" {
		verifiers = append(verifiers, NewWechatVerifier(cfg.Wechat.APIKey))
	}

	if len(verifiers) == 0 {
		zap.L().Warn("[Payment] no gateway credentials configured, all callbacks will be rejected")
	}

	return verifiers, nil
}

type CreateInput struct {
	Method     Method
	TargetKind TargetKind
	TargetID   string
	UserID     string
}

// Create opens a pending payment for an unpaid requirement or order and
// allocates the out_trade_no the gateway will echo back.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Payment, error) {
	if !in.Method.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown payment method %q", in.Method))
	}

	var amount int64
	switch in.TargetKind {
	case TargetRequirement:
		r, err := s.lifecycle.GetRequirement(ctx, in.TargetID)
		if err != nil {
			return nil, err
		}
		if r.PaymentStatus != lifecycle.RequirementUnpaid {
			return nil, errutil.InvalidTransition(fmt.Sprintf("requirement %s payment_status is %s", r.ID, r.PaymentStatus))
		}
		amount = r.PriceAmount()
	case TargetOrder:
		o, err := s.lifecycle.GetOrder(ctx, in.TargetID)
		if err != nil {
			return nil, err
		}
		if o.PaymentStatus != lifecycle.OrderUnpaid {
			return nil, errutil.InvalidTransition(fmt.Sprintf("order %s payment_status is %s", o.ID, o.PaymentStatus))
		}
		amount = o.PaymentAmount
	default:
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown payment target %q", in.TargetKind))
	}

	if amount <= 0 {
		return nil, errutil.InvalidTransition("target has no payable amount")
	}

	outTradeNo, err := s.nextOutTradeNo(ctx)
	if err != nil {
		return nil, errutil.Internal("failed to generate out_trade_no", errutil.WithErr(err))
	}

	p := &Payment{
		ID:         s.node.Generate().String(),
		OutTradeNo: outTradeNo,
		Method:     in.Method,
		TargetKind: in.TargetKind,
		TargetID:   in.TargetID,
		UserID:     in.UserID,
		Amount:     amount,
		Status:     StatusPending,
		Version:    1,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		zap.L().Error("failed to create payment", zap.Error(err))
		return nil, err
	}

	return p, nil
}

// nextOutTradeNo prefers the redis sequence; it falls back to a random
// trade number so payments still open when redis is unavailable.
func (s *Service) nextOutTradeNo(ctx context.Context) (string, error) {
	if s.sequence != nil {
		no, err := s.sequence.NextTradeNo(ctx)
		if err == nil {
			return no, nil
		}
		zap.L().Warn("trade number sequence unavailable, using random fallback", zap.Error(err))
	}
	return GenerateOutTradeNo()
}

func (s *Service) GetByOutTradeNo(ctx context.Context, outTradeNo string) (*Payment, error) {
	var p Payment
	if err := s.db.WithContext(ctx).First(&p, "out_trade_no = ?", outTradeNo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("payment %s not found", outTradeNo))
		}
		return nil, err
	}
	return &p, nil
}

// Reconcile processes one authenticated gateway callback. The whole
// operation is idempotent on out_trade_no: replays of an already-applied
// result succeed without touching anything, so gateway retries are safe.
func (s *Service) Reconcile(ctx context.Context, method Method, params map[string]string) error {
	verifier, ok := s.verifiers[method]
	if !ok {
		return errutil.Unauthenticated(fmt.Sprintf("no %s credentials configured", method))
	}

	n, err := verifier.Parse(params)
	if err != nil {
		zap.L().Warn("rejected gateway callback",
			zap.String("method", string(method)),
			zap.Error(err),
		)
		s.audit(n, method, params, "rejected", err.Error())
		return err
	}

	zap.L().Info("gateway callback received",
		zap.String("method", string(method)),
		zap.String("out_trade_no", n.OutTradeNo),
		zap.String("result", string(n.Result)),
		zap.Int64("amount", n.Amount),
	)

	outcome := "applied"
	var reconcileErr error

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Payment
		if err := tx.Scopes(dbutil.LockingUpdate).First(&p, "out_trade_no = ?", n.OutTradeNo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound(fmt.Sprintf("payment %s not found", n.OutTradeNo))
			}
			return err
		}

		switch n.Result {
		case ResultSuccess:
			if p.Status == StatusSuccess {
				outcome = "duplicate"
				return nil
			}
			if p.Status.Terminal() {
				return errutil.InvalidTransition(fmt.Sprintf("payment %s is already %s", p.OutTradeNo, p.Status))
			}
			if p.Amount != n.Amount {
				// Record the failure but surface the mismatch: the
				// gateway keeps retrying a rejected callback, and each
				// retry must land on the same failed payment.
				if err := s.markPayment(tx, &p, StatusFailed, n); err != nil {
					return err
				}
				outcome = "amount_mismatch"
				reconcileErr = errutil.AmountMismatch(fmt.Sprintf(
					"payment %s expects %d, gateway reports %d", p.OutTradeNo, p.Amount, n.Amount))
				return nil
			}
			if err := s.markPayment(tx, &p, StatusSuccess, n); err != nil {
				return err
			}
			return s.applyLifecycle(ctx, tx, &p, lifecycle.ActionPaymentSuccess)

		case ResultRefund:
			if p.Status == StatusRefunded {
				outcome = "duplicate"
				return nil
			}
			if p.Status != StatusSuccess {
				return errutil.InvalidTransition(fmt.Sprintf("payment %s cannot be refunded from %s", p.OutTradeNo, p.Status))
			}
			if err := s.markPayment(tx, &p, StatusRefunded, n); err != nil {
				return err
			}
			return s.applyLifecycle(ctx, tx, &p, lifecycle.ActionPaymentRefund)

		case ResultFailed:
			if p.Status != StatusPending {
				// A failure callback racing a success is noise.
				outcome = "duplicate"
				return nil
			}
			if err := s.markPayment(tx, &p, StatusFailed, n); err != nil {
				return err
			}
			return nil

		default:
			return errutil.BadRequest(fmt.Sprintf("unknown gateway result %q", n.Result))
		}
	})

	if txErr != nil {
		s.audit(n, method, params, "rejected", txErr.Error())
		return txErr
	}
	if reconcileErr != nil {
		s.audit(n, method, params, outcome, reconcileErr.Error())
		return reconcileErr
	}

	s.audit(n, method, params, outcome, "")
	return nil
}

// markPayment commits the new status with a version check. The row is
// already locked, so a lost update here means a programming error.
func (s *Service) markPayment(tx *gorm.DB, p *Payment, status Status, n *Notification) error {
	raw, err := json.Marshal(n.Raw)
	if err != nil {
		raw = nil
	}

	now := time.Now()
	res := tx.Model(&Payment{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"status":         status,
			"transaction_id": n.TransactionID,
			"notify_payload": raw,
			"notified_at":    now,
			"version":        p.Version + 1,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.VersionConflict(fmt.Sprintf("payment %s was modified concurrently", p.OutTradeNo))
	}

	p.Status = status
	p.TransactionID = n.TransactionID
	p.NotifiedAt = &now
	p.Version++
	return nil
}

// applyLifecycle drives the target's payment axis inside the reconcile
// transaction, reading the current version under the same lock.
func (s *Service) applyLifecycle(ctx context.Context, tx *gorm.DB, p *Payment, action lifecycle.Action) error {
	ls := s.lifecycle.WithTx(tx)

	var ref lifecycle.EntityRef
	var version int64
	switch p.TargetKind {
	case TargetRequirement:
		r, err := ls.GetRequirement(ctx, p.TargetID)
		if err != nil {
			return err
		}
		ref = lifecycle.RequirementRef(r.ID)
		version = r.Version
	case TargetOrder:
		o, err := ls.GetOrder(ctx, p.TargetID)
		if err != nil {
			return err
		}
		ref = lifecycle.OrderRef(o.ID)
		version = o.Version

		if err := tx.Model(&lifecycle.Order{}).
			Where("id = ?", o.ID).
			Update("payment_method", string(p.Method)).Error; err != nil {
			return err
		}
	default:
		return errutil.Internal(fmt.Sprintf("payment %s has unknown target kind %q", p.OutTradeNo, p.TargetKind))
	}

	_, err := ls.AttemptTransition(ctx, ref, version, action, lifecycle.SystemActor)
	return err
}

// audit queues the callback for the append-only reconciliation trail.
// Best effort: the payment outcome never depends on the audit queue.
func (s *Service) audit(n *Notification, method Method, params map[string]string, outcome, detail string) {
	if s.enqueuer == nil {
		return
	}

	outTradeNo := params["out_trade_no"]
	if n != nil {
		outTradeNo = n.OutTradeNo
	}

	payload, err := json.Marshal(AuditPayload{
		OutTradeNo: outTradeNo,
		Method:     method,
		Outcome:    outcome,
		Detail:     detail,
		Params:     params,
	})
	if err != nil {
		return
	}

	if _, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.PaymentAuditRecord, payload), asynq.Queue("low")); err != nil {
		zap.L().Warn("failed to enqueue reconciliation audit", zap.Error(err))
	}
}
