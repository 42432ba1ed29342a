package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmarket-platform/pkg/config"
	dbutil "taskmarket-platform/pkg/db"
	"taskmarket-platform/pkg/errutil"
	"taskmarket-platform/services/lifecycle"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	holdPeriod time.Duration
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		holdPeriod: p.Config.Settlement.HoldPeriod,
	}
}

// CreateEarning implements lifecycle.EarningWriter. It runs inside the
// transition's transaction so the earning and the state change commit
// together.
func (s *Service) CreateEarning(ctx context.Context, tx *gorm.DB, spec lifecycle.EarningSpec) error {
	status := EarningPending
	var settledAt *time.Time
	if spec.Settled {
		status = EarningSettled
		now := time.Now()
		settledAt = &now
	}

	e := &Earning{
		ID:            s.node.Generate().String(),
		UserID:        spec.UserID,
		OrderID:       spec.OrderID,
		RequirementID: spec.RequirementID,
		Amount:        spec.Amount,
		Type:          spec.Type,
		Status:        status,
		Description:   spec.Description,
		SettledAt:     settledAt,
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		return err
	}

	zap.L().Info("earning recorded",
		zap.String("user_id", spec.UserID),
		zap.String("order_id", spec.OrderID),
		zap.Int64("amount", spec.Amount),
		zap.String("status", string(status)),
	)
	return nil
}

// CancelPendingByOrder implements lifecycle.EarningWriter. Settled
// earnings are untouchable; only money still in the hold window can be
// clawed back by a refund.
func (s *Service) CancelPendingByOrder(ctx context.Context, tx *gorm.DB, orderID string) (int64, error) {
	res := tx.WithContext(ctx).Model(&Earning{}).
		Where("order_id = ? AND status = ?", orderID, EarningPending).
		Updates(map[string]any{
			"status":     EarningCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user id is required")
	}
	return computeBalance(ctx, s.db, userID)
}

func (s *Service) ListEarnings(ctx context.Context, userID string) ([]Earning, error) {
	var earnings []Earning
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&earnings).Error
	return earnings, err
}

func (s *Service) ListWithdrawals(ctx context.Context, userID string) ([]Withdrawal, error) {
	var withdrawals []Withdrawal
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&withdrawals).Error
	return withdrawals, err
}

type WithdrawInput struct {
	Amount  int64
	Method  string
	Account string
}

// RequestWithdrawal reserves available balance for a payout. The user's
// earning rows are locked first so concurrent requests on the same user
// serialize on the balance check.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, in WithdrawInput) (*Withdrawal, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user id is required")
	}
	if in.Amount <= 0 {
		return nil, errutil.ValidationFailed("withdrawal amount must be positive")
	}
	if in.Account == "" {
		return nil, errutil.ValidationFailed("payout account is required")
	}

	var w *Withdrawal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []Earning
		if err := tx.Scopes(dbutil.LockingUpdate).
			Where("user_id = ?", userID).
			Find(&locked).Error; err != nil {
			return err
		}

		balance, err := computeBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance.Available < in.Amount {
			return errutil.InsufficientBalance(fmt.Sprintf(
				"available %d is less than requested %d", balance.Available, in.Amount))
		}

		w = &Withdrawal{
			ID:      s.node.Generate().String(),
			UserID:  userID,
			Amount:  in.Amount,
			Method:  in.Method,
			Account: in.Account,
			Status:  WithdrawalPending,
			Version: 1,
		}
		return tx.Create(w).Error
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("withdrawal requested",
		zap.String("withdrawal_id", w.ID),
		zap.String("user_id", userID),
		zap.Int64("amount", in.Amount),
	)
	return w, nil
}

// Decide approves or rejects a pending withdrawal.
func (s *Service) Decide(ctx context.Context, id string, version int64, approve bool, actor lifecycle.Actor, comment string) (*Withdrawal, error) {
	if !actor.IsAdmin() {
		return nil, errutil.Forbidden("withdrawal review requires an admin")
	}

	target := WithdrawalApproved
	if !approve {
		target = WithdrawalRejected
	}
	return s.moveWithdrawal(ctx, id, version, WithdrawalPending, target, actor.UserID, comment)
}

// Complete marks an approved withdrawal as paid out.
func (s *Service) Complete(ctx context.Context, id string, version int64, actor lifecycle.Actor) (*Withdrawal, error) {
	if !actor.IsAdmin() && !actor.IsSystem() {
		return nil, errutil.Forbidden("withdrawal completion requires an admin")
	}
	return s.moveWithdrawal(ctx, id, version, WithdrawalApproved, WithdrawalCompleted, actor.UserID, "")
}

func (s *Service) moveWithdrawal(ctx context.Context, id string, version int64, from, to WithdrawalStatus, processedBy, comment string) (*Withdrawal, error) {
	var w Withdrawal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(dbutil.LockingUpdate).First(&w, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound(fmt.Sprintf("withdrawal %s not found", id))
			}
			return err
		}

		if w.Version != version {
			return errutil.VersionConflict(fmt.Sprintf(
				"withdrawal %s version %d is stale (current %d)", id, version, w.Version))
		}
		if w.Status != from {
			return errutil.InvalidTransition(fmt.Sprintf(
				"withdrawal %s is %s, expected %s", id, w.Status, from))
		}

		now := time.Now()
		updates := map[string]any{
			"status":       to,
			"processed_by": processedBy,
			"processed_at": now,
			"version":      version + 1,
			"updated_at":   now,
		}
		if comment != "" {
			updates["comment"] = comment
		}
		res := tx.Model(&Withdrawal{}).
			Where("id = ? AND version = ?", id, version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.VersionConflict(fmt.Sprintf(
				"withdrawal %s version %d is stale", id, version))
		}

		w.Status = to
		if comment != "" {
			w.Comment = comment
		}
		w.ProcessedBy = processedBy
		w.ProcessedAt = &now
		w.Version = version + 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("withdrawal decided",
		zap.String("withdrawal_id", w.ID),
		zap.String("status", string(w.Status)),
		zap.String("processed_by", processedBy),
	)
	return &w, nil
}

// SettleMatured flips pending earnings older than the hold period to
// settled. Returns the number of rows settled.
func (s *Service) SettleMatured(ctx context.Context, before time.Time) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Earning{}).
		Where("status = ? AND created_at <= ?", EarningPending, before).
		Updates(map[string]any{
			"status":     EarningSettled,
			"settled_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		zap.L().Info("settled matured earnings",
			zap.Int64("count", res.RowsAffected),
			zap.Time("before", before),
		)
	}
	return res.RowsAffected, nil
}

// HoldPeriod exposes the configured settlement delay to the worker.
func (s *Service) HoldPeriod() time.Duration {
	return s.holdPeriod
}
