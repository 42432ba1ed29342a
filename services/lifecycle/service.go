package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskmarket-platform/pkg/config"
	dbutil "taskmarket-platform/pkg/db"
	"taskmarket-platform/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EarningSpec describes an earning derived from a committed transition.
type EarningSpec struct {
	UserID        string
	OrderID       string
	RequirementID string
	Amount        int64
	Type          string
	Settled       bool
	Description   string
}

// EarningWriter persists earning effects inside the transition's own
// transaction. Implemented by the wallet service and injected here so
// the state machine and the balance sources commit as one unit.
type EarningWriter interface {
	CreateEarning(ctx context.Context, tx *gorm.DB, spec EarningSpec) error
	CancelPendingByOrder(ctx context.Context, tx *gorm.DB, orderID string) (int64, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	earnings EarningWriter
	opts     DecisionOptions
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Earnings EarningWriter
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		earnings: p.Earnings,
		opts: DecisionOptions{
			PenaltyAmount:  p.Config.Settlement.RejectPenalty,
			CommissionRate: p.Config.Settlement.CommissionRate,
		},
	}
}

// WithTx returns a copy of the service bound to an external transaction,
// so callers (the payment reconciliation service) can fold a transition
// into their own atomic commit.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	clone := *s
	clone.db = tx
	return &clone
}

type EntityKind string

const (
	KindOrder       EntityKind = "order"
	KindRequirement EntityKind = "requirement"
)

// EntityRef addresses the target of a transition.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

func OrderRef(id string) EntityRef       { return EntityRef{Kind: KindOrder, ID: id} }
func RequirementRef(id string) EntityRef { return EntityRef{Kind: KindRequirement, ID: id} }

type TransitionResult struct {
	Order        *Order
	Requirement  *Requirement
	CreatedOrder *Order
	Effects      []Effect
}

type transitionConfig struct {
	reviewComment string
	penalty       *int64
}

type TransitionOption func(*transitionConfig)

// WithReviewComment attaches the moderator's comment to a review decision.
func WithReviewComment(comment string) TransitionOption {
	return func(c *transitionConfig) { c.reviewComment = comment }
}

// WithPenalty overrides the configured penalty charged on a rejection.
func WithPenalty(amount int64) TransitionOption {
	return func(c *transitionConfig) { c.penalty = &amount }
}

type PublishInput struct {
	Title        string
	Description  string
	Requirements string
	Price        *int64
	Tags         []string
	IsPublic     bool
	IsPinned     bool
}

// PublishRequirement creates a new requirement awaiting moderation. Free
// tasks (nil price) skip the payment gate entirely.
func (s *Service) PublishRequirement(ctx context.Context, publisherID string, in PublishInput) (*Requirement, error) {
	if publisherID == "" {
		return nil, errutil.Forbidden("publishing requires an authenticated user")
	}
	if in.Title == "" {
		return nil, errutil.ValidationFailed("title is required")
	}
	if in.Price != nil && *in.Price <= 0 {
		return nil, errutil.ValidationFailed("price must be positive when set")
	}

	paymentStatus := RequirementUnpaid
	if in.Price == nil {
		paymentStatus = RequirementNotRequired
	}

	var tags []byte
	if len(in.Tags) > 0 {
		tags, _ = json.Marshal(in.Tags)
	}

	r := &Requirement{
		ID:            s.node.Generate().String(),
		Title:         in.Title,
		Description:   in.Description,
		Requirements:  in.Requirements,
		Price:         in.Price,
		Status:        RequirementPending,
		ReviewStatus:  ReviewPending,
		PaymentStatus: paymentStatus,
		PublisherID:   publisherID,
		Tags:          tags,
		IsPublic:      in.IsPublic,
		IsPinned:      in.IsPinned,
		Version:       1,
	}

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		zap.L().Error("failed to create requirement", zap.Error(err))
		return nil, err
	}

	return r, nil
}

func (s *Service) GetRequirement(ctx context.Context, id string) (*Requirement, error) {
	var r Requirement
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("requirement %s not found", id))
		}
		return nil, err
	}
	return &r, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("order %s not found", id))
		}
		return nil, err
	}
	return &o, nil
}

// AttemptTransition is the single choke point for every Requirement and
// Order state change. It loads the target under a row lock, rejects
// stale versions, asks the pure decision functions for the outcome, and
// commits state plus derived effects in one transaction.
func (s *Service) AttemptTransition(ctx context.Context, ref EntityRef, version int64, action Action, actor Actor, opts ...TransitionOption) (*TransitionResult, error) {
	cfg := transitionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var result *TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch ref.Kind {
		case KindOrder:
			res, err := s.transitionOrder(ctx, tx, ref.ID, version, action, actor, cfg)
			if err != nil {
				return err
			}
			result = res
			return nil
		case KindRequirement:
			res, err := s.transitionRequirement(ctx, tx, ref.ID, version, action, actor, cfg)
			if err != nil {
				return err
			}
			result = res
			return nil
		default:
			return errutil.BadRequest(fmt.Sprintf("unknown entity kind %q", ref.Kind))
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) transitionOrder(ctx context.Context, tx *gorm.DB, id string, version int64, action Action, actor Actor, cfg transitionConfig) (*TransitionResult, error) {
	var o Order
	if err := tx.Scopes(dbutil.LockingUpdate).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("order %s not found", id))
		}
		return nil, err
	}

	if version != o.Version {
		return nil, staleVersion("order", id, version, o.Version)
	}

	var r Requirement
	if err := tx.Scopes(dbutil.LockingUpdate).First(&r, "id = ?", o.RequirementID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("requirement %s not found", o.RequirementID))
		}
		return nil, err
	}

	decideOpts := s.opts
	if cfg.penalty != nil {
		decideOpts.PenaltyAmount = *cfg.penalty
	}

	decision, err := DecideOrder(&o, &r, action, actor, decideOpts)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":         decision.Status,
		"payment_status": decision.PaymentStatus,
		"version":        version + 1,
		"updated_at":     time.Now(),
	}
	if decision.SetPaymentTime {
		updates["payment_time"] = time.Now()
	}

	res := tx.Model(&Order{}).Where("id = ? AND version = ?", o.ID, version).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, staleVersion("order", id, version, o.Version)
	}

	o.Status = decision.Status
	o.PaymentStatus = decision.PaymentStatus
	o.Version = version + 1

	result := &TransitionResult{Order: &o, Requirement: &r, Effects: decision.Effects}
	if err := s.applyEffects(ctx, tx, result); err != nil {
		return nil, err
	}

	zap.L().Info("order transition committed",
		zap.String("order_id", o.ID),
		zap.String("action", string(action)),
		zap.String("status", string(o.Status)),
		zap.Int64("version", o.Version),
	)

	return result, nil
}

func (s *Service) transitionRequirement(ctx context.Context, tx *gorm.DB, id string, version int64, action Action, actor Actor, cfg transitionConfig) (*TransitionResult, error) {
	var r Requirement
	if err := tx.Scopes(dbutil.LockingUpdate).First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("requirement %s not found", id))
		}
		return nil, err
	}

	if version != r.Version {
		return nil, staleVersion("requirement", id, version, r.Version)
	}

	decision, err := DecideRequirement(&r, action, actor)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":         decision.Status,
		"review_status":  decision.ReviewStatus,
		"payment_status": decision.PaymentStatus,
		"version":        version + 1,
		"updated_at":     time.Now(),
	}
	if decision.SetReviewMeta {
		updates["reviewer_id"] = actor.UserID
		updates["reviewed_at"] = time.Now()
		updates["review_comment"] = cfg.reviewComment
	}

	res := tx.Model(&Requirement{}).Where("id = ? AND version = ?", r.ID, version).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, staleVersion("requirement", id, version, r.Version)
	}

	r.Status = decision.Status
	r.ReviewStatus = decision.ReviewStatus
	r.PaymentStatus = decision.PaymentStatus
	r.Version = version + 1

	result := &TransitionResult{Requirement: &r, Effects: decision.Effects}
	if err := s.applyEffects(ctx, tx, result); err != nil {
		return nil, err
	}

	zap.L().Info("requirement transition committed",
		zap.String("requirement_id", r.ID),
		zap.String("action", string(action)),
		zap.String("status", string(r.Status)),
		zap.Int64("version", r.Version),
	)

	return result, nil
}

// applyEffects executes the decision's derived effects inside the same
// transaction as the state change. Requirement side effects bump the
// version without a compare-and-swap: the row lock taken above already
// serializes them.
func (s *Service) applyEffects(ctx context.Context, tx *gorm.DB, result *TransitionResult) error {
	for _, ef := range result.Effects {
		switch ef.Kind {
		case EffectCreateOrder:
			created, err := s.createOrder(ctx, tx, result.Requirement, ef)
			if err != nil {
				return err
			}
			result.CreatedOrder = created

		case EffectCreateEarning:
			if s.earnings == nil {
				return errutil.Internal("earning writer not configured")
			}
			if err := s.earnings.CreateEarning(ctx, tx, EarningSpec{
				UserID:        ef.UserID,
				OrderID:       ef.OrderID,
				RequirementID: ef.RequirementID,
				Amount:        ef.Amount,
				Type:          ef.EarningType,
				Settled:       ef.Settled,
				Description:   ef.Description,
			}); err != nil {
				return err
			}

		case EffectCancelPendingEarnings:
			if s.earnings == nil {
				return errutil.Internal("earning writer not configured")
			}
			if _, err := s.earnings.CancelPendingByOrder(ctx, tx, ef.OrderID); err != nil {
				return err
			}

		case EffectMarkRequirementCompleted:
			if err := s.updateRequirement(tx, ef.RequirementID, map[string]any{
				"status": RequirementCompleted,
			}); err != nil {
				return err
			}

		case EffectReopenRequirement:
			// A soft-closed or completed requirement stays where it is;
			// only an accepted one goes back on the market.
			res := tx.Model(&Requirement{}).
				Where("id = ? AND status = ?", ef.RequirementID, RequirementAccepted).
				Updates(map[string]any{
					"status":     RequirementPending,
					"version":    gorm.Expr("version + 1"),
					"updated_at": time.Now(),
				})
			if res.Error != nil {
				return res.Error
			}

		case EffectSetRequirementPaid:
			if err := s.updateRequirement(tx, ef.RequirementID, map[string]any{
				"payment_status": RequirementPaid,
			}); err != nil {
				return err
			}

		case EffectSetRequirementRefunded:
			if err := s.updateRequirement(tx, ef.RequirementID, map[string]any{
				"payment_status": RequirementRefunded,
			}); err != nil {
				return err
			}

		default:
			return errutil.Internal(fmt.Sprintf("unknown effect kind %q", ef.Kind))
		}
	}
	return nil
}

func (s *Service) createOrder(ctx context.Context, tx *gorm.DB, r *Requirement, ef Effect) (*Order, error) {
	// Exclusivity: a requirement cannot be double-booked.
	var live int64
	err := tx.Model(&Order{}).
		Where("requirement_id = ? AND status NOT IN ?", r.ID, []OrderStatus{OrderCancelled, OrderRejected}).
		Count(&live).Error
	if err != nil {
		return nil, err
	}
	if live > 0 {
		return nil, errutil.Conflict(fmt.Sprintf("requirement %s already has an active order", r.ID))
	}

	paymentStatus := OrderUnpaid
	if r.PaymentStatus == RequirementPaid {
		paymentStatus = OrderPaid
	}

	o := &Order{
		ID:            s.node.Generate().String(),
		RequirementID: r.ID,
		WorkerID:      ef.UserID,
		PublisherID:   r.PublisherID,
		Status:        OrderPending,
		PaymentStatus: paymentStatus,
		PaymentAmount: ef.Amount,
		Version:       1,
	}
	if err := tx.WithContext(ctx).Create(o).Error; err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) updateRequirement(tx *gorm.DB, id string, updates map[string]any) error {
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now()
	return tx.Model(&Requirement{}).Where("id = ?", id).Updates(updates).Error
}

func staleVersion(kind, id string, got, want int64) error {
	return errutil.VersionConflict(fmt.Sprintf("%s %s version %d is stale (current %d)", kind, id, got, want))
}
