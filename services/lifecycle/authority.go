package lifecycle

import (
	"fmt"

	"taskmarket-platform/pkg/errutil"
)

// Action is a requested state change. Every mutation of Requirement or
// Order status goes through Decide*; nothing else writes those columns.
type Action string

const (
	ActionAccept          Action = "accept"
	ActionCancel          Action = "cancel"
	ActionSubmitForReview Action = "submitForReview"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionClose           Action = "close"
	ActionApproveReview   Action = "approveReview"
	ActionRejectReview    Action = "rejectReview"
	ActionPaymentSuccess  Action = "applyPaymentSuccess"
	ActionPaymentRefund   Action = "applyPaymentRefund"
)

type EffectKind string

const (
	EffectCreateOrder              EffectKind = "create_order"
	EffectCreateEarning            EffectKind = "create_earning"
	EffectCancelPendingEarnings    EffectKind = "cancel_pending_earnings"
	EffectMarkRequirementCompleted EffectKind = "mark_requirement_completed"
	EffectReopenRequirement        EffectKind = "reopen_requirement"
	EffectSetRequirementPaid       EffectKind = "set_requirement_paid"
	EffectSetRequirementRefunded   EffectKind = "set_requirement_refunded"
)

// Effect is a derived side effect of a committed transition. Effects are
// returned by the decision functions and applied by the service inside
// the same transaction as the state change itself.
type Effect struct {
	Kind          EffectKind
	UserID        string
	OrderID       string
	RequirementID string
	Amount        int64 // signed, minor units
	EarningType   string
	Settled       bool
	Description   string
}

const (
	EarningCommission = "commission"
	EarningPenalty    = "penalty"
)

// DecisionOptions tune outcomes the transition table leaves open.
type DecisionOptions struct {
	// PenaltyAmount, when positive, charges the worker on a rejected
	// order. Stored as a negative, immediately-settled earning.
	PenaltyAmount int64
	// CommissionRate is the percentage of the order amount credited to
	// the worker on approval. 100 means the full amount.
	CommissionRate int64
}

func (o DecisionOptions) commission(base int64) int64 {
	rate := o.CommissionRate
	if rate <= 0 || rate > 100 {
		rate = 100
	}
	return base * rate / 100
}

type OrderDecision struct {
	Status         OrderStatus
	PaymentStatus  OrderPaymentStatus
	SetPaymentTime bool
	Effects        []Effect
}

type RequirementDecision struct {
	Status        RequirementStatus
	ReviewStatus  ReviewStatus
	PaymentStatus RequirementPaymentStatus
	SetReviewMeta bool
	Effects       []Effect
}

// DecideOrder validates an action against the order transition table and
// the actor's capability, returning the resulting state plus derived
// effects. It performs no I/O.
func DecideOrder(o *Order, r *Requirement, action Action, actor Actor, opts DecisionOptions) (*OrderDecision, error) {
	d := &OrderDecision{
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
	}

	switch action {
	case ActionPaymentSuccess:
		if !actor.IsSystem() {
			return nil, errutil.Forbidden("payment results are applied by the reconciliation service")
		}
		if o.Status.Terminal() {
			return nil, invalidOrderAction(o.Status, action)
		}
		if o.PaymentStatus != OrderUnpaid {
			return nil, errutil.InvalidTransition(fmt.Sprintf("order %s payment_status is already %s", o.ID, o.PaymentStatus))
		}
		d.PaymentStatus = OrderPaid
		d.SetPaymentTime = true
		d.Effects = append(d.Effects, Effect{Kind: EffectSetRequirementPaid, RequirementID: o.RequirementID})
		return d, nil

	case ActionPaymentRefund:
		if !actor.IsSystem() {
			return nil, errutil.Forbidden("payment results are applied by the reconciliation service")
		}
		if o.PaymentStatus != OrderPaid {
			return nil, errutil.InvalidTransition(fmt.Sprintf("order %s cannot be refunded from payment_status %s", o.ID, o.PaymentStatus))
		}
		d.PaymentStatus = OrderRefunded
		d.Effects = append(d.Effects,
			Effect{Kind: EffectSetRequirementRefunded, RequirementID: o.RequirementID},
			Effect{Kind: EffectCancelPendingEarnings, OrderID: o.ID},
		)
		return d, nil
	}

	if o.Status.Terminal() {
		return nil, invalidOrderAction(o.Status, action)
	}

	switch action {
	case ActionCancel:
		if !actor.IsAdmin() && actor.UserID != o.PublisherID && actor.UserID != o.WorkerID {
			return nil, errutil.Forbidden("only the publisher or worker may cancel")
		}
		if o.Status != OrderPending {
			return nil, invalidOrderAction(o.Status, action)
		}
		d.Status = OrderCancelled
		d.Effects = append(d.Effects, Effect{Kind: EffectReopenRequirement, RequirementID: o.RequirementID})
		return d, nil

	case ActionSubmitForReview:
		if actor.UserID != o.WorkerID {
			return nil, errutil.Forbidden("only the worker may submit for review")
		}
		if o.Status != OrderPending {
			return nil, invalidOrderAction(o.Status, action)
		}
		d.Status = OrderReviewing
		return d, nil

	case ActionApprove:
		if !actor.IsAdmin() && actor.UserID != o.PublisherID {
			return nil, errutil.Forbidden("only the publisher or an admin may approve")
		}
		if o.Status != OrderReviewing {
			return nil, invalidOrderAction(o.Status, action)
		}
		d.Status = OrderCompleted
		d.Effects = append(d.Effects, Effect{Kind: EffectMarkRequirementCompleted, RequirementID: o.RequirementID})
		if amount := opts.commission(orderAmount(o, r)); amount > 0 {
			d.Effects = append(d.Effects, Effect{
				Kind:          EffectCreateEarning,
				UserID:        o.WorkerID,
				OrderID:       o.ID,
				RequirementID: o.RequirementID,
				Amount:        amount,
				EarningType:   EarningCommission,
				Description:   fmt.Sprintf("commission for order %s", o.ID),
			})
		}
		return d, nil

	case ActionReject:
		if !actor.IsAdmin() && actor.UserID != o.PublisherID {
			return nil, errutil.Forbidden("only the publisher or an admin may reject")
		}
		if o.Status != OrderReviewing {
			return nil, invalidOrderAction(o.Status, action)
		}
		d.Status = OrderRejected
		d.Effects = append(d.Effects, Effect{Kind: EffectReopenRequirement, RequirementID: o.RequirementID})
		if opts.PenaltyAmount > 0 {
			d.Effects = append(d.Effects, Effect{
				Kind:          EffectCreateEarning,
				UserID:        o.WorkerID,
				OrderID:       o.ID,
				RequirementID: o.RequirementID,
				Amount:        -opts.PenaltyAmount,
				EarningType:   EarningPenalty,
				Settled:       true,
				Description:   fmt.Sprintf("penalty for rejected order %s", o.ID),
			})
		}
		return d, nil
	}

	return nil, invalidOrderAction(o.Status, action)
}

// DecideRequirement validates actions that target the requirement itself:
// worker acceptance, publisher close, moderation decisions and
// requirement-bound payment results.
func DecideRequirement(r *Requirement, action Action, actor Actor) (*RequirementDecision, error) {
	d := &RequirementDecision{
		Status:        r.Status,
		ReviewStatus:  r.ReviewStatus,
		PaymentStatus: r.PaymentStatus,
	}

	switch action {
	case ActionAccept:
		if actor.UserID == "" || actor.IsSystem() {
			return nil, errutil.Forbidden("acceptance requires an authenticated user")
		}
		if actor.UserID == r.PublisherID {
			return nil, errutil.Forbidden("a publisher cannot accept their own requirement")
		}
		if r.Status != RequirementPending {
			return nil, invalidRequirementAction(r.Status, action)
		}
		if r.ReviewStatus != ReviewApproved {
			return nil, errutil.InvalidTransition(fmt.Sprintf("requirement %s is not approved for acceptance", r.ID))
		}
		if r.PaymentStatus != RequirementPaid && r.PaymentStatus != RequirementNotRequired {
			return nil, errutil.InvalidTransition(fmt.Sprintf("requirement %s has not been paid", r.ID))
		}
		d.Status = RequirementAccepted
		d.Effects = append(d.Effects, Effect{
			Kind:          EffectCreateOrder,
			UserID:        actor.UserID,
			RequirementID: r.ID,
			Amount:        r.PriceAmount(),
		})
		return d, nil

	case ActionClose:
		if !actor.IsAdmin() && actor.UserID != r.PublisherID {
			return nil, errutil.Forbidden("only the publisher or an admin may close")
		}
		if r.Status != RequirementPending {
			return nil, invalidRequirementAction(r.Status, action)
		}
		d.Status = RequirementClosed
		return d, nil

	case ActionApproveReview, ActionRejectReview:
		if !actor.IsAdmin() {
			return nil, errutil.Forbidden("moderation requires an admin")
		}
		if r.ReviewStatus != ReviewPending {
			return nil, errutil.InvalidTransition(fmt.Sprintf("requirement %s review is already %s", r.ID, r.ReviewStatus))
		}
		if action == ActionApproveReview {
			d.ReviewStatus = ReviewApproved
		} else {
			d.ReviewStatus = ReviewRejected
		}
		d.SetReviewMeta = true
		return d, nil

	case ActionPaymentSuccess:
		if !actor.IsSystem() {
			return nil, errutil.Forbidden("payment results are applied by the reconciliation service")
		}
		if r.PaymentStatus != RequirementUnpaid {
			return nil, errutil.InvalidTransition(fmt.Sprintf("requirement %s payment_status is already %s", r.ID, r.PaymentStatus))
		}
		d.PaymentStatus = RequirementPaid
		return d, nil

	case ActionPaymentRefund:
		if !actor.IsSystem() {
			return nil, errutil.Forbidden("payment results are applied by the reconciliation service")
		}
		if r.PaymentStatus != RequirementPaid {
			return nil, errutil.InvalidTransition(fmt.Sprintf("requirement %s cannot be refunded from payment_status %s", r.ID, r.PaymentStatus))
		}
		d.PaymentStatus = RequirementRefunded
		return d, nil
	}

	return nil, invalidRequirementAction(r.Status, action)
}

func orderAmount(o *Order, r *Requirement) int64 {
	if o.PaymentAmount > 0 {
		return o.PaymentAmount
	}
	if r != nil {
		return r.PriceAmount()
	}
	return 0
}

func invalidOrderAction(from OrderStatus, action Action) error {
	return errutil.InvalidTransition(fmt.Sprintf("action %s is not defined for order status %s", action, from))
}

func invalidRequirementAction(from RequirementStatus, action Action) error {
	return errutil.InvalidTransition(fmt.Sprintf("action %s is not defined for requirement status %s", action, from))
}
