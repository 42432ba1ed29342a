package lifecycle

import (
	"context"
	"testing"

	"taskmarket-platform/pkg/config"
	"taskmarket-platform/pkg/errutil"
	"taskmarket-platform/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type earningWriterMock struct {
	created   []EarningSpec
	cancelled []string
}

func (m *earningWriterMock) CreateEarning(_ context.Context, _ *gorm.DB, spec EarningSpec) error {
	m.created = append(m.created, spec)
	return nil
}

func (m *earningWriterMock) CancelPendingByOrder(_ context.Context, _ *gorm.DB, orderID string) (int64, error) {
	m.cancelled = append(m.cancelled, orderID)
	return 1, nil
}

func newLifecycleService(t *testing.T) (*Service, *earningWriterMock) {
	t.Helper()

	db := testutil.NewTestDB(t, &Requirement{}, &Order{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Settlement.RejectPenalty = 100
	cfg.Settlement.CommissionRate = 100

	earnings := &earningWriterMock{}
	svc := NewService(ServiceParams{DB: db, Node: node, Config: cfg, Earnings: earnings})
	return svc, earnings
}

func publishPaid(t *testing.T, svc *Service) *Requirement {
	t.Helper()

	ctx := context.Background()
	amount := int64(5000)
	r, err := svc.PublishRequirement(ctx, "pub-1", PublishInput{
		Title:       "translate product page",
		Description: "zh -> en",
		Price:       &amount,
		IsPublic:    true,
	})
	require.NoError(t, err)
	require.Equal(t, RequirementPending, r.Status)
	require.Equal(t, ReviewPending, r.ReviewStatus)
	require.Equal(t, RequirementUnpaid, r.PaymentStatus)
	require.Equal(t, int64(1), r.Version)

	res, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), r.Version, ActionApproveReview, Actor{UserID: "mod-1", Role: RoleAdmin}, WithReviewComment("looks fine"))
	require.NoError(t, err)
	require.Equal(t, ReviewApproved, res.Requirement.ReviewStatus)

	res, err = svc.AttemptTransition(ctx, RequirementRef(r.ID), res.Requirement.Version, ActionPaymentSuccess, SystemActor)
	require.NoError(t, err)
	require.Equal(t, RequirementPaid, res.Requirement.PaymentStatus)

	return res.Requirement
}

func TestPublishRequirement_FreeTaskSkipsPayment(t *testing.T) {
	svc, _ := newLifecycleService(t)

	r, err := svc.PublishRequirement(context.Background(), "pub-1", PublishInput{Title: "volunteer proofread"})
	require.NoError(t, err)
	require.Equal(t, RequirementNotRequired, r.PaymentStatus)
}

func TestPublishRequirement_Validation(t *testing.T) {
	svc, _ := newLifecycleService(t)
	ctx := context.Background()

	_, err := svc.PublishRequirement(ctx, "pub-1", PublishInput{})
	requireCode(t, err, errutil.StatusValidationFailed)

	bad := int64(-1)
	_, err = svc.PublishRequirement(ctx, "pub-1", PublishInput{Title: "t", Price: &bad})
	requireCode(t, err, errutil.StatusValidationFailed)

	_, err = svc.PublishRequirement(ctx, "", PublishInput{Title: "t"})
	requireCode(t, err, errutil.StatusForbidden)
}

func TestAcceptCreatesOrderAndLocksRequirement(t *testing.T) {
	svc, _ := newLifecycleService(t)
	ctx := context.Background()

	r := publishPaid(t, svc)

	res, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), r.Version, ActionAccept, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)
	require.Equal(t, RequirementAccepted, res.Requirement.Status)
	require.NotNil(t, res.CreatedOrder)

	o := res.CreatedOrder
	require.Equal(t, "worker-1", o.WorkerID)
	require.Equal(t, "pub-1", o.PublisherID)
	require.Equal(t, OrderPending, o.Status)
	require.Equal(t, OrderPaid, o.PaymentStatus)
	require.Equal(t, int64(5000), o.PaymentAmount)
	require.Equal(t, int64(1), o.Version)

	// The requirement left the pending pool, so a second worker loses.
	_, err = svc.AttemptTransition(ctx, RequirementRef(r.ID), res.Requirement.Version, ActionAccept, Actor{UserID: "worker-2", Role: RoleUser})
	requireCode(t, err, errutil.StatusInvalidTransition)
}

func TestAttemptTransition_StaleVersion(t *testing.T) {
	svc, _ := newLifecycleService(t)
	ctx := context.Background()

	r := publishPaid(t, svc)
	res, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), r.Version, ActionAccept, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)
	o := res.CreatedOrder

	// Two cancels race on the same observed version. The first wins.
	_, err = svc.AttemptTransition(ctx, OrderRef(o.ID), o.Version, ActionCancel, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)

	_, err = svc.AttemptTransition(ctx, OrderRef(o.ID), o.Version, ActionCancel, Actor{UserID: "pub-1", Role: RoleUser})
	requireCode(t, err, errutil.StatusVersionConflict)

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.True(t, be.Code.Retryable())
}

func TestCancelReopensRequirement(t *testing.T) {
	svc, _ := newLifecycleService(t)
	ctx := context.Background()

	r := publishPaid(t, svc)
	res, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), r.Version, ActionAccept, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)

	_, err = svc.AttemptTransition(ctx, OrderRef(res.CreatedOrder.ID), 1, ActionCancel, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)

	reloaded, err := svc.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, RequirementPending, reloaded.Status)

	// Back on the market: another worker may now take it.
	res2, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), reloaded.Version, ActionAccept, Actor{UserID: "worker-2", Role: RoleUser})
	require.NoError(t, err)
	require.Equal(t, "worker-2", res2.CreatedOrder.WorkerID)
}

func TestApproveSettlesCommission(t *testing.T) {
	svc, earnings := newLifecycleService(t)
	ctx := context.Background()

	r := publishPaid(t, svc)
	res, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), r.Version, ActionAccept, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)
	o := res.CreatedOrder

	_, err = svc.AttemptTransition(ctx, OrderRef(o.ID), 1, ActionSubmitForReview, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)

	res, err = svc.AttemptTransition(ctx, OrderRef(o.ID), 2, ActionApprove, Actor{UserID: "pub-1", Role: RoleUser})
	require.NoError(t, err)
	require.Equal(t, OrderCompleted, res.Order.Status)

	require.Len(t, earnings.created, 1)
	require.Equal(t, "worker-1", earnings.created[0].UserID)
	require.Equal(t, int64(5000), earnings.created[0].Amount)
	require.Equal(t, EarningCommission, earnings.created[0].Type)

	reloaded, err := svc.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, RequirementCompleted, reloaded.Status)
}

func TestRejectAppliesPenaltyAndReopens(t *testing.T) {
	svc, earnings := newLifecycleService(t)
	ctx := context.Background()

	r := publishPaid(t, svc)
	res, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), r.Version, ActionAccept, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)
	o := res.CreatedOrder

	_, err = svc.AttemptTransition(ctx, OrderRef(o.ID), 1, ActionSubmitForReview, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)

	_, err = svc.AttemptTransition(ctx, OrderRef(o.ID), 2, ActionReject, Actor{UserID: "pub-1", Role: RoleUser}, WithPenalty(250))
	require.NoError(t, err)

	require.Len(t, earnings.created, 1)
	require.Equal(t, int64(-250), earnings.created[0].Amount)
	require.Equal(t, EarningPenalty, earnings.created[0].Type)
	require.True(t, earnings.created[0].Settled)

	reloaded, err := svc.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, RequirementPending, reloaded.Status)
}

func TestRefundCancelsPendingEarnings(t *testing.T) {
	svc, earnings := newLifecycleService(t)
	ctx := context.Background()

	r := publishPaid(t, svc)
	res, err := svc.AttemptTransition(ctx, RequirementRef(r.ID), r.Version, ActionAccept, Actor{UserID: "worker-1", Role: RoleUser})
	require.NoError(t, err)
	o := res.CreatedOrder

	res, err = svc.AttemptTransition(ctx, OrderRef(o.ID), o.Version, ActionPaymentRefund, SystemActor)
	require.NoError(t, err)
	require.Equal(t, OrderRefunded, res.Order.PaymentStatus)
	require.Equal(t, []string{o.ID}, earnings.cancelled)

	reloaded, err := svc.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, RequirementRefunded, reloaded.PaymentStatus)
}

func TestAttemptTransition_NotFound(t *testing.T) {
	svc, _ := newLifecycleService(t)

	_, err := svc.AttemptTransition(context.Background(), OrderRef("missing"), 1, ActionCancel, Actor{UserID: "u", Role: RoleUser})
	requireCode(t, err, errutil.StatusNotFound)
}
