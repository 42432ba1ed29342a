package payment

import (
	"context"
	"testing"

	"taskmarket-platform/pkg/config"
	"taskmarket-platform/pkg/errutil"
	"taskmarket-platform/services/lifecycle"
	"taskmarket-platform/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type nopEarnings struct{}

func (nopEarnings) CreateEarning(context.Context, *gorm.DB, lifecycle.EarningSpec) error {
	return nil
}

func (nopEarnings) CancelPendingByOrder(context.Context, *gorm.DB, string) (int64, error) {
	return 0, nil
}

// stubVerifier trusts every callback, so tests exercise reconciliation
// rather than signatures.
type stubVerifier struct {
	method Method
	next   *Notification
}

func (s *stubVerifier) Method() Method { return s.method }
func (s *stubVerifier) Verify(map[string]string) error { return nil }
func (s *stubVerifier) Parse(params map[string]string) (*Notification, error) {
	n := *s.next
	n.Raw = params
	return &n, nil
}

type paymentFixture struct {
	svc       *Service
	lifecycle *lifecycle.Service
	verifier  *stubVerifier
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	db := testutil.NewTestDB(t, &lifecycle.Requirement{}, &lifecycle.Order{}, &Payment{})
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Settlement.CommissionRate = 100

	ls := lifecycle.NewService(lifecycle.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Earnings: nopEarnings{},
	})

	verifier := &stubVerifier{method: MethodAlipay}
	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Lifecycle: ls,
		Verifiers: []Verifier{verifier},
	})

	return &paymentFixture{svc: svc, lifecycle: ls, verifier: verifier}
}

func (f *paymentFixture) publishRequirement(t *testing.T, amount int64) *lifecycle.Requirement {
	t.Helper()

	r, err := f.lifecycle.PublishRequirement(context.Background(), "pub-1", lifecycle.PublishInput{
		Title: "design a logo",
		Price: &amount,
	})
	require.NoError(t, err)
	return r
}

func (f *paymentFixture) openPayment(t *testing.T, target *lifecycle.Requirement) *Payment {
	t.Helper()

	p, err := f.svc.Create(context.Background(), CreateInput{
		Method:     MethodAlipay,
		TargetKind: TargetRequirement,
		TargetID:   target.ID,
		UserID:     target.PublisherID,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.NotEmpty(t, p.OutTradeNo)
	return p
}

func TestCreate_RejectsPaidTarget(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	r := f.publishRequirement(t, 5000)
	p := f.openPayment(t, r)

	f.verifier.next = &Notification{
		Method:        MethodAlipay,
		OutTradeNo:    p.OutTradeNo,
		TransactionID: "gw-tx-1",
		Amount:        5000,
		Result:        ResultSuccess,
	}
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, map[string]string{"out_trade_no": p.OutTradeNo}))

	_, err := f.svc.Create(ctx, CreateInput{
		Method:     MethodAlipay,
		TargetKind: TargetRequirement,
		TargetID:   r.ID,
	})
	requireCode(t, err, errutil.StatusInvalidTransition)
}

func TestReconcile_SuccessDrivesRequirement(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	r := f.publishRequirement(t, 5000)
	p := f.openPayment(t, r)

	f.verifier.next = &Notification{
		Method:        MethodAlipay,
		OutTradeNo:    p.OutTradeNo,
		TransactionID: "gw-tx-1",
		Amount:        5000,
		Result:        ResultSuccess,
	}
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, map[string]string{"out_trade_no": p.OutTradeNo}))

	reloaded, err := f.svc.GetByOutTradeNo(ctx, p.OutTradeNo)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, reloaded.Status)
	require.Equal(t, "gw-tx-1", reloaded.TransactionID)
	require.NotNil(t, reloaded.NotifiedAt)
	require.Equal(t, int64(2), reloaded.Version)

	req, err := f.lifecycle.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.RequirementPaid, req.PaymentStatus)
}

func TestReconcile_DuplicateSuccessIsNoop(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	r := f.publishRequirement(t, 5000)
	p := f.openPayment(t, r)

	f.verifier.next = &Notification{
		Method:     MethodAlipay,
		OutTradeNo: p.OutTradeNo,
		Amount:     5000,
		Result:     ResultSuccess,
	}
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, nil))
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, nil))
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, nil))

	reloaded, err := f.svc.GetByOutTradeNo(ctx, p.OutTradeNo)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, reloaded.Status)
	require.Equal(t, int64(2), reloaded.Version, "replays must not touch the payment")

	req, err := f.lifecycle.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.RequirementPaid, req.PaymentStatus)
}

func TestReconcile_AmountMismatchFailsPayment(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	r := f.publishRequirement(t, 5000)
	p := f.openPayment(t, r)

	f.verifier.next = &Notification{
		Method:     MethodAlipay,
		OutTradeNo: p.OutTradeNo,
		Amount:     100,
		Result:     ResultSuccess,
	}
	err := f.svc.Reconcile(ctx, MethodAlipay, nil)
	requireCode(t, err, errutil.StatusAmountMismatch)

	// The payment records the failure even though the call errored.
	reloaded, lookupErr := f.svc.GetByOutTradeNo(ctx, p.OutTradeNo)
	require.NoError(t, lookupErr)
	require.Equal(t, StatusFailed, reloaded.Status)

	req, lookupErr := f.lifecycle.GetRequirement(ctx, r.ID)
	require.NoError(t, lookupErr)
	require.Equal(t, lifecycle.RequirementUnpaid, req.PaymentStatus, "a mismatched callback must not mark anything paid")
}

func TestReconcile_RefundAfterSuccess(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	r := f.publishRequirement(t, 5000)
	p := f.openPayment(t, r)

	f.verifier.next = &Notification{
		Method:     MethodAlipay,
		OutTradeNo: p.OutTradeNo,
		Amount:     5000,
		Result:     ResultSuccess,
	}
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, nil))

	f.verifier.next = &Notification{
		Method:     MethodAlipay,
		OutTradeNo: p.OutTradeNo,
		Amount:     5000,
		Result:     ResultRefund,
	}
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, nil))

	reloaded, err := f.svc.GetByOutTradeNo(ctx, p.OutTradeNo)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, reloaded.Status)

	req, err := f.lifecycle.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.RequirementRefunded, req.PaymentStatus)

	// Refund replay is as safe as a success replay.
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, nil))
}

func TestReconcile_RefundBeforeSuccessRejected(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	r := f.publishRequirement(t, 5000)
	p := f.openPayment(t, r)

	f.verifier.next = &Notification{
		Method:     MethodAlipay,
		OutTradeNo: p.OutTradeNo,
		Amount:     5000,
		Result:     ResultRefund,
	}
	err := f.svc.Reconcile(ctx, MethodAlipay, nil)
	requireCode(t, err, errutil.StatusInvalidTransition)
}

func TestReconcile_FailureResult(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	r := f.publishRequirement(t, 5000)
	p := f.openPayment(t, r)

	f.verifier.next = &Notification{
		Method:     MethodAlipay,
		OutTradeNo: p.OutTradeNo,
		Amount:     5000,
		Result:     ResultFailed,
	}
	require.NoError(t, f.svc.Reconcile(ctx, MethodAlipay, nil))

	reloaded, err := f.svc.GetByOutTradeNo(ctx, p.OutTradeNo)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, reloaded.Status)

	req, err := f.lifecycle.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.RequirementUnpaid, req.PaymentStatus)
}

func TestReconcile_UnknownOutTradeNo(t *testing.T) {
	f := newPaymentFixture(t)

	f.verifier.next = &Notification{
		Method:     MethodAlipay,
		OutTradeNo: "TM00000000FFFFFF",
		Amount:     100,
		Result:     ResultSuccess,
	}
	err := f.svc.Reconcile(context.Background(), MethodAlipay, nil)
	requireCode(t, err, errutil.StatusNotFound)
}

func TestReconcile_UnconfiguredMethod(t *testing.T) {
	f := newPaymentFixture(t)

	err := f.svc.Reconcile(context.Background(), MethodWechat, map[string]string{})
	requireCode(t, err, errutil.StatusUnauthenticated)
}

func TestReconcile_OrderTarget(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	// Free-to-accept requirement whose order is paid afterwards.
	r := f.publishRequirement(t, 3000)
	res, err := f.lifecycle.AttemptTransition(ctx, lifecycle.RequirementRef(r.ID), r.Version, lifecycle.ActionApproveReview, lifecycle.Actor{UserID: "mod-1", Role: lifecycle.RoleAdmin})
	require.NoError(t, err)
	res, err = f.lifecycle.AttemptTransition(ctx, lifecycle.RequirementRef(r.ID), res.Requirement.Version, lifecycle.ActionPaymentSuccess, lifecycle.SystemActor)
	require.NoError(t, err)
	res, err = f.lifecycle.AttemptTransition(ctx, lifecycle.RequirementRef(r.ID), res.Requirement.Version, lifecycle.ActionAccept, lifecycle.Actor{UserID: "worker-1", Role: lifecycle.RoleUser})
	require.NoError(t, err)
	o := res.CreatedOrder

	// Requirement-paid propagates to the order, so the order itself has
	// nothing left to charge.
	_, err = f.svc.Create(ctx, CreateInput{
		Method:     MethodAlipay,
		TargetKind: TargetOrder,
		TargetID:   o.ID,
	})
	requireCode(t, err, errutil.StatusInvalidTransition)
}
