package httpapi

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"taskmarket-platform/pkg/config"
	"taskmarket-platform/pkg/health"
	"taskmarket-platform/services/lifecycle"
	"taskmarket-platform/services/payment"
	"taskmarket-platform/services/testutil"
	"taskmarket-platform/services/wallet"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const wechatTestKey = "handler-test-api-key"

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (http.Handler, *lifecycle.Service, *payment.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&lifecycle.Requirement{},
		&lifecycle.Order{},
		&payment.Payment{},
		&wallet.Earning{},
		&wallet.Withdrawal{},
	)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Settlement.CommissionRate = 100

	walletSvc := wallet.NewService(wallet.ServiceParams{DB: db, Node: node, Config: cfg})
	lifecycleSvc := lifecycle.NewService(lifecycle.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Earnings: walletSvc,
	})
	paymentSvc := payment.NewService(payment.ServiceParams{
		DB:        db,
		Node:      node,
		Lifecycle: lifecycleSvc,
		Verifiers: []payment.Verifier{payment.NewWechatVerifier(wechatTestKey)},
	})

	handler := NewHandler(HandlerParams{
		Lifecycle: lifecycleSvc,
		Payments:  paymentSvc,
		Wallet:    walletSvc,
		Health:    health.ProvideHealth(health.HealthParams{DB: db}),
	})

	return ProvideRouter(handler), lifecycleSvc, paymentSvc
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func asUser(id string) map[string]string {
	return map[string]string{"X-User-ID": id}
}

func asAdmin(id string) map[string]string {
	return map[string]string{"X-User-ID": id, "X-User-Role": "admin"}
}

func wechatXML(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	sum := md5.Sum([]byte(strings.Join(parts, "&") + "&key=" + wechatTestKey))
	params["sign"] = strings.ToUpper(fmt.Sprintf("%x", sum))

	var b strings.Builder
	b.WriteString("<xml>")
	for k, v := range params {
		b.WriteString(fmt.Sprintf("<%s><![CDATA[%s]]></%s>", k, v, k))
	}
	b.WriteString("</xml>")
	return []byte(b.String())
}

func TestHandler_PublishAndReview(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/requirements", gin.H{
		"title": "write docs",
		"price": 2500,
	}, asUser("pub-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created lifecycle.Requirement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, lifecycle.RequirementPending, created.Status)

	// Moderation requires the admin role.
	rec = doJSON(t, router, http.MethodPost, "/api/requirements/"+created.ID+"/review", gin.H{
		"version": created.Version,
		"approve": true,
	}, asUser("pub-1"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/requirements/"+created.ID+"/review", gin.H{
		"version": created.Version,
		"approve": true,
	}, asAdmin("mod-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Replaying the stale version reports the conflict.
	rec = doJSON(t, router, http.MethodPost, "/api/requirements/"+created.ID+"/review", gin.H{
		"version": created.Version,
		"approve": true,
	}, asAdmin("mod-1"))
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "VERSION_CONFLICT", body.Error.Code)
}

func TestHandler_WechatNotifyFlow(t *testing.T) {
	router, lifecycleSvc, paymentSvc := newTestRouter(t)
	ctx := context.Background()

	amount := int64(2500)
	r, err := lifecycleSvc.PublishRequirement(ctx, "pub-1", lifecycle.PublishInput{
		Title: "write docs",
		Price: &amount,
	})
	require.NoError(t, err)

	p, err := paymentSvc.Create(ctx, payment.CreateInput{
		Method:     payment.MethodWechat,
		TargetKind: payment.TargetRequirement,
		TargetID:   r.ID,
		UserID:     "pub-1",
	})
	require.NoError(t, err)

	notify := func(body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/wechat-pay/notify", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/xml")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	valid := wechatXML(map[string]string{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"out_trade_no":   p.OutTradeNo,
		"transaction_id": "wx-tx-1",
		"total_fee":      "2500",
	})

	rec := notify(valid)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "SUCCESS")

	reloaded, err := lifecycleSvc.GetRequirement(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.RequirementPaid, reloaded.PaymentStatus)

	// Gateway retries of the same callback still get the success ack.
	rec = notify(valid)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "SUCCESS")

	// A forged signature gets the failure ack.
	forged := wechatXML(map[string]string{
		"return_code":  "SUCCESS",
		"result_code":  "SUCCESS",
		"out_trade_no": p.OutTradeNo,
		"total_fee":    "9999",
	})
	forged = bytes.Replace(forged, []byte("9999"), []byte("1"), 1)

	rec = notify(forged)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "FAIL")
}

func TestHandler_WithdrawalFlow(t *testing.T) {
	router, _, _ := newTestRouter(t)

	// No settled earnings yet.
	rec := doJSON(t, router, http.MethodPost, "/api/withdrawals", gin.H{
		"amount":  1000,
		"method":  "alipay",
		"account": "worker@example.com",
	}, asUser("worker-1"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/users/worker-1/balance", nil, asUser("worker-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var b wallet.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	require.Equal(t, int64(0), b.Available)
}

func TestHandler_Health(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
