package httpapi

import (
	"io"
	"net/http"

	"taskmarket-platform/pkg/errutil"
	"taskmarket-platform/pkg/health"
	"taskmarket-platform/pkg/middleware"
	"taskmarket-platform/services/lifecycle"
	"taskmarket-platform/services/payment"
	"taskmarket-platform/services/wallet"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	lifecycle *lifecycle.Service
	payments  *payment.Service
	wallet    *wallet.Service
	health    health.HealthService
}

type HandlerParams struct {
	fx.In
	Lifecycle *lifecycle.Service
	Payments  *payment.Service
	Wallet    *wallet.Service
	Health    health.HealthService
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		lifecycle: p.Lifecycle,
		payments:  p.Payments,
		wallet:    p.Wallet,
		health:    p.Health,
	}
}

// ProvideRouter builds the gin engine with every route mounted.
func ProvideRouter(h *Handler) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Error())

	router.GET("/healthz", h.health.Liveness)
	router.GET("/readyz", h.health.Readiness)

	api := router.Group("/api")
	{
		api.POST("/requirements", h.publishRequirement)
		api.GET("/requirements/:id", h.getRequirement)
		api.POST("/requirements/:id/review", h.reviewRequirement)
		api.POST("/requirements/:id/transitions", h.transitionRequirement)

		api.GET("/orders/:id", h.getOrder)
		api.POST("/orders/:id/transitions", h.transitionOrder)

		api.POST("/payments", h.createPayment)
		api.POST("/alipay/notify", h.alipayNotify)
		api.POST("/wechat-pay/notify", h.wechatNotify)

		api.GET("/users/:id/balance", h.getBalance)
		api.GET("/users/:id/earnings", h.listEarnings)
		api.GET("/users/:id/withdrawals", h.listWithdrawals)

		api.POST("/withdrawals", h.requestWithdrawal)
		api.POST("/withdrawals/:id/decision", h.decideWithdrawal)
		api.POST("/withdrawals/:id/complete", h.completeWithdrawal)
	}

	return router
}

// actorFrom trusts the identity headers the auth proxy sets upstream.
func actorFrom(c *gin.Context) lifecycle.Actor {
	role := lifecycle.Role(c.GetHeader("X-User-Role"))
	if role != lifecycle.RoleAdmin {
		role = lifecycle.RoleUser
	}
	return lifecycle.Actor{
		UserID: c.GetHeader("X-User-ID"),
		Role:   role,
	}
}

type publishRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Requirements string   `json:"requirements"`
	Price        *int64   `json:"price"`
	Tags         []string `json:"tags"`
	IsPublic     *bool    `json:"is_public"`
	IsPinned     bool     `json:"is_pinned"`
}

func (h *Handler) publishRequirement(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	r, err := h.lifecycle.PublishRequirement(c.Request.Context(), actorFrom(c).UserID, lifecycle.PublishInput{
		Title:        req.Title,
		Description:  req.Description,
		Requirements: req.Requirements,
		Price:        req.Price,
		Tags:         req.Tags,
		IsPublic:     isPublic,
		IsPinned:     req.IsPinned,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, r)
}

func (h *Handler) getRequirement(c *gin.Context) {
	r, err := h.lifecycle.GetRequirement(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type reviewRequest struct {
	Version int64  `json:"version"`
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

func (h *Handler) reviewRequirement(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	action := lifecycle.ActionApproveReview
	if !req.Approve {
		action = lifecycle.ActionRejectReview
	}

	res, err := h.lifecycle.AttemptTransition(
		c.Request.Context(),
		lifecycle.RequirementRef(c.Param("id")),
		req.Version,
		action,
		actorFrom(c),
		lifecycle.WithReviewComment(req.Comment),
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res.Requirement)
}

type transitionRequest struct {
	Version int64  `json:"version"`
	Action  string `json:"action"`
	Penalty *int64 `json:"penalty"`
}

func (h *Handler) transitionRequirement(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	res, err := h.lifecycle.AttemptTransition(
		c.Request.Context(),
		lifecycle.RequirementRef(c.Param("id")),
		req.Version,
		lifecycle.Action(req.Action),
		actorFrom(c),
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.lifecycle.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) transitionOrder(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	opts := []lifecycle.TransitionOption{}
	if req.Penalty != nil {
		opts = append(opts, lifecycle.WithPenalty(*req.Penalty))
	}

	res, err := h.lifecycle.AttemptTransition(
		c.Request.Context(),
		lifecycle.OrderRef(c.Param("id")),
		req.Version,
		lifecycle.Action(req.Action),
		actorFrom(c),
		opts...,
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, res.Order)
}

type createPaymentRequest struct {
	Method     string `json:"method"`
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
}

func (h *Handler) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	p, err := h.payments.Create(c.Request.Context(), payment.CreateInput{
		Method:     payment.Method(req.Method),
		TargetKind: payment.TargetKind(req.TargetKind),
		TargetID:   req.TargetID,
		UserID:     actorFrom(c).UserID,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, p)
}

// alipayNotify terminates Alipay's asynchronous callback. The body is
// plain text: anything but the success token makes Alipay retry.
func (h *Handler) alipayNotify(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusOK, payment.AlipayAckFailure)
		return
	}

	params := payment.ParseAlipayForm(c.Request.Form)
	if err := h.payments.Reconcile(c.Request.Context(), payment.MethodAlipay, params); err != nil {
		c.String(http.StatusOK, payment.AlipayAckFailure)
		return
	}

	c.String(http.StatusOK, payment.AlipayAckSuccess)
}

func (h *Handler) wechatNotify(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Data(http.StatusOK, "application/xml", []byte(payment.WechatAckFailure))
		return
	}

	params, err := payment.ParseWechatXML(body)
	if err != nil {
		c.Data(http.StatusOK, "application/xml", []byte(payment.WechatAckFailure))
		return
	}

	if err := h.payments.Reconcile(c.Request.Context(), payment.MethodWechat, params); err != nil {
		c.Data(http.StatusOK, "application/xml", []byte(payment.WechatAckFailure))
		return
	}

	c.Data(http.StatusOK, "application/xml", []byte(payment.WechatAckSuccess))
}

func (h *Handler) getBalance(c *gin.Context) {
	b, err := h.wallet.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) listEarnings(c *gin.Context) {
	earnings, err := h.wallet.ListEarnings(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"earnings": earnings})
}

func (h *Handler) listWithdrawals(c *gin.Context) {
	withdrawals, err := h.wallet.ListWithdrawals(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals})
}

type withdrawRequest struct {
	Amount  int64  `json:"amount"`
	Method  string `json:"method"`
	Account string `json:"account"`
}

func (h *Handler) requestWithdrawal(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	w, err := h.wallet.RequestWithdrawal(c.Request.Context(), actorFrom(c).UserID, wallet.WithdrawInput{
		Amount:  req.Amount,
		Method:  req.Method,
		Account: req.Account,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, w)
}

func (h *Handler) decideWithdrawal(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	w, err := h.wallet.Decide(c.Request.Context(), c.Param("id"), req.Version, req.Approve, actorFrom(c), req.Comment)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, w)
}

func (h *Handler) completeWithdrawal(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	w, err := h.wallet.Complete(c.Request.Context(), c.Param("id"), req.Version, actorFrom(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, w)
}

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler, ProvideRouter),
)
