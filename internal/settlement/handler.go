package settlement

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richxcame/fare-settlement/internal/fare"
	"github.com/richxcame/fare-settlement/pkg/common"
	"github.com/richxcame/fare-settlement/pkg/middleware"
	"github.com/richxcame/fare-settlement/pkg/pagination"
)

// Handler handles HTTP requests for fare settlement
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// QuoteRequest carries the route metrics used to price a member
type QuoteRequest struct {
	KmOnboard       float64 `json:"km_onboard" binding:"gte=0"`
	KmDirect        float64 `json:"km_direct" binding:"gte=0"`
	DriverRatePerKm float64 `json:"driver_rate_per_km" binding:"gte=0"`
	ExtraMinutes    int     `json:"extra_minutes" binding:"gte=0"`
}

// AuthorizeRequest identifies the processor hold to verify
type AuthorizeRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required,max=255"`
	PaymentMethod   string `json:"payment_method" binding:"max=255"`
}

// NoShowRequest optionally explains a no-show
type NoShowRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// RefundRequest explains why an authorized hold is released
type RefundRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// ReconcileRequest bounds one reconciliation pass
type ReconcileRequest struct {
	Limit int `json:"limit" binding:"gte=0,lte=500"`
}

// ========================================
// MEMBER ENDPOINTS
// ========================================

// GetBreakdown returns the pricing breakdown of a member
// GET /api/v1/members/:id/breakdown
func (h *Handler) GetBreakdown(c *gin.Context) {
	memberID, ok := parseMemberID(c)
	if !ok {
		return
	}

	view, err := h.service.GetBreakdown(c.Request.Context(), memberID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, view)
}

// QuoteMember prices a member from its route metrics
// POST /api/v1/members/:id/quote
func (h *Handler) QuoteMember(c *gin.Context) {
	memberID, ok := parseMemberID(c)
	if !ok {
		return
	}

	var req QuoteRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	breakdown, err := h.service.QuoteMember(c.Request.Context(), memberID, fare.RouteMetrics{
		KmOnboard:       req.KmOnboard,
		KmDirect:        req.KmDirect,
		DriverRatePerKm: req.DriverRatePerKm,
		ExtraMinutes:    req.ExtraMinutes,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, breakdown)
}

// AuthorizePayment verifies a payment hold and authorizes its member
// POST /api/v1/payments/authorize
func (h *Handler) AuthorizePayment(c *gin.Context) {
	var req AuthorizeRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	result, err := h.service.AuthorizePayment(c.Request.Context(), req.PaymentIntentID, req.PaymentMethod)
	if err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, result)
}

// CaptureOnDropoff settles a member who completed the ride
// POST /api/v1/members/:id/capture
func (h *Handler) CaptureOnDropoff(c *gin.Context) {
	memberID, ok := parseMemberID(c)
	if !ok {
		return
	}

	result, err := h.service.CaptureOnDropoff(c.Request.Context(), memberID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, result)
}

// HandleNoShow settles a member who never appeared at pickup
// POST /api/v1/members/:id/no-show
func (h *Handler) HandleNoShow(c *gin.Context) {
	memberID, ok := parseMemberID(c)
	if !ok {
		return
	}

	var req NoShowRequest
	if c.Request.ContentLength > 0 && !middleware.ValidateAndBind(c, &req) {
		return
	}

	result, err := h.service.HandleNoShow(c.Request.Context(), memberID, req.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, result)
}

// CancelMember cancels a member before authorization
// POST /api/v1/members/:id/cancel
func (h *Handler) CancelMember(c *gin.Context) {
	memberID, ok := parseMemberID(c)
	if !ok {
		return
	}

	if err := h.service.CancelMember(c.Request.Context(), memberID); err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"message": "member cancelled"})
}

// RefundAuthorized releases the hold of an authorized member
// POST /api/v1/members/:id/refund
func (h *Handler) RefundAuthorized(c *gin.Context) {
	memberID, ok := parseMemberID(c)
	if !ok {
		return
	}

	var req RefundRequest
	if !middleware.ValidateAndBind(c, &req) {
		return
	}

	result, err := h.service.RefundAuthorized(c.Request.Context(), memberID, req.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, result)
}

// ListAuditLogs returns the audit trail of a member
// GET /api/v1/members/:id/audit?limit=20&offset=0
func (h *Handler) ListAuditLogs(c *gin.Context) {
	memberID, ok := parseMemberID(c)
	if !ok {
		return
	}

	params := pagination.ParseParams(c)
	logs, total, err := h.service.ListAuditLogs(c.Request.Context(), memberID, params.Limit, params.Offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	meta := pagination.BuildMeta(params.Limit, params.Offset, total)
	common.SuccessResponseWithMeta(c, gin.H{
		"member_id": memberID,
		"entries":   logs,
	}, meta)
}

// ========================================
// ADMIN ENDPOINTS
// ========================================

// Reconcile resumes settlements that stopped after moving money
// POST /api/v1/admin/settlements/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if c.Request.ContentLength > 0 && !middleware.ValidateAndBind(c, &req) {
		return
	}

	report, err := h.service.Reconcile(c.Request.Context(), req.Limit)
	if err != nil {
		h.handleError(c, err)
		return
	}

	common.SuccessResponse(c, report)
}

// RegisterRoutes registers settlement routes behind service authentication.
// Extra middlewares run after authentication, in order.
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string, mw ...gin.HandlerFunc) {
	api := r.Group("/api/v1")
	api.Use(middleware.ServiceAuth(jwtSecret))
	api.Use(mw...)
	h.RegisterRoutesOnGroup(api)

	admin := api.Group("/admin/settlements")
	admin.Use(middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.POST("/reconcile", h.Reconcile)
	}
}

// RegisterRoutesOnGroup registers the member and payment routes on an existing router group
func (h *Handler) RegisterRoutesOnGroup(rg *gin.RouterGroup) {
	members := rg.Group("/members")
	{
		members.GET("/:id/breakdown", h.GetBreakdown)
		members.GET("/:id/audit", h.ListAuditLogs)
		members.POST("/:id/quote", h.QuoteMember)
		members.POST("/:id/capture", h.CaptureOnDropoff)
		members.POST("/:id/no-show", h.HandleNoShow)
		members.POST("/:id/cancel", h.CancelMember)
		members.POST("/:id/refund", h.RefundAuthorized)
	}

	payments := rg.Group("/payments")
	{
		payments.POST("/authorize", h.AuthorizePayment)
	}
}

// ========================================
// HELPERS
// ========================================

func parseMemberID(c *gin.Context) (uuid.UUID, bool) {
	memberID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid member ID")
		return uuid.Nil, false
	}
	return memberID, true
}

// handleError writes the mapped error. Partial settlements are reported to
// Sentry since they need an operator or a reconciliation pass.
func (h *Handler) handleError(c *gin.Context, err error) {
	appErr := ToAppError(err)

	var partial *PartialSettlementError
	if errors.As(err, &partial) {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetLevel(sentry.LevelError)
				scope.SetTag("member_id", partial.MemberID)
				scope.SetTag("operation", string(partial.Operation))
				scope.SetTag("completed_step", string(partial.CompletedStep))
				hub.CaptureException(err)
			})
		}
	}

	if appErr.Code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	common.AppErrorResponse(c, appErr)
}
