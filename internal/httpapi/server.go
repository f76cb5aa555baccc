// Package httpapi exposes the engine over HTTP with gin. Identity arrives as
// a header-supplied stable user id from a trusted upstream; this layer does
// no credential checking of its own.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/offline"
	"github.com/smartpick/engine/internal/penalty"
	"github.com/smartpick/engine/internal/points"
	"github.com/smartpick/engine/internal/ratelimit"
	"github.com/smartpick/engine/internal/reservation"
)

const identityContextKey = "identity_user_id"

// Deps carries the wired engine services.
type Deps struct {
	Store        core.Store
	Points       *points.Service
	Penalties    *penalty.Engine
	Reservations *reservation.Service
	Limiter      *ratelimit.HybridLimiter
	Queue        *offline.Queue
	NowFn        func() int64
}

// NewRouter assembles the gin router over the engine services.
func NewRouter(cfg Config, logger *zap.Logger, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", cfg.IdentityHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{logger: logger, deps: deps}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(identityMiddleware(cfg.IdentityHeader))

	api.GET("/offers", handler.handleListOffers)
	api.POST("/offers", handler.handleCreateOffer)

	api.POST("/reservations", handler.handleCreateReservation)
	api.GET("/reservations", handler.handleListReservations)
	api.POST("/reservations/redeem", handler.handleRedeem)
	api.POST("/reservations/:id/cancel", handler.handleCancel)
	api.DELETE("/reservations/history", handler.handleClearHistory)

	api.GET("/wallet", handler.handleWallet)
	api.POST("/wallet/credit", handler.handleWalletCredit)

	api.GET("/penalty", handler.handlePenaltyStatus)
	api.POST("/penalty/lift", handler.handlePenaltyLift)
	api.POST("/penalty/forgive", handler.handlePenaltyForgive)

	api.POST("/ratelimit/check", handler.handleRateLimitCheck)

	api.POST("/queue", handler.handleEnqueue)
	api.POST("/queue/drain", handler.handleDrain)

	api.POST("/admin/users/:id/status", handler.handleSetUserStatus)
	api.POST("/admin/penalty/reset", handler.handlePenaltyReset)

	return router
}

func identityMiddleware(header string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID := ctx.GetHeader(header)
		if userID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing identity header"))
			return
		}
		ctx.Set(identityContextKey, userID)
		ctx.Next()
	}
}

type httpHandler struct {
	logger *zap.Logger
	deps   Deps
}

func identity(ctx *gin.Context) string {
	return ctx.GetString(identityContextKey)
}

func (handler *httpHandler) handleListOffers(ctx *gin.Context) {
	offers, err := handler.deps.Store.ListActiveOffers(ctx.Request.Context(), handler.deps.NowFn(), offerListLimit)
	if err != nil {
		handler.fail(ctx, "list offers", err)
		return
	}
	payload := make([]offerPayload, 0, len(offers))
	for _, offer := range offers {
		payload = append(payload, mapOfferPayload(offer))
	}
	ctx.JSON(http.StatusOK, gin.H{"offers": payload})
}

func (handler *httpHandler) handleCreateOffer(ctx *gin.Context) {
	partnerID := identity(ctx)
	var request createOfferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if verdict := handler.deps.Limiter.Check(ctx.Request.Context(), ratelimit.ActionOfferCreate, partnerID); !verdict.Allowed {
		respondRateLimited(ctx, verdict)
		return
	}
	if request.QuantityTotal < 1 || request.Title == "" || request.PickupEnd <= request.PickupStart {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_offer", "title, positive quantity and a valid pickup window are required"))
		return
	}
	offer := core.Offer{
		PartnerID:          partnerID,
		Title:              request.Title,
		QuantityTotal:      request.QuantityTotal,
		QuantityAvailable:  request.QuantityTotal,
		PriceOriginalCents: request.PriceOriginalCents,
		PriceSmartCents:    request.PriceSmartCents,
		PickupStartUnixUTC: request.PickupStart,
		PickupEndUnixUTC:   request.PickupEnd,
		Status:             core.OfferStatusActive,
		CreatedUnixUTC:     handler.deps.NowFn(),
	}
	offer.OfferID = uuid.NewString()
	if err := handler.deps.Store.InsertOffer(ctx.Request.Context(), offer); err != nil {
		handler.fail(ctx, "create offer", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"offer": mapOfferPayload(offer)})
}

func (handler *httpHandler) handleCreateReservation(ctx *gin.Context) {
	customerID := identity(ctx)
	var request createReservationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	created, err := handler.deps.Reservations.Create(ctx.Request.Context(), customerID, request.OfferID, request.Quantity)
	if err != nil {
		handler.fail(ctx, "create reservation", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": mapReservationPayload(created)})
}

func (handler *httpHandler) handleListReservations(ctx *gin.Context) {
	customerID := identity(ctx)
	reservations, err := handler.deps.Reservations.List(ctx.Request.Context(), customerID, historyListLimit)
	if err != nil {
		handler.fail(ctx, "list reservations", err)
		return
	}
	payload := make([]reservationPayload, 0, len(reservations))
	for _, item := range reservations {
		payload = append(payload, mapReservationPayload(item))
	}
	ctx.JSON(http.StatusOK, gin.H{"reservations": payload})
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	partnerID := identity(ctx)
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := handler.deps.Reservations.Redeem(ctx.Request.Context(), partnerID, request.Code)
	if err != nil {
		handler.fail(ctx, "redeem", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation":         mapReservationPayload(result.Reservation),
		"partner_new_balance": result.PartnerNewBalance.Int64(),
	})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	customerID := identity(ctx)
	reservationID := ctx.Param("id")
	cancelled, err := handler.deps.Reservations.Cancel(ctx.Request.Context(), customerID, reservationID)
	if err != nil {
		handler.fail(ctx, "cancel reservation", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": mapReservationPayload(cancelled)})
}

func (handler *httpHandler) handleClearHistory(ctx *gin.Context) {
	customerID := identity(ctx)
	deleted, err := handler.deps.Reservations.ClearHistory(ctx.Request.Context(), customerID)
	if err != nil {
		handler.fail(ctx, "clear history", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID := identity(ctx)
	balance, err := handler.deps.Points.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.fail(ctx, "wallet balance", err)
		return
	}
	history, err := handler.deps.Points.History(ctx.Request.Context(), userID, walletHistoryLimit)
	if err != nil {
		handler.fail(ctx, "wallet history", err)
		return
	}
	transactions := make([]transactionPayload, 0, len(history))
	for _, transaction := range history {
		transactions = append(transactions, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Change:         transaction.Change.Int64(),
			Reason:         string(transaction.Reason),
			ReservationID:  transaction.ReservationID,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":      balance.Int64(),
		"transactions": transactions,
	})
}

func (handler *httpHandler) handleWalletCredit(ctx *gin.Context) {
	userID := identity(ctx)
	var request walletCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reason := core.Reason(request.Reason)
	if reason == "" {
		reason = core.ReasonPurchase
	}
	newBalance, err := handler.deps.Points.Credit(ctx.Request.Context(), userID, core.Points(request.Amount), reason, "", request.MetadataJSON)
	if err != nil {
		handler.fail(ctx, "wallet credit", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalance.Int64()})
}

func (handler *httpHandler) handlePenaltyStatus(ctx *gin.Context) {
	userID := identity(ctx)
	standing, err := handler.deps.Penalties.Status(ctx.Request.Context(), userID)
	if err != nil {
		handler.fail(ctx, "penalty status", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"penalty": mapPenaltyPayload(standing)})
}

func (handler *httpHandler) handlePenaltyLift(ctx *gin.Context) {
	userID := identity(ctx)
	var request penaltyLiftRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := handler.deps.Penalties.Lift(ctx.Request.Context(), request.PenaltyID, userID)
	if err != nil {
		handler.fail(ctx, "penalty lift", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":     result.Success,
		"points_paid": result.PointsPaid.Int64(),
		"balance":     result.NewBalance.Int64(),
	})
}

func (handler *httpHandler) handlePenaltyForgive(ctx *gin.Context) {
	partnerID := identity(ctx)
	var request penaltyForgiveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := handler.deps.Penalties.Forgive(ctx.Request.Context(), request.PenaltyID, partnerID); err != nil {
		handler.fail(ctx, "penalty forgive", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"forgiven": true})
}

func (handler *httpHandler) handleRateLimitCheck(ctx *gin.Context) {
	identifier := identity(ctx)
	var request rateLimitCheckRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	verdict := handler.deps.Limiter.Check(ctx.Request.Context(), request.Action, identifier)
	if !verdict.Allowed {
		respondRateLimited(ctx, verdict)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"allowed":   true,
		"remaining": verdict.Remaining,
	})
}

func (handler *httpHandler) handleEnqueue(ctx *gin.Context) {
	var request enqueueRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	mutation, err := handler.deps.Queue.Enqueue(ctx.Request.Context(), core.MutationType(request.Type), request.Payload)
	if err != nil {
		handler.fail(ctx, "enqueue", err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"mutation_id": mutation.MutationID})
}

func (handler *httpHandler) handleDrain(ctx *gin.Context) {
	report, err := handler.deps.Queue.Drain(ctx.Request.Context())
	if err != nil {
		handler.fail(ctx, "drain", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"processed": report.Processed,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"dropped":   report.Dropped,
	})
}

func (handler *httpHandler) handleSetUserStatus(ctx *gin.Context) {
	targetID := ctx.Param("id")
	var request setUserStatusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	status := core.UserStatus(request.Status)
	if status != core.UserStatusActive && status != core.UserStatusBanned {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_status", "status must be ACTIVE or BANNED"))
		return
	}
	if err := handler.deps.Store.SetUserStatus(ctx.Request.Context(), targetID, status); err != nil {
		handler.fail(ctx, "set user status", err)
		return
	}
	if status == core.UserStatusActive {
		if err := handler.deps.Penalties.Reset(ctx.Request.Context(), targetID); err != nil {
			handler.fail(ctx, "reset on unban", err)
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": targetID, "status": string(status)})
}

func (handler *httpHandler) handlePenaltyReset(ctx *gin.Context) {
	var request penaltyResetRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := handler.deps.Penalties.Reset(ctx.Request.Context(), request.UserID); err != nil {
		handler.fail(ctx, "penalty reset", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reset": true})
}

func (handler *httpHandler) fail(ctx *gin.Context, operation string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func respondRateLimited(ctx *gin.Context, verdict ratelimit.Result) {
	ctx.Header("Retry-After", formatSeconds(verdict.RetryAfterSecs))
	ctx.JSON(http.StatusTooManyRequests, gin.H{
		"error": gin.H{
			"code":    "rate_limited",
			"message": verdict.Message,
		},
		"reset_at": verdict.ResetAtUnixUTC,
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidQuantity),
		errors.Is(err, core.ErrInvalidCodeFormat),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidUserID),
		errors.Is(err, core.ErrInvalidAction):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, core.ErrUnderPenalty),
		errors.Is(err, core.ErrBannedAccount),
		errors.Is(err, core.ErrPendingActiveReservation),
		errors.Is(err, core.ErrPenaltyNotLiftable),
		errors.Is(err, core.ErrNoActivePenalty):
		return http.StatusForbidden, "policy_violation"
	case errors.Is(err, core.ErrInsufficientQuantity),
		errors.Is(err, core.ErrInsufficientPoints),
		errors.Is(err, core.ErrDuplicateCode),
		errors.Is(err, core.ErrAlreadyRedeemed),
		errors.Is(err, core.ErrReservationClosed),
		errors.Is(err, core.ErrReservationExpired),
		errors.Is(err, core.ErrOfferNotActive),
		errors.Is(err, core.ErrOfferExpired):
		return http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrOfferNotFound),
		errors.Is(err, core.ErrCodeNotFound),
		errors.Is(err, core.ErrReservationNotFound),
		errors.Is(err, core.ErrUserNotFound),
		errors.Is(err, core.ErrPenaltyNotFound),
		errors.Is(err, core.ErrMutationNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func formatSeconds(seconds int64) string {
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds * int64(time.Second)).Truncate(time.Second).String()
}

type createOfferRequest struct {
	Title              string `json:"title"`
	QuantityTotal      int    `json:"quantity_total"`
	PriceOriginalCents int64  `json:"price_original_cents"`
	PriceSmartCents    int64  `json:"price_smart_cents"`
	PickupStart        int64  `json:"pickup_start_unix_utc"`
	PickupEnd          int64  `json:"pickup_end_unix_utc"`
}

type createReservationRequest struct {
	OfferID  string `json:"offer_id"`
	Quantity int    `json:"quantity"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type walletCreditRequest struct {
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
	MetadataJSON string `json:"metadata_json"`
}

type penaltyLiftRequest struct {
	PenaltyID string `json:"penalty_id"`
}

type penaltyForgiveRequest struct {
	PenaltyID string `json:"penalty_id"`
}

type rateLimitCheckRequest struct {
	Action string `json:"action"`
}

type enqueueRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type setUserStatusRequest struct {
	Status string `json:"status"`
}

type penaltyResetRequest struct {
	UserID string `json:"user_id"`
}

type offerPayload struct {
	OfferID            string `json:"offer_id"`
	PartnerID          string `json:"partner_id"`
	Title              string `json:"title"`
	QuantityTotal      int    `json:"quantity_total"`
	QuantityAvailable  int    `json:"quantity_available"`
	PriceOriginalCents int64  `json:"price_original_cents"`
	PriceSmartCents    int64  `json:"price_smart_cents"`
	PickupStartUnixUTC int64  `json:"pickup_start_unix_utc"`
	PickupEndUnixUTC   int64  `json:"pickup_end_unix_utc"`
	Status             string `json:"status"`
}

type reservationPayload struct {
	ReservationID     string `json:"reservation_id"`
	OfferID           string `json:"offer_id"`
	Quantity          int    `json:"quantity"`
	QRCode            string `json:"qr_code"`
	TotalPoints       int64  `json:"total_points"`
	Status            string `json:"status"`
	ExpiresAtUnixUTC  int64  `json:"expires_at_unix_utc"`
	PickedUpAtUnixUTC int64  `json:"picked_up_at_unix_utc,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Change         int64  `json:"change"`
	Reason         string `json:"reason"`
	ReservationID  string `json:"reservation_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type penaltyPayload struct {
	Suspended             bool   `json:"suspended"`
	PenaltyID             string `json:"penalty_id,omitempty"`
	OffenseNumber         int    `json:"offense_number"`
	PenaltyType           string `json:"penalty_type"`
	SuspendedUntilUnixUTC int64  `json:"suspended_until_unix_utc,omitempty"`
	CanLiftWithPoints     bool   `json:"can_lift_with_points"`
	PointsRequired        int64  `json:"points_required,omitempty"`
	RequiresReview        bool   `json:"requires_review"`
}

func mapOfferPayload(offer core.Offer) offerPayload {
	return offerPayload{
		OfferID:            offer.OfferID,
		PartnerID:          offer.PartnerID,
		Title:              offer.Title,
		QuantityTotal:      offer.QuantityTotal,
		QuantityAvailable:  offer.QuantityAvailable,
		PriceOriginalCents: offer.PriceOriginalCents,
		PriceSmartCents:    offer.PriceSmartCents,
		PickupStartUnixUTC: offer.PickupStartUnixUTC,
		PickupEndUnixUTC:   offer.PickupEndUnixUTC,
		Status:             string(offer.Status),
	}
}

func mapReservationPayload(reservation core.Reservation) reservationPayload {
	return reservationPayload{
		ReservationID:     reservation.ReservationID,
		OfferID:           reservation.OfferID,
		Quantity:          reservation.Quantity,
		QRCode:            reservation.QRCode,
		TotalPoints:       reservation.TotalPoints.Int64(),
		Status:            string(reservation.Status),
		ExpiresAtUnixUTC:  reservation.ExpiresAtUnixUTC,
		PickedUpAtUnixUTC: reservation.PickedUpAtUnixUTC,
		CreatedUnixUTC:    reservation.CreatedUnixUTC,
	}
}

func mapPenaltyPayload(standing penalty.Status) penaltyPayload {
	return penaltyPayload{
		Suspended:             standing.Suspended,
		PenaltyID:             standing.PenaltyID,
		OffenseNumber:         standing.OffenseNumber,
		PenaltyType:           string(standing.PenaltyType),
		SuspendedUntilUnixUTC: standing.SuspendedUntilUnixUTC,
		CanLiftWithPoints:     standing.CanLiftWithPoints,
		PointsRequired:        standing.PointsRequired.Int64(),
		RequiresReview:        standing.RequiresReview,
	}
}
