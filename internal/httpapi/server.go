package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/renderforge/credits/pkg/credits"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Dependencies carries the wired domain components the HTTP facade serves.
type Dependencies struct {
	Logger    *zap.Logger
	Service   *credits.Service
	Grantor   *credits.SubscriptionGrantor
	Referrals *credits.ReferralDispatcher
}

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Service == nil {
		return fmt.Errorf("credit service is required")
	}
	logger := deps.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return fmt.Errorf("zap init: %w", err)
		}
		defer func() { _ = logger.Sync() }()
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:    logger,
		service:   deps.Service,
		grantor:   deps.Grantor,
		referrals: deps.Referrals,
		cfg:       cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/consume", handler.handleConsume)
	api.POST("/transfer", handler.handleTransfer)
	api.GET("/ledger", handler.handleLedger)
	api.GET("/leaderboard", handler.handleLeaderboard)

	admin := api.Group("")
	admin.Use(handler.requireAdmin)
	admin.POST("/credits", handler.handleGrant)
	admin.POST("/subscription", handler.handleSubscription)
	admin.POST("/referrals", handler.handleReferral)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	service   *credits.Service
	grantor   *credits.SubscriptionGrantor
	referrals *credits.ReferralDispatcher
	cfg       Config
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"roles":   claims.GetUserRoles(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.respondWithWallet(ctx, claims.GetUserID())
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request mutationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reference, options, err := request.mutation()
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Consume(requestCtx, claims.GetUserID(), credits.AmountCredits(request.Amount), request.Description, reference, options...)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	entryType, err := credits.ParseEntryType(request.Type)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	reference, options, err := request.mutation()
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Add(requestCtx, request.UserID, credits.AmountCredits(request.Amount), entryType, request.Description, reference, options...)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": request.UserID, "balance": balance.Int64()})
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reference, options, err := request.mutation()
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if err := handler.service.Transfer(requestCtx, claims.GetUserID(), request.ToUserID, credits.AmountCredits(request.Amount), request.Description, reference, options...); err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	handler.respondWithWallet(ctx, claims.GetUserID())
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	since := parseInt64Query(ctx, "since", 0)
	limit := int(parseInt64Query(ctx, "limit", int64(handler.cfg.HistoryLimit)))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	entries, err := handler.service.ListEntries(requestCtx, claims.GetUserID(), since, limit)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entryPayloads(entries)})
}

func (handler *httpHandler) handleLeaderboard(ctx *gin.Context) {
	limit := int(parseInt64Query(ctx, "limit", 0))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	rows, err := handler.service.Leaderboard(requestCtx, limit)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	payload := make([]leaderboardPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, leaderboardPayload{
			UserID:         row.UserID,
			LifetimeEarned: row.LifetimeEarned.Int64(),
			Balance:        row.Balance.Int64(),
			Rank:           row.Rank,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"leaderboard": payload})
}

func (handler *httpHandler) handleSubscription(ctx *gin.Context) {
	if handler.grantor == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("unavailable", "subscription changes are not enabled"))
		return
	}
	var request subscriptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	action, err := credits.ParseSubscriptionAction(request.Action)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	change, err := handler.grantor.ApplyChange(requestCtx, request.ChangeID, request.UserID, action, request.FromTier, request.ToTier, request.DaysRemaining)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"change_id":     change.ChangeID,
		"credits_delta": change.CreditsDelta.Int64(),
		"entry_id":      change.EntryID,
	})
}

func (handler *httpHandler) handleReferral(ctx *gin.Context) {
	if handler.referrals == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("unavailable", "referral rewards are not enabled"))
		return
	}
	var request referralRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if err := handler.referrals.Dispatch(requestCtx, request.ReferralID, request.InviterUserID, request.InviteeUserID); err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "rewarded"})
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	for _, role := range claims.GetUserRoles() {
		if role == adminRole {
			ctx.Next()
			return
		}
	}
	ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID string) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	summary, err := handler.service.Summary(requestCtx, userID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	entries, err := handler.service.ListEntries(requestCtx, userID, 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		Balance:          summary.Balance.Int64(),
		LifetimeEarned:   summary.LifetimeEarned.Int64(),
		LifetimeSpent:    summary.LifetimeSpent.Int64(),
		TransactionCount: summary.TransactionCount,
		LastTransaction:  summary.LastTransactionUnixUTC,
		MonthlySpend:     summary.MonthlySpend.Int64(),
		Entries:          entryPayloads(entries),
	}})
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "balance too low"))
	case errors.Is(err, credits.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no credit account for user"))
	case errors.Is(err, credits.ErrDuplicateReference):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_reference", "reference already applied"))
	case errors.Is(err, credits.ErrConcurrencyConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "concurrent mutation, retry"))
	case errors.Is(err, credits.ErrInvalidUserID),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidEntryType),
		errors.Is(err, credits.ErrInvalidDescription),
		errors.Is(err, credits.ErrInvalidReference),
		errors.Is(err, credits.ErrInvalidTier),
		errors.Is(err, credits.ErrInvalidPeriod):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("credit operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "credit operation failed"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func parseInt64Query(ctx *gin.Context, key string, fallback int64) int64 {
	raw := ctx.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type mutationRequest struct {
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	ReferenceID   string `json:"reference_id"`
	ReferenceType string `json:"reference_type"`
	Idempotent    bool   `json:"idempotent"`
}

func (request mutationRequest) mutation() (credits.Reference, []credits.MutateOption, error) {
	var reference credits.Reference
	if request.ReferenceID != "" || request.ReferenceType != "" {
		var err error
		reference, err = credits.NewReference(request.ReferenceID, request.ReferenceType)
		if err != nil {
			return credits.Reference{}, nil, err
		}
	}
	var options []credits.MutateOption
	if request.Idempotent {
		options = append(options, credits.Idempotent())
	}
	return reference, options, nil
}

type grantRequest struct {
	mutationRequest
	UserID string `json:"user_id"`
	Type   string `json:"type"`
}

type transferRequest struct {
	mutationRequest
	ToUserID string `json:"to_user_id"`
}

type subscriptionRequest struct {
	ChangeID      string `json:"change_id"`
	UserID        string `json:"user_id"`
	Action        string `json:"action"`
	FromTier      string `json:"from_tier"`
	ToTier        string `json:"to_tier"`
	DaysRemaining int    `json:"days_remaining"`
}

type referralRequest struct {
	ReferralID    string `json:"referral_id"`
	InviterUserID string `json:"inviter_user_id"`
	InviteeUserID string `json:"invitee_user_id"`
}

type walletResponse struct {
	Balance          int64          `json:"balance"`
	LifetimeEarned   int64          `json:"lifetime_earned"`
	LifetimeSpent    int64          `json:"lifetime_spent"`
	TransactionCount int64          `json:"transaction_count"`
	LastTransaction  int64          `json:"last_transaction_unix_utc"`
	MonthlySpend     int64          `json:"monthly_spend"`
	Entries          []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balance_after"`
	Description    string `json:"description"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ReferenceType  string `json:"reference_type,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func entryPayloads(entries []credits.Entry) []entryPayload {
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID,
			Type:           entry.Type.String(),
			Amount:         entry.Amount.Int64(),
			BalanceAfter:   entry.BalanceAfter.Int64(),
			Description:    entry.Description,
			ReferenceID:    entry.ReferenceID,
			ReferenceType:  entry.ReferenceType,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return payload
}

type leaderboardPayload struct {
	UserID         string `json:"user_id"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	Balance        int64  `json:"balance"`
	Rank           int    `json:"rank"`
}
