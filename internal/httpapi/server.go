package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AbhishekGour12/astrova-sub000/internal/billing"
	"github.com/AbhishekGour12/astrova-sub000/internal/earning"
	"github.com/AbhishekGour12/astrova-sub000/internal/notify"
	"github.com/AbhishekGour12/astrova-sub000/internal/session"
	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

// Server is the HTTP facade over the session, wallet, earning, and billing
// services. It owns no business rules; every handler validates the payload,
// delegates, and maps domain errors to status codes.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	wallets  *wallet.Service
	machine  *session.Machine
	engine   *billing.Engine
	earnings *earning.Service
	events   *notify.Broker
}

// New wires a Server.
func New(cfg Config, logger *zap.Logger, wallets *wallet.Service, machine *session.Machine, engine *billing.Engine, earnings *earning.Service, events *notify.Broker) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if wallets == nil || machine == nil || engine == nil || earnings == nil || events == nil {
		return nil, fmt.Errorf("httpapi: missing dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		wallets:  wallets,
		machine:  machine,
		engine:   engine,
		earnings: earnings,
		events:   events,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin handler. Exposed for tests.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/sessions", server.handleCreateSession)
	api.GET("/sessions/:id", server.handleGetSession)
	api.POST("/sessions/:id/accept", server.handleAcceptSession)
	api.POST("/sessions/:id/reject", server.handleRejectSession)
	api.POST("/sessions/:id/end", server.handleEndSession)
	api.GET("/sessions/:id/billing", server.handleBillingStatus)
	api.GET("/sessions/:id/events", server.handleSessionEvents)
	api.GET("/wallets/:userID", server.handleWallet)
	api.POST("/wallets/:userID/topup", server.handleTopUp)
	api.GET("/providers/:providerID/earnings", server.handleProviderEarnings)
	api.POST("/providers/:providerID/earnings/payout", server.handleEarningsPayout)

	return router
}

type createSessionRequest struct {
	UserID        string `json:"user_id"`
	ProviderID    string `json:"provider_id"`
	ServiceType   string `json:"service_type"`
	RatePerMinute int64  `json:"rate_per_minute"`
}

func (server *Server) handleCreateSession(ctx *gin.Context) {
	var request createSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.RatePerMinute == 0 {
		request.RatePerMinute = DefaultRatePerMinuteCents()
	}
	record, err := server.machine.Create(ctx.Request.Context(), request.UserID, request.ProviderID, session.ServiceType(request.ServiceType), request.RatePerMinute)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.engine.TrackAcceptance(record.ID)
	ctx.JSON(http.StatusCreated, gin.H{"session": sessionPayloadFrom(record)})
}

func (server *Server) handleGetSession(ctx *gin.Context) {
	record, err := server.machine.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": sessionPayloadFrom(record)})
}

func (server *Server) handleAcceptSession(ctx *gin.Context) {
	sessionID := ctx.Param("id")
	record, err := server.machine.Accept(ctx.Request.Context(), sessionID)
	if err != nil {
		server.engine.CancelAcceptance(sessionID)
		server.respondError(ctx, err)
		return
	}
	if err := server.engine.StartSession(ctx.Request.Context(), sessionID); err != nil {
		server.logger.Error("billing start failed", zap.String("session_id", sessionID), zap.Error(err))
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": sessionPayloadFrom(record)})
}

func (server *Server) handleRejectSession(ctx *gin.Context) {
	sessionID := ctx.Param("id")
	record, err := server.machine.Reject(ctx.Request.Context(), sessionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.engine.CancelAcceptance(sessionID)
	ctx.JSON(http.StatusOK, gin.H{"session": sessionPayloadFrom(record)})
}

type endSessionRequest struct {
	EndedBy string `json:"ended_by"`
}

func (server *Server) handleEndSession(ctx *gin.Context) {
	var request endSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reason := session.EndReasonUserEnded
	if request.EndedBy == "provider" {
		reason = session.EndReasonProviderEnded
	}
	sessionID := ctx.Param("id")
	summary, err := server.engine.EndSession(ctx.Request.Context(), sessionID, reason)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	record, err := server.machine.Get(ctx.Request.Context(), sessionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"session": sessionPayloadFrom(record),
	})
}

func (server *Server) handleBillingStatus(ctx *gin.Context) {
	status, err := server.engine.BillingStatus(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"billing": status})
}

// handleSessionEvents streams billing events for one session over SSE. A
// reconnecting client should pair this with GET /billing to resynchronize,
// since events produced while disconnected are not replayed.
func (server *Server) handleSessionEvents(ctx *gin.Context) {
	sessionID := ctx.Param("id")
	if _, err := server.machine.Get(ctx.Request.Context(), sessionID); err != nil {
		server.respondError(ctx, err)
		return
	}
	eventCh, unsubscribe := server.events.Subscribe(sessionID)
	defer unsubscribe()

	ctx.Writer.Header().Set("Content-Type", "text/event-stream")
	ctx.Writer.Header().Set("Cache-Control", "no-cache")
	ctx.Writer.Header().Set("Connection", "keep-alive")

	ctx.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}
			ctx.SSEvent(string(event.Type), event)
			return true
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	server.respondWithWallet(ctx, ctx.Param("userID"))
}

type topUpRequest struct {
	AmountCents    int64          `json:"amount_cents"`
	IdempotencyKey string         `json:"idempotency_key"`
	SessionID      string         `json:"session_id"`
	Metadata       map[string]any `json:"metadata"`
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	userID := ctx.Param("userID")
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.AmountCents < MinimumTopUpAmountCents() {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", fmt.Sprintf("amount_cents must be >= %d", MinimumTopUpAmountCents())))
		return
	}
	idempotencyKey := request.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("topup:%s", uuid.NewString())
	}
	metadata := request.Metadata
	if metadata == nil {
		metadata = map[string]any{"action": "topup"}
	}

	// A duplicate idempotency key means the credit already landed on an
	// earlier delivery; the engine re-reads the wallet, so the retried
	// notification still resumes a suspended session.
	_, err := server.wallets.TopUp(ctx.Request.Context(), userID, wallet.AmountCents(request.AmountCents), idempotencyKey, marshalMetadata(metadata))
	if err != nil && !errors.Is(err, wallet.ErrDuplicateEntry) {
		server.respondError(ctx, err)
		return
	}
	if request.SessionID != "" {
		if err := server.engine.NotifyTopUp(ctx.Request.Context(), request.SessionID); err != nil {
			server.logger.Error("top-up notification failed",
				zap.String("session_id", request.SessionID), zap.Error(err))
		}
	}
	server.respondWithWallet(ctx, userID)
}

func (server *Server) handleProviderEarnings(ctx *gin.Context) {
	records, err := server.earnings.ListUnpaid(ctx.Request.Context(), ctx.Param("providerID"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]earningPayload, 0, len(records))
	var totalCents int64
	for _, record := range records {
		payloads = append(payloads, earningPayloadFrom(record))
		totalCents += record.AmountCents
	}
	ctx.JSON(http.StatusOK, gin.H{
		"earnings":           payloads,
		"total_unpaid_cents": totalCents,
	})
}

type payoutRequest struct {
	SessionIDs []string `json:"session_ids"`
}

func (server *Server) handleEarningsPayout(ctx *gin.Context) {
	var request payoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || len(request.SessionIDs) == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "session_ids is required"))
		return
	}
	paid, err := server.earnings.MarkPaid(ctx.Request.Context(), request.SessionIDs)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"paid": paid})
}

func (server *Server) respondWithWallet(ctx *gin.Context, userID string) {
	balance, err := server.wallets.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	entries, err := server.wallets.Entries(ctx.Request.Context(), userID, 0, server.cfg.WalletHistoryLimit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryPayload{
			EntryID:        entry.EntryID,
			Type:           string(entry.Type),
			AmountCents:    int64(entry.AmountCents),
			IdempotencyKey: entry.IdempotencyKey,
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		BalanceCents: int64(balance),
		Entries:      payloads,
	}})
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, earning.ErrRecordNotFound),
		errors.Is(err, wallet.ErrWalletNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, wallet.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", err.Error()))
	case errors.Is(err, session.ErrConflict),
		errors.Is(err, earning.ErrRecordExists),
		errors.Is(err, earning.ErrRecordFinalized):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	case errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, wallet.ErrInvalidUserID),
		errors.Is(err, wallet.ErrInvalidAmountCents),
		errors.Is(err, wallet.ErrInvalidIdempotencyKey):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func marshalMetadata(metadata any) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type sessionPayload struct {
	SessionID           string `json:"session_id"`
	UserID              string `json:"user_id"`
	ProviderID          string `json:"provider_id"`
	ServiceType         string `json:"service_type"`
	Status              string `json:"status"`
	RatePerMinute       int64  `json:"rate_per_minute"`
	CreatedUnixUTC      int64  `json:"created_unix_utc"`
	StartedUnixUTC      int64  `json:"started_unix_utc,omitempty"`
	EndedUnixUTC        int64  `json:"ended_unix_utc,omitempty"`
	EndReason           string `json:"end_reason,omitempty"`
	BilledMinutes       int64  `json:"billed_minutes"`
	GraceExpiresUnixUTC int64  `json:"grace_expires_unix_utc,omitempty"`
}

func sessionPayloadFrom(record session.Session) sessionPayload {
	return sessionPayload{
		SessionID:           record.ID,
		UserID:              record.UserID,
		ProviderID:          record.ProviderID,
		ServiceType:         string(record.ServiceType),
		Status:              string(record.Status),
		RatePerMinute:       record.RatePerMinute,
		CreatedUnixUTC:      record.CreatedUnixUTC,
		StartedUnixUTC:      record.StartedUnixUTC,
		EndedUnixUTC:        record.EndedUnixUTC,
		EndReason:           string(record.EndReason),
		BilledMinutes:       record.BilledMinutes,
		GraceExpiresUnixUTC: record.GraceExpiresUnixUTC,
	}
}

type walletResponse struct {
	BalanceCents int64          `json:"balance_cents"`
	Entries      []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	AmountCents    int64           `json:"amount_cents"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type earningPayload struct {
	SessionID        string `json:"session_id"`
	ProviderID       string `json:"provider_id"`
	UserID           string `json:"user_id"`
	ServiceType      string `json:"service_type"`
	Minutes          int64  `json:"minutes"`
	RatePerMinute    int64  `json:"rate_per_minute"`
	AmountCents      int64  `json:"amount_cents"`
	IsPaid           bool   `json:"is_paid"`
	FinalizedUnixUTC int64  `json:"finalized_unix_utc,omitempty"`
}

func earningPayloadFrom(record earning.Record) earningPayload {
	return earningPayload{
		SessionID:        record.SessionID,
		ProviderID:       record.ProviderID,
		UserID:           record.UserID,
		ServiceType:      record.ServiceType,
		Minutes:          record.Minutes,
		RatePerMinute:    record.RatePerMinute,
		AmountCents:      record.AmountCents,
		IsPaid:           record.IsPaid,
		FinalizedUnixUTC: record.FinalizedUnixUTC,
	}
}
