package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/middlewares"
	"github.com/nimbusmsp/billing_backend/models"
	"github.com/nimbusmsp/billing_backend/utils"
	"github.com/nimbusmsp/billing_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var tracer = otel.Tracer("billing-backend")

// PubSubMessage is the push-subscription envelope Google wraps around the
// published payload.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		token, user, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":       token,
			"username":    user.Username,
			"name":        user.Name,
			"role":        user.Role,
			"business_id": user.BusinessId,
		})
	}
}

func requireSession(c *gin.Context) (context.Context, bool) {
	ctx := c.Request.Context()
	if _, ok := utils.GetUsernameFromContext(ctx); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	// Admins may act on any tenant via ?business_id=; everyone else stays
	// scoped to their own.
	if utils.GetIsAdminFromContext(ctx) {
		if override := strings.TrimSpace(c.Query("business_id")); override != "" {
			ctx = utils.SetBusinessIdInContext(ctx, override)
		}
	}
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "business_id is required"})
		return nil, false
	}
	return ctx, true
}

func listObligationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		var status *models.ObligationStatus
		if s := strings.TrimSpace(c.Query("status")); s != "" {
			st := models.ObligationStatus(s)
			status = &st
		}
		obligations, err := models.GetObligations(ctx, status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"obligations": obligations})
	}
}

func createObligationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		var input models.NewObligation
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": utils.ProcessValidationErrors(err)})
			return
		}
		obligation, err := models.CreateObligation(ctx, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"obligation": obligation})
	}
}

func getObligationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid obligation id"})
			return
		}
		obligation, err := models.GetObligation(ctx, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		invoices, err := models.GetInvoicesForObligation(ctx, id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"obligation": obligation, "invoices": invoices})
	}
}

func createCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": utils.ProcessValidationErrors(err)})
			return
		}
		customer, err := models.CreateCustomer(ctx, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"customer": customer})
	}
}

func getCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer id"})
			return
		}
		customer, err := models.GetCustomer(ctx, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"customer": customer})
	}
}

func getInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
			return
		}
		invoice, err := models.GetBillingInvoice(ctx, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		currency, err := models.GetCurrency(ctx, invoice.CurrencyId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"invoice": invoice, "currency": currency})
	}
}

func businessProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(ctx)
		business, err := models.GetBusiness(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"business": business})
	}
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

func obligationTransitionHandler(apply func(ctx context.Context, id int, reason string) (*models.Obligation, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok := requireSession(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid obligation id"})
			return
		}
		var req transitionRequest
		_ = c.ShouldBindJSON(&req)

		obligation, err := apply(ctx, id, req.Reason)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userId, _ := utils.GetUserIdFromContext(ctx)
		userName, _ := utils.GetUserNameFromContext(ctx)
		config.GetLogger().WithFields(logrus.Fields{
			"obligation_id": obligation.ID,
			"status":        obligation.Status,
			"user_id":       userId,
			"user_name":     userName,
		}).Info("obligation status changed")

		c.JSON(http.StatusOK, gin.H{"obligation": obligation})
	}
}

func listRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, ok := utils.GetUsernameFromContext(ctx); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		records, err := workflow.ListRunRecords(ctx, config.GetDB(), strings.TrimSpace(c.Query("job")), limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": records})
	}
}

type outboxReplayRequest struct {
	BusinessId string `json:"business_id"`
	RecordId   int    `json:"record_id"`
}

// outboxReplayHandler re-arms a DEAD/FAILED outbox row for the dispatcher.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, ok := utils.GetUsernameFromContext(ctx); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !utils.GetIsAdminFromContext(ctx) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(ctx).
			Model(&models.NotificationOutboxRecord{}).
			Where("id = ? AND business_id = ?", req.RecordId, req.BusinessId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":     req.BusinessId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

// notificationPushHandler is the Pub/Sub push endpoint for the delivery
// worker role. Delivery is at-least-once on the subscription, so the handler
// dedupes on message id before doing anything.
func notificationPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "notificationPushHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var envelope PubSubMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "notificationPushHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var msg config.NotificationMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			config.LogError(logger, "server.go", "notificationPushHandler", "Unmarshal notification", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		// Basic validation to avoid retry loops on poisoned messages.
		if msg.BusinessId == "" || msg.Template == "" {
			config.LogError(logger, "server.go", "notificationPushHandler", "Invalid notification (missing required fields)", msg, errors.New("business_id/template required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := msg.CorrelationId
		if correlationID == "" {
			correlationID = envelope.Message.ID
		}
		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyBusinessId, msg.BusinessId)
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		ctx, span := tracer.Start(ctx, "notification.deliver")
		defer span.End()

		db := config.GetDB()
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			skip, err := workflow.BeginIdempotency(tx, msg.BusinessId, "notification-delivery", envelope.Message.ID)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}
			if err := deliverNotification(ctx, logger, msg); err != nil {
				_ = workflow.MarkIdempotencyFailed(tx, msg.BusinessId, "notification-delivery", envelope.Message.ID, err)
				return err
			}
			return workflow.MarkIdempotencySucceeded(tx, msg.BusinessId, "notification-delivery", envelope.Message.ID)
		})
		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			// Another replica is delivering this message right now.
			c.Status(http.StatusNoContent)
			return
		}
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "notificationPushHandler",
				"business_id":    msg.BusinessId,
				"template":       msg.Template,
				"message_id":     envelope.Message.ID,
				"correlation_id": correlationID,
			}).Error("notification delivery failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// deliverNotification hands the notice to the downstream channel. With no
// webhook configured it is a structured-log sink, which is what dev and test
// environments run with.
func deliverNotification(ctx context.Context, logger *logrus.Logger, msg config.NotificationMessage) error {
	webhookURL := strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	if webhookURL == "" {
		logger.WithFields(logrus.Fields{
			"field":          "deliverNotification",
			"business_id":    msg.BusinessId,
			"obligation_id":  msg.ObligationId,
			"recipient":      msg.Recipient,
			"template":       msg.Template,
			"correlation_id": msg.CorrelationId,
		}).Info("notification delivered (log sink)")
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("webhook returned status " + resp.Status)
	}
	return nil
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB is ready, non-health endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/auth/login", loginHandler())
	r.POST("/pubsub/notifications", notificationPushHandler())
	r.GET("/api/business", businessProfileHandler())
	r.POST("/api/customers", createCustomerHandler())
	r.GET("/api/customers/:id", getCustomerHandler())
	r.GET("/api/invoices/:id", getInvoiceHandler())
	r.GET("/api/obligations", listObligationsHandler())
	r.POST("/api/obligations", createObligationHandler())
	r.GET("/api/obligations/:id", getObligationHandler())
	r.POST("/api/obligations/:id/pause", obligationTransitionHandler(models.PauseObligation))
	r.POST("/api/obligations/:id/cancel", obligationTransitionHandler(models.CancelObligation))
	r.POST("/api/obligations/:id/reactivate", obligationTransitionHandler(func(ctx context.Context, id int, _ string) (*models.Obligation, error) {
		return models.ReactivateObligation(ctx, id)
	}))
	r.GET("/api/runs", listRunsHandler())
	// Ops tooling (admin only): replay outbox rows that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Topic setup can block on credentials; never hold up startup for it.
	go func() {
		if err := config.EnsureNotificationTopic(context.Background()); err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("notification topic not ready: " + err.Error())
		}
	}()

	// Start the outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
