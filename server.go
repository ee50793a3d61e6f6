package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/config"
	"bitbucket.org/mmdatafocus/budget_backend/models"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"bitbucket.org/mmdatafocus/budget_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("budget-backend")

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

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Cloud-Scheduler-style push target: one batch run per invocation.
	r.POST("/tasks/run-due", runDueHandler())
	// Ops tooling: drift detection sweep and per-account rebuild.
	r.POST("/internal/ops/reconcile-balances", reconcileBalancesHandler())
	r.POST("/internal/ops/rebuild-balance/:accountId", rebuildBalanceHandler())
	// Owner-scoped read surface for the scheduler.
	r.GET("/scheduler/status", schedulerStatusHandler())
	r.GET("/scheduler/upcoming", upcomingDueHandler())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	// Start listening immediately (Cloud Run startup probe is TCP based).
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
	// AutoMigrate can run DDL that blocks tables; allow disabling it on
	// startup and running migrations as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.Migrate(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
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
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func runDueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "tasks.run-due")
		defer span.End()

		asOf := time.Now()
		if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC3339"})
				return
			}
			asOf = parsed
		}
		report, err := workflow.RunDue(ctx, config.GetDB(), asOf)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func reconcileBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ops.reconcile-balances")
		defer span.End()

		// Sweep crosses owners; bypass the per-owner guard for the read.
		ctx = utils.SetSkipOwnerScopeInContext(ctx, true)
		drifted, err := workflow.ReconcileAllAccounts(ctx, config.GetDB())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "drifted": drifted})
			return
		}
		c.JSON(http.StatusOK, gin.H{"drifted": drifted, "count": len(drifted)})
	}
}

func rebuildBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ops.rebuild-balance")
		defer span.End()

		accountId, err := strconv.Atoi(c.Param("accountId"))
		if err != nil || accountId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
			return
		}
		ownerId, ok := requestOwner(c)
		if !ok {
			return
		}
		ctx = utils.SetUserIdInContext(ctx, ownerId)
		balance, err := workflow.RebuildAccountBalance(ctx, config.GetDB(), accountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": accountId, "balance": balance})
	}
}

func schedulerStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerId, ok := requestOwner(c)
		if !ok {
			return
		}
		ctx := utils.SetUserIdInContext(c.Request.Context(), ownerId)
		status, err := models.GetSchedulerStatus(ctx, config.GetDB().WithContext(ctx), time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func upcomingDueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerId, ok := requestOwner(c)
		if !ok {
			return
		}
		days := 7
		if raw := strings.TrimSpace(c.Query("days")); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				days = n
			}
		}
		ctx := utils.SetUserIdInContext(c.Request.Context(), ownerId)
		templates, err := models.GetUpcomingDue(ctx, config.GetDB().WithContext(ctx), time.Now(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"upcoming": templates})
	}
}

// requestOwner reads the acting owner from the x-owner-id header. Session
// handling is terminated upstream; the gateway injects the header.
func requestOwner(c *gin.Context) (int, bool) {
	ownerId, err := strconv.Atoi(strings.TrimSpace(c.GetHeader("x-owner-id")))
	if err != nil || ownerId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-owner-id header is required"})
		return 0, false
	}
	return ownerId, true
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		for _, ginErr := range c.Errors {
			logger.WithFields(logrus.Fields{
				"status": c.Writer.Status(),
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
			}).Error(ginErr.Error())
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
