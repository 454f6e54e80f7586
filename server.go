package main

import (
	"context"
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

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/middlewares"
	"bitbucket.org/profmetal/steel_backend/models"
	"bitbucket.org/profmetal/steel_backend/models/reports"
	"bitbucket.org/profmetal/steel_backend/notify"
	"bitbucket.org/profmetal/steel_backend/utils"
	"bitbucket.org/profmetal/steel_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("itemtoken", func(fl validator.FieldLevel) bool {
			return utils.ValidateItemToken(fl.Field().String()) == nil
		})
	}
}

var settingsCache *config.SettingsCache

func writeError(c *gin.Context, err error) {
	switch {
	case utils.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case utils.IsNotFoundError(err):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

func writeResult(c *gin.Context, result any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func createWorkLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewWorkLog
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		result, err := models.CreateWorkLog(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, result)
	}
}

func deleteWorkLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid worklog id"})
			return
		}
		if err := models.DeleteWorkLog(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, gin.H{"deleted": id})
	}
}

func listWorkLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var logType *models.WorkLogType
		if v := c.Query("type"); v != "" {
			t := models.WorkLogType(v)
			logType = &t
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		var afterId *int
		if v := c.Query("after_id"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				afterId = &n
			}
		}
		entries, err := models.ListWorkLogs(c.Request.Context(), logType, limit, afterId)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, entries)
	}
}

func updateStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.UpdateStockInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		variant, err := models.UpdateStock(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, variant)
	}
}

type adjustStockRequest struct {
	ProductId  int    `json:"product_id" binding:"required"`
	CoatingId  string `json:"coating_id"`
	ColorLabel string `json:"color_label" binding:"required"`
	Qty        string `json:"qty" binding:"required"`
}

func adjustStockHandler(absolute bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adjustStockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		qty, err := utils.ParseDecimal(req.Qty)
		if err != nil {
			writeError(c, err)
			return
		}
		var variant *models.StockVariant
		if absolute {
			variant, err = models.SetStock(c.Request.Context(), req.ProductId, req.CoatingId, req.ColorLabel, qty)
		} else {
			variant, err = models.AdjustStock(c.Request.Context(), req.ProductId, req.CoatingId, req.ColorLabel, qty)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, variant)
	}
}

func issueItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.IssueItemInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		result, err := models.IssueItem(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, result)
	}
}

func updateItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.UpdateItemInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		result, err := models.UpdateItem(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, result)
	}
}

func createSupplyRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewSupplyRecord
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		record, err := models.CreateSupplyRecord(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, record)
	}
}

func listSupplyRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var supplyType *models.SupplyType
		if v := c.Query("type"); v != "" {
			t := models.SupplyType(v)
			supplyType = &t
		}
		var status *models.SupplyStatus
		if v := c.Query("status"); v != "" {
			s := models.SupplyStatus(v)
			status = &s
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		var afterId *int
		if v := c.Query("after_id"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				afterId = &n
			}
		}
		records, err := models.ListSupplyRecords(c.Request.Context(), supplyType, status, limit, afterId)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, records)
	}
}

func exportSupplyRegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fromDate, err := time.Parse("2006-01-02", c.DefaultQuery("from", "1970-01-01"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid from date"})
			return
		}
		toDate, err := time.Parse("2006-01-02", c.DefaultQuery("to", time.Now().UTC().Format("2006-01-02")))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid to date"})
			return
		}
		toDate = toDate.Add(24*time.Hour - time.Nanosecond)

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=supply-register.xlsx")
		if err := reports.ExportSupplyRegisterExcel(c.Request.Context(), c.Writer, fromDate, toDate); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		}
	}
}

func settingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
		if !ok || businessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "business id is required"})
			return
		}
		values, err := settingsCache.Get(c.Request.Context(), businessId)
		if err != nil {
			writeError(c, err)
			return
		}
		writeResult(c, values)
	}
}

// eventsHandler streams item and worklog changes for the caller's tenant over
// SSE. Delivery is best-effort: a slow consumer has events dropped rather than
// back-pressuring the ledger.
func eventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
		if !ok || businessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "business id is required"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())

		sub := &notify.Subscriber{
			ID:     uuid.NewString(),
			UserID: userId,
			Events: make(chan notify.Event, 64),
		}
		notify.GlobalHub.Register(sub)
		defer notify.GlobalHub.Unregister(sub.ID)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		keepAlive := time.NewTicker(30 * time.Second)
		defer keepAlive.Stop()

		c.Stream(func(w io.Writer) bool {
			select {
			case event, open := <-sub.Events:
				if !open {
					return false
				}
				if event.BusinessId != businessId {
					return true
				}
				c.SSEvent(event.Type, event)
				return true
			case <-keepAlive.C:
				c.SSEvent("ping", time.Now().UTC().Unix())
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "route not found"})
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
	notify.GlobalHub.SetLogger(logger)

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS.
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
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization",
		"X-Business-Id", "X-User-Id", "X-User-Name", "X-Username", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/worklogs", createWorkLogHandler())
	r.GET("/worklogs", listWorkLogsHandler())
	r.DELETE("/worklogs/:id", deleteWorkLogHandler())
	r.POST("/stock/adjust", adjustStockHandler(false))
	r.POST("/stock/set", adjustStockHandler(true))
	r.POST("/stock/update", updateStockHandler())
	r.POST("/items/issue", issueItemHandler())
	r.POST("/items/update", updateItemHandler())
	r.POST("/supply", createSupplyRecordHandler())
	r.GET("/supply", listSupplyRecordsHandler())
	r.GET("/supply/export", exportSupplyRegisterHandler())
	r.GET("/settings", settingsHandler())
	r.GET("/events", eventsHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
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
	// AutoMigrate can run DDL that blocks tables; allow running migrations as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Error("AutoMigrate failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settingsCache = config.NewSettingsCache(models.LoadBusinessSettings, 5*time.Minute, nil)

	// Start outbox dispatcher (publishes AFTER commit).
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

	// Stop background workers first so they don't start new work while draining.
	cancelDispatcher()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
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
