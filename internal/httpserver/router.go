package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"invoice-approval/internal/handler"
	"invoice-approval/pkg/otel"
	"invoice-approval/pkg/rbac"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Deps struct {
	Invoices   *handler.InvoiceHandler
	Processing *handler.ProcessingHandler
	// JWTSecret protects /admin when non-empty.
	JWTSecret string
	// Checks run by /readyz, keyed by dependency name.
	Checks map[string]ReadinessCheck
	Logger *zap.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otel.GinMiddleware())
	r.Use(TraceMiddleware())
	r.Use(AccessLogMiddleware(d.Logger))
	r.MaxMultipartMemory = handler.MaxUploadBytes

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		for name, check := range d.Checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/upload-invoice/", d.Invoices.UploadInvoice)
	r.GET("/approvers/", d.Invoices.ListApprovers)
	r.GET("/invoices", d.Invoices.ListInvoices)
	r.GET("/invoices/:id", d.Invoices.GetInvoice)

	r.GET("/check-email-processing/", d.Processing.CheckEmailProcessing)
	r.GET("/processing/last", d.Processing.LastProcessing)

	admin := r.Group("/admin")
	if d.JWTSecret != "" {
		admin.Use(AuthMiddleware(d.JWTSecret), RequirePermission(rbac.PermissionPurgeLedger))
	}
	admin.POST("/purge", d.Processing.Purge)

	return r
}
