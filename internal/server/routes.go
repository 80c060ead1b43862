package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func RegisterRoutes(e *echo.Echo, srv *Server, audits *auditServer, products *productServer) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(ActorMiddleware())

	// Health check
	e.GET("/health", srv.HealthCheck)

	api := e.Group("/api")

	logs := api.Group("/audit-logs")
	logs.GET("", audits.ListAuditLogs)
	logs.POST("", audits.CreateAuditLog)
	logs.GET("/summary", audits.GetAuditSummary)
	logs.GET("/export", audits.ExportAuditLogs)
	logs.GET("/verify", audits.VerifyAuditChain)
	logs.GET("/:id", audits.GetAuditLog)

	catalog := api.Group("/products")
	catalog.GET("", products.ListProducts)
	catalog.POST("", products.CreateProduct)
	catalog.GET("/:id", products.GetProductByID)
	catalog.PUT("/:id", products.UpdateProduct)
	catalog.DELETE("/:id", products.DeleteProduct)
}
