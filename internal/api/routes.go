package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"valuation/server/config"
)

// NewRouter builds the gin engine with CORS, request logging and every route
func NewRouter(cfg *config.Config, handler *Handler, logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors.New(corsConfig(cfg.Server.AllowedOrigins)))
	SetupRoutes(router, handler)
	return router
}

func corsConfig(origins []string) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	for _, origin := range origins {
		if origin == "*" {
			corsCfg.AllowAllOrigins = true
			return corsCfg
		}
	}
	corsCfg.AllowOrigins = origins
	return corsCfg
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("Handled request")
	}
}

func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/training/jobs", handler.CreateTrainingJob)
		api.GET("/training/jobs", handler.ListTrainingJobs)
		api.GET("/training/jobs/:id", handler.GetTrainingJob)

		api.GET("/forecasts", handler.GetForecasts)

		api.POST("/pricing/insert-forecast", handler.InsertForecast)
		api.GET("/pricing/hpi", handler.GetHPI)

		api.GET("/local_authority/get_by_postcode", handler.GetLocalAuthorityByPostcode)
		api.GET("/local_authority/get_external_data", handler.GetExternalData)
		api.GET("/local_authority/get_nearest_local_authority", handler.GetNearestLocalAuthority)

		api.GET("/local_authority/borders", handler.ListBorders)
		api.GET("/local_authority/borders/:authority", handler.GetBorders)
		api.PUT("/local_authority/borders/:authority", handler.UpdateBorders)
		api.DELETE("/local_authority/borders/:authority", handler.DeleteBorders)
	}
}
