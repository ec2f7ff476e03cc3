package handlers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/middleware"
	"go.uber.org/zap"
)

// Router holds everything the HTTP surface needs.
type Router struct {
	Log         *zap.Logger
	Auth        middleware.AuthConfig
	PairLimiter middleware.RateLimiterConfig
	CORSOrigins []string

	// CIDRs or IPs of reverse proxies; nil means the peer address is the client.
	TrustedProxies []string

	Jobs      *JobHandler
	Schedules *ScheduleHandler
	Pairing   *PairingHandler
	Imports   *ImportHandler
}

// Engine builds the gin engine with every /api/v1 route.
func (rt *Router) Engine() *gin.Engine {
	r := gin.New()
	// Client IPs key the pairing rate limit, so forwarded headers count only
	// from configured proxies.
	if err := r.SetTrustedProxies(rt.TrustedProxies); err != nil {
		rt.Log.Error("invalid trusted proxies, trusting none", zap.Strings("proxies", rt.TrustedProxies), zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery(), middleware.RequestLogger(rt.Log))

	config := cors.DefaultConfig()
	if len(rt.CORSOrigins) == 0 || (len(rt.CORSOrigins) == 1 && rt.CORSOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = rt.CORSOrigins
	}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization",
		middleware.HeaderServiceKey, middleware.HeaderUserID, middleware.HeaderDevUserID}
	r.Use(cors.New(config))

	api := r.Group("/api/v1")
	api.GET("/health", HealthCheck)

	// The extension has no credential until pairing completes.
	api.POST("/extension/pair/complete", middleware.NewRateLimiter(rt.PairLimiter), rt.Pairing.Complete)

	authed := api.Group("", middleware.AuthContext(rt.Auth))
	{
		authed.POST("/jobs", rt.Jobs.CreateJob)
		authed.GET("/jobs", rt.Jobs.ListJobs)

		sch := authed.Group("/scheduler")
		sch.POST("/schedules", rt.Schedules.Create)
		sch.GET("/schedules", rt.Schedules.List)
		sch.POST("/schedules/:id/reschedule", rt.Schedules.Reschedule)
		sch.POST("/schedules/:id/submit-now", rt.Schedules.SubmitNow)
		sch.DELETE("/schedules/:id", rt.Schedules.Cancel)
		sch.GET("/stats/submission-time", rt.Schedules.SubmissionStats)
		sch.GET("/best-practices", rt.Schedules.BestPractices)
		sch.GET("/eligible-jobs", rt.Schedules.EligibleJobs)
		sch.GET("/default-email", rt.Schedules.GetDefaultEmail)
		sch.PUT("/default-email", rt.Schedules.SetDefaultEmail)

		authed.POST("/extension/pair/start", rt.Pairing.Start)
		authed.GET("/extension/pair/status/:pairingId", rt.Pairing.Status)

		authed.POST("/import", rt.Imports.Import)
		authed.POST("/import/email", rt.Imports.ImportEmail)
		authed.POST("/import/extension", rt.Imports.ImportExtension)
		authed.POST("/import/bulk", rt.Imports.ImportBulk)
	}
	return r
}
