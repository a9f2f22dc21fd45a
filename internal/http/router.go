package http

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/stakeordie/jobqueue/internal/broker"
	"github.com/stakeordie/jobqueue/internal/config"
	"github.com/stakeordie/jobqueue/internal/connhub"
	"github.com/stakeordie/jobqueue/internal/http/handlers"
	"github.com/stakeordie/jobqueue/internal/http/middlewares"
	"github.com/stakeordie/jobqueue/internal/janitor"
	"github.com/stakeordie/jobqueue/internal/observability"
	"github.com/stakeordie/jobqueue/internal/registry"
	"github.com/stakeordie/jobqueue/internal/store"
)

// Deps bundles every wired component the router needs to build handlers.
// Assembled once in cmd/api/main.go.
type Deps struct {
	Store    *store.Store
	Broker   *broker.Broker
	Registry *registry.Registry
	Hub      *connhub.Hub
	Janitor  *janitor.Janitor
	Prom     *observability.Prom
	Cfg      config.Config
}

func NewRouter(d Deps) *gin.Engine {
	if os.Getenv("APP_ENV") != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("jobqueue-api"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.CORSMiddleware(d.Cfg.CORSAllowOrigins))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}

	submitLimiter := middlewares.NewRateLimiter(20, time.Minute)
	pollLimiter := middlewares.NewRateLimiter(120, time.Minute)

	readyCheck := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		return d.Store.Ping(ctx)
	}

	healthHandler := handlers.NewHealthHandler(readyCheck)
	snapshots := store.NewSnapshotBuilder(d.Store)
	jobsHandler := handlers.NewJobsHandler(d.Broker, snapshots, d.Hub)
	workersHandler := handlers.NewWorkersHandler(d.Registry, d.Broker, d.Store)
	cleanupHandler := handlers.NewCleanupHandler(d.Janitor)
	wsHandler := handlers.NewWSHandler(d.Hub, snapshots)

	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/readyz", healthHandler.Readyz)
	if d.Prom != nil {
		r.GET("/metrics", gin.WrapH(d.Prom.Handler()))
	}

	api := r.Group("/api")
	api.Use(middlewares.RequireJSON())
	{
		api.POST("/jobs", submitLimiter.RateLimiterMiddleware(middlewares.KeyByIP), jobsHandler.SubmitJob)
		api.GET("/jobs", jobsHandler.ListJobs)
		api.GET("/jobs/:id", jobsHandler.GetJob)
		api.DELETE("/jobs/:id", jobsHandler.CancelJob)
		api.GET("/jobs/:id/progress", middlewares.RequireWSToken(d.Cfg.WSAuthToken), wsHandler.ObserverSSE)

		api.POST("/cleanup", cleanupHandler.Trigger)

		workers := api.Group("/workers")
		{
			workers.POST("/register", workersHandler.RegisterWorker)
			workers.POST("/:worker_id/heartbeat", workersHandler.Heartbeat)
			workers.POST("/:worker_id/status", workersHandler.UpdateStatus)
			workers.POST("/:worker_id/poll", pollLimiter.RateLimiterMiddleware(middlewares.KeyByWorkerOrIP), workersHandler.Poll)
			workers.POST("/:worker_id/jobs/:job_id/progress", workersHandler.Progress)
			workers.POST("/:worker_id/jobs/:job_id/complete", workersHandler.Complete)
			workers.POST("/:worker_id/jobs/:job_id/fail", workersHandler.Fail)
			workers.POST("/:worker_id/jobs/:job_id/release", workersHandler.Release)
			workers.DELETE("/:worker_id", workersHandler.Unregister)
		}
	}

	ws := r.Group("/ws")
	ws.Use(middlewares.RequireWSToken(d.Cfg.WSAuthToken))
	{
		ws.GET("/monitor/:id", wsHandler.Monitor)
		ws.GET("/client/:id", wsHandler.Client)
		ws.GET("/:jobId", wsHandler.Observer)
	}

	return r
}
