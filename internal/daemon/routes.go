package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/gavindi/gnoming-profiles-sub000/internal/version"
)

func (d *Daemon) setupRoutes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: 1 * time.Second,
		Limit:  10,
	})

	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(corsMiddleware())
	r.Use(gzipMiddleware())
	r.Use(mgin.NewMiddleware(rateLimiter))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "%s %s", version.AppName, version.Version)
	})

	v1 := r.Group("/v1")
	v1.Use(tokenAuth(d.config.ControlToken))
	{
		v1.GET("/status", d.handleStatus)

		v1Sync := v1.Group("/sync")
		{
			v1Sync.POST("/out", d.handleSync(func(q bool) (bool, error) {
				return d.orch.SyncOut(context.Background(), q)
			}))
			v1Sync.POST("/in", d.handleSync(func(q bool) (bool, error) {
				return d.orch.SyncIn(context.Background(), q)
			}))
			v1Sync.POST("/both", d.handleSync(func(q bool) (bool, error) {
				return d.orch.SyncBoth(context.Background(), q)
			}))
			v1Sync.POST("/resync", d.handleResync)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}
