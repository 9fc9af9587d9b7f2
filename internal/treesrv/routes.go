package treesrv

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/openmined/treemirror/internal/version"
	"github.com/openmined/treemirror/internal/wsproto"
)

const watchPath = "/api/v1/watch"

func (s *Server) setupRoutes() http.Handler {
	r := gin.New()

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.BestSpeed, gzip.WithExcludedPaths([]string{watchPath})))
	r.Use(cors.New(corsConfig()))

	r.GET("/", indexHandler)
	r.GET("/healthz", healthHandler)

	// the socket is long lived and stays outside the rate limit
	r.GET(watchPath, s.handleWatch)

	v1 := r.Group("/api/v1")
	if s.config.RateLimit != "" {
		v1.Use(rateLimiter(s.config.RateLimit))
	}
	{
		v1.GET("/nodes", s.handleGetNode)
		v1.POST("/nodes", s.handleCreateNode)
		v1.PUT("/nodes", s.handleSetNode)
		v1.DELETE("/nodes", s.handleDeleteNode)
		v1.GET("/children", s.handleChildren)
		v1.GET("/stats", s.handleStats)
		v1.DELETE("/sessions/:id", s.handleCloseSession)
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, APIError{Code: CodeNotFound, Message: "not found"})
	})

	r.NoMethod(func(c *gin.Context) {
		c.PureJSON(http.StatusMethodNotAllowed, APIError{Code: CodeInvalidRequest, Message: "method not allowed"})
	})

	return r.Handler()
}

func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowWebSockets = true
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	return config
}

func rateLimiter(formattedRate string) gin.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		// Config.Validate rejects bad rates before routes are built
		panic(err)
	}
	return mgin.NewMiddleware(
		limiter.New(memory.NewStore(), rate),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.PureJSON(http.StatusTooManyRequests, APIError{
				Code:    wsproto.CodeRateLimited,
				Message: "rate limit exceeded",
			})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			AbortWithError(c, http.StatusInternalServerError, wsproto.CodeInternal, errors.Join(errors.New("rate limiter"), err))
		}),
	)
}

func indexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.Detailed())
}

func healthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Short(),
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
