package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/activitypub"
	"github.com/deemkeen/blogpub/db"
	"github.com/deemkeen/blogpub/domain"
	"github.com/deemkeen/blogpub/metrics"
	"github.com/deemkeen/blogpub/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	// Max 1MB request body size for ActivityPub activities
	maxBodySize = 1 << 20
	timeFormat  = time.RFC3339
)

// Federation bundles the components the HTTP layer serves
type Federation struct {
	DB         *db.DB
	Settings   *domain.Settings
	Directory  *activitypub.Directory
	Dispatcher *activitypub.Dispatcher
	Processor  *activitypub.Processor
	Blocks     *activitypub.BlockList
}

type server struct {
	conf *util.AppConfig
	fed  *Federation
}

// NewRouter wires every public, admin and metrics route
func NewRouter(conf *util.AppConfig, fed *Federation) *gin.Engine {
	s := &server{conf: conf, fed: fed}

	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/.well-known/webfinger", s.handleWebFinger)
	g.GET("/.well-known/host-meta", s.handleHostMeta)

	// Stricter rate limit for inboxes: 5 req/sec per IP
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)

	ap := g.Group("/activitypub/" + fed.Settings.ActorName)
	ap.GET("/actor", s.handleActor)
	ap.GET("/outbox", s.handleOutbox)
	ap.GET("/followers", s.handleFollowers)
	ap.GET("/following", s.handleFollowing)
	ap.GET("/inbox", RateLimitMiddleware(inboxLimiter), s.handleGetInbox)
	ap.POST("/inbox", RateLimitMiddleware(inboxLimiter), MaxBytesMiddleware(maxBodySize), s.handlePostInbox)
	ap.GET("/feed.rss", s.handleFeedRSS)

	admin := g.Group("/admin", AdminAuthMiddleware(conf.Admin.Token), MaxBytesMiddleware(maxBodySize))
	admin.POST("/publish", s.handlePublish)
	admin.POST("/profile", s.handleProfileUpdate)
	admin.POST("/inbox/reprocess", s.handleReprocessAll)
	admin.POST("/inbox/:id/reprocess", s.handleReprocess)
	admin.GET("/blocks", s.handleListBlocks)
	admin.POST("/blocks", s.handleBlock)
	admin.DELETE("/blocks", s.handleUnblock)
	admin.POST("/actors/refresh", s.handleRefreshActor)
	admin.POST("/follow", s.handleFollow)
	admin.POST("/deliver", s.handleDeliver)
	admin.GET("/deliveries", s.handleDeliveries)

	metrics.Register()
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return g
}

// Router serves until ctx is cancelled, then shuts down gracefully
func Router(ctx context.Context, conf *util.AppConfig, fed *Federation) error {
	addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(conf, fed),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs requests through charmbracelet/log instead of gin's
// default writer
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

// renderActivityJSON writes v with the ActivityStreams content type
func renderActivityJSON(c *gin.Context, status int, v any) {
	c.Header("Content-Type", activitypub.ContentTypeLD)
	c.JSON(status, v)
}
