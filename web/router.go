package web

import (
	"context"
	"time"

	"github.com/deemkeen/mastodont/activitypub"
	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/engagement"
	"github.com/deemkeen/mastodont/relations"
	"github.com/deemkeen/mastodont/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// maxActivitySize caps inbox and outbox request bodies.
const maxActivitySize = 1 * 1024 * 1024

// Options carry what the HTTP surface serves from.
type Options struct {
	Conf       *util.AppConfig
	Accounts   domain.AccountStore
	Store      *relations.Store
	Posts      *engagement.FilePostStore
	Recent     *engagement.RecentPosts
	Inbox      *activitypub.Inbox
	Dispatcher *activitypub.Dispatcher
	// Metrics, when set, records request metrics and is served at /metrics.
	Metrics *prometheus.Registry
}

type handlers struct {
	opts Options
}

// NewRouter wires the federation endpoints. The rate limiters drop idle
// clients until ctx is done.
func NewRouter(ctx context.Context, opts Options) *gin.Engine {
	if opts.Recent == nil {
		opts.Recent = engagement.NewRecentPosts(0, time.Minute)
	}
	h := &handlers{opts: opts}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger())
	if opts.Metrics != nil {
		g.Use(newHTTPMetrics(opts.Metrics).middleware())
	}
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for ActivityPub POSTs: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxActivitySize)

	go globalLimiter.Run(ctx, time.Minute)
	go apLimiter.Run(ctx, time.Minute)

	g.GET("/.well-known/webfinger", h.webfinger)

	users := g.Group("/users/:actor")
	users.GET("", h.getActor)
	users.GET("/followers", h.getRelations(relations.Followers, followers))
	users.GET("/following", h.getRelations(relations.Following, following))
	users.GET("/outbox", h.getOutbox)
	users.GET("/statuses/:id", h.getStatus)
	users.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, h.postInbox)
	users.POST("/outbox", ClientAuth(opts.Conf.Conf.Clients), maxBodySize, h.postOutbox)

	if opts.Conf.Conf.SharedInbox {
		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, h.postInbox)
	}

	if opts.Metrics != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{DisableCompression: true})))
	}
	return g
}
