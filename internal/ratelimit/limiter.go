// Package ratelimit implements admission rate limiting for the focus admin
// HTTP surface, and a per-participant session-restart limiter (spec.md
// property 6), backed by Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/heliumvc/focus/internal/auth"
	"github.com/heliumvc/focus/internal/config"
	"github.com/heliumvc/focus/internal/logging"
	"github.com/heliumvc/focus/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// TokenValidator authenticates a bearer token for the admin HTTP surface.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// RateLimiter holds the admin-surface rate limiter instances.
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiPublic   *limiter.Limiter
	apiRooms    *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
	validator   TokenValidator
}

// NewRateLimiter builds a RateLimiter, falling back to an in-memory store
// when redisClient is nil (single-process mode).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client, validator TokenValidator) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "focus:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		apiPublic:   limiter.New(store, apiPublicRate),
		apiRooms:    limiter.New(store, apiRoomsRate),
		store:       store,
		redisClient: redisClient,
		validator:   validator,
	}, nil
}

// GlobalMiddleware enforces the global admin-surface rate limit: a generous
// per-user limit for bearer-authenticated callers, a stricter per-IP limit
// for everyone else. The token is validated here rather than trusted from a
// prior middleware's context value, so a caller cannot bypass the stricter
// IP limit by presenting a token an earlier stage never checked.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		var key, limitType string

		if claims, ok := rl.authenticatedClaims(c); ok {
			key = claims.Subject
			limiterInstance = rl.apiGlobal
			limitType = "user"
		} else {
			key = c.ClientIP()
			limiterInstance = rl.apiPublic
			limitType = "ip"
		}

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint enforces a specific endpoint's rate limit (e.g. the
// pin-conference admin routes), keyed by authenticated subject or IP.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		switch endpointType {
		case "rooms":
			limiterInstance = rl.apiRooms
		default:
			limiterInstance = rl.apiGlobal
		}

		var key string
		if claims, ok := rl.authenticatedClaims(c); ok {
			key = claims.Subject
		} else {
			key = c.ClientIP()
		}

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// authenticatedClaims validates the Authorization bearer token, if present.
func (rl *RateLimiter) authenticatedClaims(c *gin.Context) (*auth.CustomClaims, bool) {
	if rl.validator == nil {
		return nil, false
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, false
	}
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) {
		return nil, false
	}
	claims, err := rl.validator.ValidateToken(authHeader[len(prefix):])
	if err != nil {
		return nil, false
	}
	return claims, true
}
