package middleware

import (
	"context"
	"net/http"
	"time"

	"agent_arena/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

var (
	rateLimiter *redis.Client
	rateLimit   int
)

// InitRedisRateLimiter подключает Redis для лимитирования запросов.
// Пустой addr отключает лимитер (dev-режим и тесты работают без Redis).
func InitRedisRateLimiter(addr, password string, limitPerMinute int) {
	if addr == "" {
		logger.Warn("rate limiter отключен: REDIS_ADDR не задан")
		return
	}
	if limitPerMinute <= 0 {
		limitPerMinute = 120
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("rate limiter: Redis недоступен, лимитирование отключено", "error", err)
		return
	}

	rateLimiter = client
	rateLimit = limitPerMinute
	logger.Info("rate limiter включен", "addr", addr, "limit_per_minute", limitPerMinute)
}

// RateLimit - фиксированное окно в минуту на агента (fallback: на IP).
// При недоступном Redis запросы пропускаются: лимитер не должен ронять игру.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rateLimiter == nil {
			c.Next()
			return
		}

		key := c.ClientIP()
		if v, ok := c.Get("agent_id"); ok {
			if id, ok := v.(string); ok && id != "" {
				key = id
			}
		}
		bucket := "rl:" + key + ":" + time.Now().UTC().Format("200601021504")

		ctx := c.Request.Context()
		count, err := rateLimiter.Incr(ctx, bucket).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			rateLimiter.Expire(ctx, bucket, time.Minute)
		}

		if count > int64(rateLimit) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
