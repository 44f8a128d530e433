package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// IdempotencyKeyHeader carries the client-chosen key for safe retries
	// of team, project, and invitation mutations.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayHeader marks a response that was served from the
	// key store instead of the service.
	IdempotencyReplayHeader = "Idempotency-Replay"

	idempotencyKeyPrefix  = "idempotency:"
	defaultIdempotencyTTL = 24 * time.Hour
	idempotencyLockTTL    = 30 * time.Second
)

// IdempotencyStore persists captured responses and in-flight locks keyed by
// idempotency key. Production uses Redis; tests substitute an in-memory map.
type IdempotencyStore interface {
	// Get returns the stored bytes for key, or ok=false when absent.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	// Put stores data under key for at most ttl.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Lock atomically claims key for ttl, returning false if already held.
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Unlock releases a claimed key.
	Unlock(ctx context.Context, key string) error
}

type redisIdempotencyStore struct {
	client goredis.UniversalClient
}

// NewRedisIdempotencyStore adapts a Redis client to the IdempotencyStore
// interface.
func NewRedisIdempotencyStore(client goredis.UniversalClient) IdempotencyStore {
	return &redisIdempotencyStore{client: client}
}

func (s *redisIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *redisIdempotencyStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *redisIdempotencyStore) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key+":lock", "1", ttl).Result()
}

func (s *redisIdempotencyStore) Unlock(ctx context.Context, key string) error {
	return s.client.Del(ctx, key+":lock").Err()
}

// IdempotencyConfig holds idempotency middleware configuration.
type IdempotencyConfig struct {
	// TTL is the time to live for stored responses.
	TTL time.Duration
	// Methods are the HTTP methods subject to the idempotency check.
	// Default: POST, PUT, PATCH.
	Methods []string
	// SkipFunc reports requests the middleware must not buffer. The
	// default skips the SSE watch endpoints, whose responses stream.
	SkipFunc func(*gin.Context) bool
}

// DefaultIdempotencyConfig returns the default idempotency configuration.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:     defaultIdempotencyTTL,
		Methods: []string{"POST", "PUT", "PATCH"},
		SkipFunc: func(c *gin.Context) bool {
			return strings.HasSuffix(c.FullPath(), "/watch")
		},
	}
}

// idempotencyResponse is the stored shape of a captured response.
type idempotencyResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
}

// idempotencyResponseWriter tees the response body so it can be stored.
type idempotencyResponseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency returns a middleware that replays the stored response when a
// mutation retries with the same Idempotency-Key. Keys are scoped to the
// authenticated user, method, and route, so identical keys from different
// users never collide.
func Idempotency(store IdempotencyStore, cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.TTL == 0 {
		cfg.TTL = defaultIdempotencyTTL
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{"POST", "PUT", "PATCH"}
	}

	methodSet := make(map[string]bool)
	for _, m := range cfg.Methods {
		methodSet[m] = true
	}

	return func(c *gin.Context) {
		if store == nil || !methodSet[c.Request.Method] {
			c.Next()
			return
		}
		if cfg.SkipFunc != nil && cfg.SkipFunc(c) {
			c.Next()
			return
		}
		clientKey := c.GetHeader(IdempotencyKeyHeader)
		if clientKey == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		cacheKey := idempotencyCacheKey(c, clientKey)

		if data, ok, err := store.Get(ctx, cacheKey); err == nil && ok {
			var resp idempotencyResponse
			if json.Unmarshal(data, &resp) == nil {
				for k, v := range resp.Headers {
					c.Header(k, v)
				}
				c.Header(IdempotencyReplayHeader, "true")
				c.Data(resp.StatusCode, resp.Headers["Content-Type"], resp.Body)
				c.Abort()
				return
			}
		}

		locked, err := store.Lock(ctx, cacheKey, idempotencyLockTTL)
		if err != nil {
			// A broken key store must not block mutations.
			c.Next()
			return
		}
		if !locked {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "request_in_progress",
			})
			return
		}
		defer store.Unlock(ctx, cacheKey)

		respWriter := &idempotencyResponseWriter{
			ResponseWriter: c.Writer,
			body:           bytes.NewBuffer(nil),
		}
		c.Writer = respWriter

		c.Next()

		// 5xx responses are retryable and must not be pinned.
		if c.Writer.Status() >= 200 && c.Writer.Status() < 500 {
			headers := make(map[string]string)
			for k := range c.Writer.Header() {
				headers[k] = c.Writer.Header().Get(k)
			}
			data, err := json.Marshal(&idempotencyResponse{
				StatusCode: c.Writer.Status(),
				Headers:    headers,
				Body:       respWriter.body.Bytes(),
			})
			if err == nil {
				store.Put(ctx, cacheKey, data, cfg.TTL)
			}
		}
	}
}

// idempotencyCacheKey hashes the acting user, method, route, and client key.
func idempotencyCacheKey(c *gin.Context, clientKey string) string {
	hash := sha256.Sum256([]byte(
		c.GetString("user_id") + ":" + c.Request.Method + ":" + c.FullPath() + ":" + clientKey,
	))
	return idempotencyKeyPrefix + hex.EncodeToString(hash[:])
}
