package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teamflow/server/internal/shared/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	t.Run("generates new request ID when not provided", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			requestID := GetRequestID(c)
			c.String(http.StatusOK, requestID)
		})

		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		// Check response header
		headerID := w.Header().Get(RequestIDHeader)
		assert.NotEmpty(t, headerID)
		// Check body matches header
		assert.Equal(t, headerID, w.Body.String())
	})

	t.Run("uses existing request ID from header", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			requestID := GetRequestID(c)
			c.String(http.StatusOK, requestID)
		})

		existingID := "existing-request-id-123"
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, existingID)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, existingID, w.Header().Get(RequestIDHeader))
		assert.Equal(t, existingID, w.Body.String())
	})
}

func TestGetRequestID(t *testing.T) {
	t.Run("returns empty string when not set", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		id := GetRequestID(c)
		assert.Empty(t, id)
	})

	t.Run("returns request ID when set", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(RequestIDKey, "test-id")
		id := GetRequestID(c)
		assert.Equal(t, "test-id", id)
	})
}

func TestLogging(t *testing.T) {
	newObserved := func(level zap.AtomicLevel) (*zap.Logger, *observer.ObservedLogs) {
		core, logs := observer.New(level.Level())
		return zap.New(core), logs
	}

	t.Run("logs successful requests", func(t *testing.T) {
		log, logs := newObserved(zap.NewAtomicLevelAt(zap.InfoLevel))

		router := gin.New()
		router.Use(RequestID())
		router.Use(Logging(log))
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})

		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, "HTTP Request", entries[0].Message)
		fields := entries[0].ContextMap()
		assert.Equal(t, int64(200), fields["status"])
		assert.Equal(t, "GET", fields["method"])
		assert.Equal(t, "/test", fields["path"])
		assert.NotEmpty(t, fields["request_id"])
	})

	t.Run("logs 4xx requests as warnings", func(t *testing.T) {
		log, logs := newObserved(zap.NewAtomicLevelAt(zap.WarnLevel))

		router := gin.New()
		router.Use(Logging(log))
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusNotFound, "not found")
		})

		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, zap.WarnLevel, entries[0].Level)
	})

	t.Run("logs 5xx requests as errors", func(t *testing.T) {
		log, logs := newObserved(zap.NewAtomicLevelAt(zap.ErrorLevel))

		router := gin.New()
		router.Use(Logging(log))
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusInternalServerError, "error")
		})

		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	})

	t.Run("includes query parameters", func(t *testing.T) {
		log, logs := newObserved(zap.NewAtomicLevelAt(zap.InfoLevel))

		router := gin.New()
		router.Use(Logging(log))
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})

		req := httptest.NewRequest("GET", "/test?foo=bar", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, "foo=bar", entries[0].ContextMap()["query"])
	})
}

func TestRecovery(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		log := zap.New(core)

		router := gin.New()
		router.Use(Recovery(log))
		router.GET("/panic", func(c *gin.Context) {
			panic("test panic")
		})

		req := httptest.NewRequest("GET", "/panic", nil)
		w := httptest.NewRecorder()

		// Should not panic
		require.NotPanics(t, func() {
			router.ServeHTTP(w, req)
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, "Panic recovered", entries[0].Message)
	})

	t.Run("uses no-op logger when nil", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/panic", func(c *gin.Context) {
			panic("test panic")
		})

		req := httptest.NewRequest("GET", "/panic", nil)
		w := httptest.NewRecorder()

		require.NotPanics(t, func() {
			router.ServeHTTP(w, req)
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestIdentity(t *testing.T) {
	router := gin.New()
	router.Use(Identity())
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":        c.GetString("user_id"),
			"user_email":     c.GetString("user_email"),
			"platform_role":  c.GetString("platform_role"),
			"email_verified": c.GetBool("email_verified"),
		})
	})

	t.Run("propagates identity headers", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set(UserIDHeader, "user-1")
		req.Header.Set(UserEmailHeader, "user@example.com")
		req.Header.Set(PlatformRoleHeader, "team_member")
		req.Header.Set(EmailVerifiedHeader, "true")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Contains(t, w.Body.String(), "user-1")
		assert.Contains(t, w.Body.String(), "user@example.com")
		assert.Contains(t, w.Body.String(), "team_member")
	})

	t.Run("anonymous without headers", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/whoami", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Contains(t, w.Body.String(), `"user_id":""`)
	})
}

func TestRateLimit(t *testing.T) {
	newRouter := func(limiter ratelimit.Limiter, cfg RateLimitConfig) *gin.Engine {
		router := gin.New()
		router.Use(RateLimit(limiter, cfg))
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})
		return router
	}

	t.Run("allows requests under the limit", func(t *testing.T) {
		router := newRouter(ratelimit.NewMemoryLimiter(), RateLimitConfig{Limit: 2, Window: time.Minute})

		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
	})

	t.Run("rejects requests over the limit", func(t *testing.T) {
		router := newRouter(ratelimit.NewMemoryLimiter(), RateLimitConfig{Limit: 1, Window: time.Minute})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		require.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get(RetryAfter))
	})

	t.Run("fails open on limiter error", func(t *testing.T) {
		router := newRouter(failingLimiter{}, RateLimitConfig{Limit: 1, Window: time.Minute})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, assert.AnError
}

func (failingLimiter) Remaining(context.Context, string, int, time.Duration) (int, error) {
	return 0, assert.AnError
}

// memIdempotencyStore is a map-backed IdempotencyStore for tests.
type memIdempotencyStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	locks map[string]bool
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{
		data:  make(map[string][]byte),
		locks: make(map[string]bool),
	}
}

func (s *memIdempotencyStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	return data, ok, nil
}

func (s *memIdempotencyStore) Put(_ context.Context, key string, data []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

func (s *memIdempotencyStore) Lock(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return false, nil
	}
	s.locks[key] = true
	return true, nil
}

func (s *memIdempotencyStore) Unlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

func TestIdempotency(t *testing.T) {
	newRouter := func(store IdempotencyStore) (*gin.Engine, *int) {
		calls := 0
		router := gin.New()
		router.Use(func(c *gin.Context) {
			if id := c.GetHeader(UserIDHeader); id != "" {
				c.Set("user_id", id)
			}
		})
		router.Use(Idempotency(store, DefaultIdempotencyConfig()))
		router.POST("/things", func(c *gin.Context) {
			calls++
			c.JSON(http.StatusCreated, gin.H{"call": calls})
		})
		return router, &calls
	}

	post := func(router *gin.Engine, user, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/things", nil)
		if user != "" {
			req.Header.Set(UserIDHeader, user)
		}
		if key != "" {
			req.Header.Set(IdempotencyKeyHeader, key)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("replays the stored response on retry", func(t *testing.T) {
		router, calls := newRouter(newMemIdempotencyStore())

		first := post(router, "u-1", "k-1")
		require.Equal(t, http.StatusCreated, first.Code)
		assert.Empty(t, first.Header().Get(IdempotencyReplayHeader))

		second := post(router, "u-1", "k-1")
		assert.Equal(t, http.StatusCreated, second.Code)
		assert.Equal(t, "true", second.Header().Get(IdempotencyReplayHeader))
		assert.Equal(t, first.Body.String(), second.Body.String())
		assert.Equal(t, 1, *calls)
	})

	t.Run("same key from different users does not collide", func(t *testing.T) {
		router, calls := newRouter(newMemIdempotencyStore())

		post(router, "u-1", "k-1")
		w := post(router, "u-2", "k-1")
		assert.Empty(t, w.Header().Get(IdempotencyReplayHeader))
		assert.Equal(t, 2, *calls)
	})

	t.Run("requests without a key pass through", func(t *testing.T) {
		router, calls := newRouter(newMemIdempotencyStore())

		post(router, "u-1", "")
		post(router, "u-1", "")
		assert.Equal(t, 2, *calls)
	})

	t.Run("concurrent duplicate conflicts", func(t *testing.T) {
		router, calls := newRouter(heldLockStore{})

		w := post(router, "u-1", "k-1")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, 0, *calls)
	})

	t.Run("nil store passes through", func(t *testing.T) {
		router, calls := newRouter(nil)

		post(router, "u-1", "k-1")
		post(router, "u-1", "k-1")
		assert.Equal(t, 2, *calls)
	})

	t.Run("default config skips watch routes", func(t *testing.T) {
		calls := 0
		router := gin.New()
		router.Use(Idempotency(newMemIdempotencyStore(), DefaultIdempotencyConfig()))
		router.POST("/teams/:id/watch", func(c *gin.Context) {
			calls++
			c.Status(http.StatusOK)
		})

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("POST", "/teams/t-1/watch", nil)
			req.Header.Set(IdempotencyKeyHeader, "k-1")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)
		}
		assert.Equal(t, 2, calls)
	})
}

// heldLockStore simulates a key whose lock another request already holds.
type heldLockStore struct{}

func (heldLockStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (heldLockStore) Put(context.Context, string, []byte, time.Duration) error { return nil }

func (heldLockStore) Lock(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (heldLockStore) Unlock(context.Context, string) error { return nil }
