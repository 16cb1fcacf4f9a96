package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader = "Idempotency-Key"
	lockTTL           = 10 * time.Second
	completedTTL      = 24 * time.Hour
)

// Idempotency rejects replays of state-changing requests that carry an
// Idempotency-Key header. The first request takes a short redis lock while
// it runs and leaves a completion marker behind; replays within the marker's
// TTL get 409 instead of re-executing. Requests without the header pass
// through untouched.
func Idempotency(redisClient *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(idempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := "idempotency:" + key
			ctx := r.Context()

			// Completed or in-flight request with the same key.
			_, err := redisClient.Get(ctx, idemKey).Result()
			if err == nil {
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error": "request already processed"}`))
				return
			}
			if !errors.Is(err, redis.Nil) {
				// Redis unavailable: let the request through rather than
				// blocking ingest on the cache.
				next.ServeHTTP(w, r)
				return
			}

			// Lock the key while this request runs. The short TTL clears the
			// lock if the process dies mid-request.
			acquired, err := redisClient.SetNX(ctx, idemKey, "PROCESSING", lockTTL).Result()
			if err != nil || !acquired {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error": "concurrent request"}`))
				return
			}

			next.ServeHTTP(w, r)

			// Mark completed and extend the TTL to the replay window.
			redisClient.Set(ctx, idemKey, "COMPLETED", completedTTL)
		})
	}
}
