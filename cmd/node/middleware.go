package main

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const limiterIdle = time.Minute

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// requestLog tags each request with an ID, echoed in X-Request-ID, and logs
// it once served.
func (n *Node) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		n.logger.Debug("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterFor returns the caller's limiter, creating it on first use. The
// limiter is built up front so concurrent first requests share one entry.
func (n *Node) limiterFor(r *http.Request) *rate.Limiter {
	limiter := rate.NewLimiter(rate.Limit(n.cfg.RateLimit.Limit), n.cfg.RateLimit.Burst)
	item, _ := n.limiters.GetOrSet(remoteIP(r), limiter,
		ttlcache.WithTTL[string, *rate.Limiter](limiterIdle))
	return item.Value()
}

// rateLimit rejects callers that exceed the per-IP budget. It is a no-op when
// no limit is configured.
func (n *Node) rateLimit(next http.Handler) http.Handler {
	if n.limiters == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := n.limiterFor(r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			n.logger.Warn("rate limit exceeded", "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}
