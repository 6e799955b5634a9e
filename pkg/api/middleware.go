package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/observability"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

// IPRateLimiter keeps one token bucket per client address. Buckets idle for
// longer than the idle period are pruned as new clients arrive.
type IPRateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	clock func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows rps requests per second per address with burst.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		clock:    time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (rl *IPRateLimiter) allow(ip string) bool {
	now := rl.clock()
	rl.mu.Lock()
	if now.Sub(rl.lastPrune) > time.Minute {
		for addr, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, addr)
			}
		}
		rl.lastPrune = now
	}
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			WriteTooManyRequests(w, r, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port and IPv6 brackets from RemoteAddr. middleware.RealIP
// runs first, so proxies are already accounted for.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

type trustKey struct{}

// TrustFrom returns the trust context attached by the trust middleware.
func TrustFrom(ctx context.Context) (trust.Context, bool) {
	tc, ok := ctx.Value(trustKey{}).(trust.Context)
	return tc, ok
}

// anonymous is the context of callers without a token when no codec is
// configured: sandbox trust and no capabilities.
func anonymous(r *http.Request) trust.Context {
	return trust.Context{ActorID: "anonymous:" + clientIP(r), Score: trust.LevelSandbox}
}

// trustMiddleware decodes the bearer token into a trust context. With a
// codec, a missing or invalid token is rejected.
func trustMiddleware(codec *trust.TokenCodec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, hasToken := bearer(r)
			var tc trust.Context
			switch {
			case codec == nil:
				tc = anonymous(r)
			case !hasToken:
				w.Header().Set("WWW-Authenticate", `Bearer realm="forge"`)
				WriteError(w, r, http.StatusUnauthorized, "Bearer trust token required")
				return
			default:
				decoded, err := codec.Decode(raw)
				if err != nil {
					w.Header().Set("WWW-Authenticate", `Bearer realm="forge", error="invalid_token"`)
					WriteError(w, r, http.StatusUnauthorized, err.Error())
					return
				}
				tc = decoded
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), trustKey{}, tc)))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requireTrust rejects callers below floor.
func requireTrust(floor trust.Level) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, ok := TrustFrom(r.Context())
			if !ok || tc.Score < floor {
				WriteError(w, r, http.StatusForbidden, "operator endpoints require trust "+floor.String())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request and records request telemetry.
func requestLogger(logger *slog.Logger, tel *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			if route == "" {
				route = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			if tel != nil {
				attrs := []attribute.KeyValue{observability.AttrRoute.String(route), observability.AttrStatusCode.Int(status)}
				tel.RecordRequest(r.Context(), attrs...)
				tel.RecordDuration(r.Context(), elapsed, attrs...)
			}
			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
