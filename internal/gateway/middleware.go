package gateway

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/justinas/alice"
	servertiming "github.com/mitchellh/go-server-timing"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

func logFromRequest(req *http.Request) *zerolog.Logger {
	return zerolog.Ctx(req.Context())
}

// remoteAddrHandler mirrors service.go's per-request context-field
// middlewares, trimmed to the field this gateway needs.
func remoteAddrHandler(fieldKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			host, _, err := net.SplitHostPort(req.RemoteAddr)
			if err != nil {
				host = req.RemoteAddr
			}
			log := zerolog.Ctx(req.Context())
			log.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str(fieldKey, host)
			})
			next.ServeHTTP(w, req)
		})
	}
}

// accessHandler logs one structured line per request, timing the call
// with httpsnoop and emitting a Server-Timing trailer, exactly as
// service.go's accessHandler does.
func accessHandler(f func(req *http.Request, code int, size int64, duration time.Duration)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Trailer", servertiming.HeaderKey)
			m := httpsnoop.Metrics{}
			m.CaptureMetrics(w, func(ww http.ResponseWriter) {
				next.ServeHTTP(ww, req)
			})
			milliseconds := float64(m.Duration) / float64(time.Millisecond)
			w.Header().Set(servertiming.HeaderKey, fmt.Sprintf("t;dur=%.1f", milliseconds))
			f(req, m.Code, m.Written, m.Duration)
		})
	}
}

// securityHeaders applies the constant header set spec.md §4.6 names to
// every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, req)
	})
}

// corsMiddleware builds the rs/cors handler from the configured
// allow-list, defaulting to loopback-only origins (spec.md §4.6).
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	})
	return c.Handler
}

// rateLimitMiddleware admits or rejects requests per the client's
// (identity, class) sliding-window bucket, writing a 429 envelope with
// Retry-After and X-RateLimit-Remaining on rejection (spec.md §4.6).
func rateLimitMiddleware(limiter *Limiter, class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			client := clientIdentity(req)
			admitted, remaining, retryAfter := limiter.Admit(client, class)
			if !admitted {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(retryAfter)))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, req, xerrors.New(xerrors.RateLimited, "rate limit exceeded"))
				return
			}
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			next.ServeHTTP(w, req)
		})
	}
}

func retryAfterSeconds(d time.Duration) int64 {
	seconds := int64(d / time.Second)
	if d%time.Second > 0 {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// clientIdentity derives the rate-limit bucket key. With no authentication
// in scope (spec.md §1's Non-goals), the remote IP is the client identity.
func clientIdentity(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// recoverMiddleware converts a panicking handler into a logged 500
// response instead of taking down the server, mirroring service.go's
// router.PanicHandler.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				logFromRequest(req).Error().Interface("panic", r).Msg("panic recovered")
				writeError(w, req, xerrors.Newf(xerrors.Internal, "panic: %v", r))
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// Chain builds the full ordered middleware stack shared by every route:
// per-request logger, access log + timing, security headers, CORS, panic
// recovery. Rate limiting is applied per-route since its class varies.
func Chain(logger zerolog.Logger, allowedOrigins []string) alice.Chain {
	c := alice.New()
	c = c.Append(hlog.NewHandler(logger))
	c = c.Append(func(next http.Handler) http.Handler {
		return servertiming.Middleware(next, nil)
	})
	c = c.Append(accessHandler(func(req *http.Request, code int, size int64, duration time.Duration) {
		level := zerolog.InfoLevel
		if code >= http.StatusBadRequest {
			level = zerolog.WarnLevel
		}
		if code >= http.StatusInternalServerError {
			level = zerolog.ErrorLevel
		}
		zerolog.Ctx(req.Context()).WithLevel(level).
			Int("code", code).
			Int64("size", size).
			Dur("duration", duration).
			Send()
	}))
	c = c.Append(remoteAddrHandler("client"))
	c = c.Append(hlog.MethodHandler("method"))
	c = c.Append(hlog.URLHandler("path"))
	c = c.Append(securityHeaders)
	c = c.Append(corsMiddleware(allowedOrigins))
	c = c.Append(recoverMiddleware)
	return c
}

// withRateLimit appends the class-specific rate-limit middleware on top
// of the shared Chain, for use at individual route registration.
func withRateLimit(chain alice.Chain, limiter *Limiter, class Class) alice.Chain {
	return chain.Append(rateLimitMiddleware(limiter, class))
}
