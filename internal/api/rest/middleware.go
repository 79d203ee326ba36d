package rest

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/auth"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/cache"
	"github.com/davidleathers/control-assurance-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

type contextKey int

const actorKey contextKey = iota

// WithActor stores the authenticated actor on ctx
func WithActor(ctx context.Context, actor workflow.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the actor authenticated for the request
func ActorFrom(ctx context.Context) (workflow.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(workflow.Actor)
	return actor, ok
}

// TokenValidator verifies bearer tokens
type TokenValidator interface {
	ValidateToken(raw string) (*auth.TokenClaims, error)
}

// authenticate resolves the bearer token into the request actor. Browsers
// cannot set headers on a websocket handshake, so upgrades may pass the
// token as the access_token query parameter instead.
func authenticate(tokens TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeJSON(w, r, http.StatusUnauthorized, ResponseEnvelope{Error: &ErrorResponse{
					Code:    "UNAUTHENTICATED",
					Message: "bearer token is required",
				}})
				return
			}

			claims, err := tokens.ValidateToken(raw)
			if err != nil {
				logger.Debug("rejected bearer token",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Error(err))
				writeJSON(w, r, http.StatusUnauthorized, ResponseEnvelope{Error: &ErrorResponse{
					Code:    "INVALID_TOKEN",
					Message: "invalid or expired token",
				}})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), claims.Actor())))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// requestLogger logs one line per request with its outcome
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				}
				if actor, ok := ActorFrom(r.Context()); ok {
					fields = append(fields, zap.String("actor", actor.ID))
				}
				fields = append(fields, telemetry.TraceFields(r.Context())...)

				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// tracing opens a server span per request, renamed to the matched route
func tracing(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				))
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
				span.SetName(r.Method + " " + rctx.RoutePattern())
			}
			span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
			if ww.Status() >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(ww.Status()))
			}
		})
	}
}

// limiter admits or rejects one request for key
type limiter interface {
	allow(ctx context.Context, key string) bool
}

// localLimiter keeps a token bucket per key in process memory
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	maxKeys int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLocalLimiter(rps, burst int) *localLimiter {
	return &localLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		maxKeys: 10000,
	}
}

func (l *localLimiter) allow(_ context.Context, key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			for k, idle := range l.buckets {
				if now.Sub(idle.lastSeen) > l.idleTTL {
					delete(l.buckets, k)
				}
			}
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sharedLimiter counts requests in Redis so every replica enforces one
// window per key. A Redis failure admits the request.
type sharedLimiter struct {
	backend cache.RateLimiter
	limit   int
	window  time.Duration
	logger  *zap.Logger
}

func (l *sharedLimiter) allow(ctx context.Context, key string) bool {
	ok, err := l.backend.Allow(ctx, key, l.limit, l.window)
	if err != nil {
		l.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// rateLimit throttles per authenticated actor, falling back to client IP
func rateLimit(l limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if actor, ok := ActorFrom(r.Context()); ok {
				key = "actor:" + actor.ID
			}
			if !l.allow(r.Context(), key) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, r, http.StatusTooManyRequests, ResponseEnvelope{Error: &ErrorResponse{
					Code:    "RATE_LIMITED",
					Message: "too many requests",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recoverer turns a handler panic into a 500 envelope
func recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Stack("stack"))
					fail(w, r, logger, errors.NewInternalError("unexpected error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
