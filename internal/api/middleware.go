package api

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/auth"
	"github.com/gustycube/cyberstreams/internal/metrics"
	"github.com/gustycube/cyberstreams/internal/ratelimit"
	"github.com/gustycube/cyberstreams/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// requestInfo is shared by every layer handling one request; inner layers
// fill in what the outer logging layer reports.
type requestInfo struct {
	id       string
	route    string
	identity string
}

type infoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	if ri, ok := ctx.Value(infoKey{}).(*requestInfo); ok {
		return ri
	}
	return &requestInfo{}
}

func requestID(r *http.Request) string { return infoFrom(r.Context()).id }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// withRequestLog assigns the request id and records one log line and the
// request metrics per request.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ri := &requestInfo{id: r.Header.Get("X-Request-ID"), route: "unmatched"}
		if ri.id == "" || len(ri.id) > 128 {
			ri.id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", ri.id)

		ctx := telemetry.Extract(r.Context(), r.Header)
		ctx, span := telemetry.Tracer("api").Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, infoKey{}, ri)))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		span.SetName(r.Method + " " + ri.route)
		span.SetAttributes(
			attribute.String("http.route", ri.route),
			attribute.Int("http.status_code", rec.status),
			attribute.String("request.id", ri.id),
		)
		if rec.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		d := time.Since(start)
		metrics.RequestsTotal.WithLabelValues(r.Method, ri.route, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, ri.route).Observe(d.Seconds())
		s.log.Infow("request",
			"requestId", ri.id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", d,
			"identity", ri.identity)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and tags responses for allowed origins.
// An origin list containing "*" allows any origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(s.deps.CORSOrigins, "*") || slices.Contains(s.deps.CORSOrigins, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
			h.Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routeOpts configures the protection applied to one route.
type routeOpts struct {
	perm string
	// custom, when set, replaces the identity's own limits under a separate
	// counter named name.
	custom *ratelimit.Limits
	name   string
}

// protect runs authentication, rate limiting and the permission check, in
// that order, before h.
func (s *Server) protect(pattern string, o routeOpts, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ri := infoFrom(r.Context())
		ri.route = pattern

		id, err := s.deps.Auth.Authenticate(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ri.identity = id.ID

		key, limits := id.ID, id.RateLimits
		if o.custom != nil {
			key, limits = "custom:"+o.name+":"+id.ID, *o.custom
		}
		d := s.deps.Limiter.Check(r.Context(), key, limits)
		setRateHeaders(w, d)
		if d.Fallback {
			s.log.Warnw("rate limiter in fallback mode", "requestId", ri.id, "identity", id.ID)
		}
		if !d.Allowed {
			s.fail(w, r, apierr.RateLimited("Rate limit exceeded: "+strconv.FormatInt(d.Limit, 10)+" requests per "+d.Window.String(), d.RetryAfter))
			return
		}

		if o.perm != "" && !id.Has(o.perm) {
			metrics.AuthFailures.WithLabelValues("forbidden").Inc()
			s.fail(w, r, apierr.Forbidden("Permission '"+o.perm+"' required"))
			return
		}
		h(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", ratelimit.Format(d.Limit))
	remaining := d.Remaining
	if remaining < 0 && d.Limit >= 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Remaining", ratelimit.Format(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))
}

func isAPIPath(p string) bool { return p == "/api" || strings.HasPrefix(p, "/api/") }
