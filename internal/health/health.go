package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gustycube/cyberstreams/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check is the outcome of probing one dependency.
type Check struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

// Response is the aggregate health document.
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Services  map[string]Status `json:"services"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// CheckFunc adapts a probe function: nil error is ok, anything else down.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) Check {
	start := time.Now()
	if err := f(ctx); err != nil {
		return Check{Status: StatusDown, Message: err.Error(), Duration: time.Since(start) / time.Millisecond}
	}
	return Check{Status: StatusOK, Duration: time.Since(start) / time.Millisecond}
}

// Handler manages health and readiness checks
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	version  string
	timeout  time.Duration
	ready    bool
}

// NewHandler creates a new health handler
func NewHandler(logger *logging.Logger, version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
		version:  version,
		timeout:  3 * time.Second,
	}
}

// RegisterChecker adds a health checker
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// SetMetadata sets metadata for the health response
func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady marks the service as ready
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness status
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Report runs every registered check concurrently. The aggregate status is
// ok only when every dependency is ok.
func (h *Handler) Report(ctx context.Context) Response {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		services = make(map[string]Status, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			check := checker.Check(ctx)
			if check.Status != StatusOK && h.logger != nil {
				h.logger.Warnw("dependency not healthy", "service", name, "status", check.Status, "message", check.Message)
			}
			mu.Lock()
			services[name] = check.Status
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := StatusOK
	for _, s := range services {
		if s != StatusOK {
			overall = StatusDegraded
			break
		}
	}

	resp := Response{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Services:  services,
	}
	if len(metadata) > 0 {
		resp.Metadata = metadata
	}
	return resp
}

// HealthHandler reports dependency status. It always answers 200 so that
// degraded dependencies never take the service out of rotation.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Report(r.Context()))
}

// ReadinessHandler handles readiness check requests
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	h.mu.RUnlock()

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
	})
}

// LivenessHandler handles liveness check requests (always returns OK if service is running)
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RedisChecker checks Redis connectivity. A nil ping means Redis is not
// configured and the service runs in its fail-open mode.
type RedisChecker struct {
	ping func(ctx context.Context) error
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(ping func(ctx context.Context) error) *RedisChecker {
	return &RedisChecker{ping: ping}
}

// Check performs the Redis health check
func (c *RedisChecker) Check(ctx context.Context) Check {
	if c.ping == nil {
		return Check{Status: StatusDegraded, Message: "Redis not configured"}
	}
	check := CheckFunc(c.ping).Check(ctx)
	if check.Status != StatusOK {
		check.Message = "Redis connection failed: " + check.Message
	}
	return check
}

// Unconfigured reports a dependency the service is running without.
type Unconfigured string

func (u Unconfigured) Check(context.Context) Check {
	return Check{Status: StatusDegraded, Message: string(u)}
}

// CycleChecker reports whether background ingestion is keeping up.
type CycleChecker struct {
	last   func() (at time.Time, failed bool)
	maxAge time.Duration
	now    func() time.Time
}

// NewCycleChecker creates an ingestion freshness checker. A cycle older than
// maxAge, or one in which every feed failed, is reported as degraded.
func NewCycleChecker(last func() (time.Time, bool), maxAge time.Duration) *CycleChecker {
	return &CycleChecker{last: last, maxAge: maxAge, now: time.Now}
}

// Check performs the ingestion freshness check
func (c *CycleChecker) Check(ctx context.Context) Check {
	at, failed := c.last()
	switch {
	case at.IsZero():
		return Check{Status: StatusDegraded, Message: "no ingestion cycle completed yet"}
	case c.now().Sub(at) > c.maxAge:
		return Check{Status: StatusDegraded, Message: "last ingestion cycle is stale"}
	case failed:
		return Check{Status: StatusDegraded, Message: "every feed failed in the last cycle"}
	}
	return Check{Status: StatusOK}
}
