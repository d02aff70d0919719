package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type dependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Healthz reports liveness only.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// Readyz runs every check with a shared timeout and answers 503 if any fails.
func Readyz(timeout time.Duration, checks map[string]CheckFunc) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		deps := make(map[string]dependencyStatus, len(checks))
		ready := true
		for _, name := range names {
			start := time.Now()
			err := checks[name](ctx)
			st := dependencyStatus{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				ready = false
				st.Status = "unavailable"
				st.Message = err.Error()
			}
			deps[name] = st
		}

		code, status := http.StatusOK, "ready"
		if !ready {
			code, status = http.StatusServiceUnavailable, "not_ready"
		}
		c.JSON(code, gin.H{"status": status, "dependencies": deps})
	}
}
