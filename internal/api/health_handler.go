package api

import (
	"context"
	"net/http"
	"time"

	"github.com/betterbobcats/email-outbox/internal/pkg/httputil"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status   string `json:"status"` // "healthy" or "unhealthy"
	Database string `json:"database"`
	Latency  string `json:"latency,omitempty"`
	Uptime   string `json:"uptime"`
}

// HealthChecker pings the outbox store.
type HealthChecker struct {
	db        Pinger
	startTime time.Time
	timeout   time.Duration
}

// NewHealthChecker creates a HealthChecker. A nil db reports unhealthy.
func NewHealthChecker(db Pinger) *HealthChecker {
	return &HealthChecker{db: db, startTime: time.Now(), timeout: 3 * time.Second}
}

// HandleHealth returns 200 when the database answers a ping within the
// timeout and 503 otherwise.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:   "healthy",
		Database: "up",
		Uptime:   time.Since(hc.startTime).Truncate(time.Second).String(),
	}
	code := http.StatusOK

	if hc.db == nil {
		status.Status, status.Database = "unhealthy", "not configured"
		httputil.JSON(w, http.StatusServiceUnavailable, status)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hc.timeout)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(ctx)
	status.Latency = time.Since(start).String()
	if err != nil {
		logger.Warn("health: database ping failed", "error", err)
		status.Status, status.Database = "unhealthy", "down"
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, status)
}
