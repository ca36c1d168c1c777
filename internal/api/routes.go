package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/pkg/httputil"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
)

// Invoker runs one authorized dispatcher pass.
type Invoker interface {
	Invoke(ctx context.Context, presentedSecret string) (domain.DispatchResult, error)
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the collaborators the routes call into. Metrics may be
// nil, in which case /metrics is not mounted.
type Dependencies struct {
	Dispatcher Invoker
	DB         Pinger
	Metrics    http.Handler
}

// WorkerSecretHeader carries the shared trigger secret.
const WorkerSecretHeader = "x-worker-secret"

// SetupRoutes configures all routes.
func SetupRoutes(deps Dependencies, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type", WorkerSecretHeader},
		MaxAge:         300,
	}))

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.MethodNotAllowed(w)
	})

	h := &Handlers{dispatcher: deps.Dispatcher}
	hc := NewHealthChecker(deps.DB)

	r.Post("/send-emails", h.SendEmails)
	r.Get("/health", hc.HandleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	return r
}

// requestLogger logs one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if status >= 500 {
			logger.Error("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	})
}
