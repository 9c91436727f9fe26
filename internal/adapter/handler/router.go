package handler

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/metrics"
	"github.com/rl1809/asset-store/internal/port"
)

type RouterConfig struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// Limiter is optional; nil or RequestsPerMinute <= 0 disables rate limiting.
	Limiter           port.CacheRepository
	RequestsPerMinute int
}

func NewRouter(h *HTTPHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(cfg.Logger, cfg.Metrics))

	limited := rateLimit(cfg.Limiter, cfg.RequestsPerMinute, cfg.Logger)

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.With(limited).Post("/", h.Checkout)
			r.Get("/", h.ListOrders)
		})
		r.Route("/payments/wompi", func(r chi.Router) {
			r.With(limited).Post("/", h.CreatePaymentLink)
			r.Put("/", h.Webhook)
			r.Post("/webhook", h.Webhook)
		})
		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", h.ListDownloads)
			r.Get("/{link}", h.ResolveDownload)
		})
	})

	return r
}

func accessLog(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.ObserveRequest(r.Method+" "+route, status, elapsed)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", route),
				zap.Int("status", status),
				zap.Duration("duration", elapsed))
		})
	}
}

// rateLimit counts requests per client IP and route in one-minute windows.
// A cache failure lets the request through.
func rateLimit(limiter port.CacheRepository, perMinute int, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Method + ":" + r.URL.Path + ":" + clientIP(r)
			ok, err := limiter.AllowRequest(r.Context(), key, perMinute, time.Minute)
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.Error(err))
			} else if !ok {
				writeError(w, r, http.StatusTooManyRequests, "too many requests")
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
