package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"twofa-service/internal/auth"
	"twofa-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// HealthFunc reports the health of each backing component by name.
type HealthFunc func(ctx context.Context) map[string]error

// TokenVerifier authenticates calling services. Implemented by
// auth.ServiceVerifier.
type TokenVerifier interface {
	Verify(token string) (*auth.ServiceClaims, error)
}

type RouterOptions struct {
	// RequireHTTPS rejects plaintext requests. Enabled whenever the server
	// terminates TLS itself.
	RequireHTTPS bool
	// Auth guards /api/v1. Without it every API request is rejected.
	Auth TokenVerifier
	// AllowedOrigins enables CORS for browser callers. Empty disables it.
	AllowedOrigins []string
	Health         HealthFunc
}

// requireServiceToken rejects API requests without a valid service token.
func requireServiceToken(v TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				unauthorized(w)
				return
			}
			claims, err := v.Verify(auth.BearerToken(r.Header.Get("Authorization")))
			if err != nil {
				logger.Warn("Rejected API request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("path", r.URL.Path),
					util.ErrorField(err))
				unauthorized(w)
				return
			}
			logger.Debug("Authenticated caller",
				util.String("caller", claims.Issuer),
				util.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="twofa-service"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(twofaHandler *TwoFAHandler, logger *zap.Logger, opts RouterOptions) chi.Router {
	router := chi.NewRouter()

	if opts.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	if len(opts.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{"status": "healthy", "service": "twofa-service"}
		if opts.Health != nil {
			components := make(map[string]string)
			for name, err := range opts.Health(r.Context()) {
				if err != nil {
					components[name] = err.Error()
					status = http.StatusServiceUnavailable
					body["status"] = "degraded"
					continue
				}
				components[name] = "ok"
			}
			body["components"] = components
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})

	// API routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(requireServiceToken(opts.Auth, logger))
		twofaHandler.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
