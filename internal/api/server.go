package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/auth"
	"github.com/vendo-server/vendo-server-pro/internal/config"
	"github.com/vendo-server/vendo-server-pro/internal/engine"
	"github.com/vendo-server/vendo-server-pro/internal/license"
	"github.com/vendo-server/vendo-server-pro/internal/registry"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
	"github.com/vendo-server/vendo-server-pro/internal/validation"
)

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	engine    *engine.Engine
	registry  *registry.Registry
	gate      *license.Gate
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, eng *engine.Engine, reg *registry.Registry, gate *license.Gate) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     store,
		engine:    eng,
		registry:  reg,
		gate:      gate,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr

	// Serve the dashboard next to the API when a web directory exists
	webDir := s.config.Web.StaticDir
	if envWebDir := os.Getenv("WEB_DIR"); envWebDir != "" {
		webDir = envWebDir
	}

	if webDir != "" {
		if _, err := os.Stat(webDir); os.IsNotExist(err) {
			log.Warn().Str("dir", webDir).Msg("Web directory not found, dashboard will not be available")
		} else {
			log.Info().Str("dir", webDir).Msg("Serving dashboard from directory")

			s.server.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasPrefix(r.URL.Path, "/api/") {
					s.router.ServeHTTP(w, r)
					return
				}

				fs := http.FileServer(http.Dir(webDir))

				// SPA fallback for extensionless paths
				if r.URL.Path == "/" || (!strings.Contains(r.URL.Path, ".") && r.URL.Path != "/") {
					http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
					return
				}

				fs.ServeHTTP(w, r)
			})
		}
	}

	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsContextKey keys the authenticated claims in the request context
type claimsContextKey struct{}

// claimsFromContext returns the authenticated claims, nil on public routes
func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return claims
}
