package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/duplex-chat/duplex/internal/api/middleware"
	"github.com/duplex-chat/duplex/internal/bus"
	"github.com/duplex-chat/duplex/internal/chat"
	"github.com/duplex-chat/duplex/internal/config"
	"github.com/duplex-chat/duplex/internal/handlers"
	"github.com/duplex-chat/duplex/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, cfg *config.Config, ds store.DataStore, redisStore *store.RedisStore, b *bus.Bus) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(redisStore.Client(), logger, middleware.RateLimiterConfig{
		Whitelist: cfg.RateLimitWhitelist,
	})
	r.Use(limiter.Middleware)

	// CORS - allow all origins, auth is bearer-token based
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Create services, handler and auth middleware
	resolver := chat.NewResolver(ds, nil, logger)
	unread := chat.NewUnread(ds, redisStore)
	log := chat.NewLog(ds, redisStore, b, logger)
	h := handlers.NewHandler(ds, redisStore, resolver, log, unread, b, logger)
	auth := middleware.NewAuthMiddleware(cfg.AuthJWTSecret)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Authenticated routes (require a bearer token)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/conversations/resolve", h.ResolveConversation)
		r.Get("/conversations", h.ListConversations)
		r.Post("/conversations/{id}/messages", h.SendMessage)
		r.Get("/conversations/{id}/messages", h.ListMessages)
		r.Post("/conversations/{id}/read", h.MarkRead)
		r.Get("/conversations/{id}/unread", h.ConversationUnread)
		r.Delete("/messages/{id}", h.DeleteMessage)
		r.Get("/subscribe", h.Subscribe)
	})

	return r
}
