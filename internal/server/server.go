package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-authz/internal/acl"
	"github.com/xela07ax/agent-authz/internal/audit"
	"github.com/xela07ax/agent-authz/internal/domain"
	"github.com/xela07ax/agent-authz/internal/infra"
	"github.com/xela07ax/agent-authz/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AuditReader — контракт чтения журнала аудита для админ-поверхности.
type AuditReader interface {
	FetchAuditLogs(ctx context.Context, agentID, action string, limit int) ([]audit.Event, error)
}

// PermissionManager — операции динамического менеджера, нужные серверу.
type PermissionManager interface {
	RequestCapability(ctx context.Context, req domain.CapabilityRequest) (domain.CapabilityOutcome, error)
	RevokeGrant(ctx context.Context, grantID, revocationToken, reason string) bool
	GetActiveGrants(ctx context.Context, agentID string) ([]domain.CapabilityGrant, error)
}

// Server — HTTP-поверхность сервиса авторизации: проверки ACL,
// управление правилами, выдача и отзыв capability-грантов, журнал аудита.
type Server struct {
	router *chi.Mux
	logger *zap.Logger

	authValidator auth.TokenValidator
	authService   *AuthService

	aclManager  *acl.Manager
	permManager PermissionManager
	auditReader AuditReader

	rdb      *redis.Client // Трансляция сигналов инвалидации соседям
	validate *validator.Validate
	limiter  *rate.Limiter // Лимитер на эндпоинт выдачи capability
}

func New(
	cfg infra.ServerConfig,
	logger *zap.Logger,
	authValidator auth.TokenValidator,
	authService *AuthService,
	aclManager *acl.Manager,
	permManager PermissionManager,
	auditReader AuditReader,
	rdb *redis.Client,
) *Server {
	rps := cfg.CapabilityRPS
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.CapabilityBurst
	if burst <= 0 {
		burst = 10
	}

	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.Named("authz-api"),
		authValidator: authValidator,
		authService:   authService,
		aclManager:    aclManager,
		permManager:   permManager,
		auditReader:   auditReader,
		rdb:           rdb,
		validate:      validator.New(),
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.handleLogin)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Проверки и управление ACL
		r.Route("/v1/acl", func(r chi.Router) {
			r.Post("/check", s.handleCheckPermission)
			r.Post("/agents", s.handleRegisterAgent)
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)
				r.Delete("/{id}", s.handleDeleteRule)
			})
		})

		// Динамические capability
		r.With(s.capabilityRateLimit).Post("/v1/capabilities/request", s.handleRequestCapability)
		r.Route("/v1/grants", func(r chi.Router) {
			r.Get("/", s.handleActiveGrants)
			r.Post("/{id}/revoke", s.handleRevokeGrant)
		})

		// Журнал аудита (Observability)
		r.Get("/v1/audit", s.handleAuditLogs)
	})
}

// capabilityRateLimit защищает дорогой путь оценки риска от шторма запросов.
func (s *Server) capabilityRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// notifyRuleUpdate — best-effort сигнал соседям перечитать правила.
func (s *Server) notifyRuleUpdate(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanRuleUpdate, "refresh").Err(); err != nil {
		s.logger.Warn("rule update signal failed", zap.Error(err))
	}
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
