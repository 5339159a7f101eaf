package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/metahuman/metahuman-os/control-plane/internal/api/handlers"
	"github.com/metahuman/metahuman-os/control-plane/internal/api/middleware"
	"github.com/metahuman/metahuman-os/control-plane/internal/config"
	"github.com/metahuman/metahuman-os/control-plane/internal/policy"
	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the HTTP surface (§4.I): one authenticated, policy-gated,
// audited request pipeline in front of auth, profile, agent, adapter, and
// mode operations.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	if authChain != nil {
		authMW := middleware.NewAuthMiddleware(authChain)
		r.Use(authMW.Handler)
	}

	ucBuilder := middleware.NewUserContextBuilder(h.Identity, h.Router, h.Mode)
	r.Use(ucBuilder.Handler)
	r.Use(middleware.Audit(h.Audit))

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key", "X-Agent-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	gate := middleware.PolicyGate

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.With(gate(policy.OpReadProfile)).Post("/logout", h.Logout)
		r.Get("/me", h.Me)
		r.Post("/reset-password", h.ResetPassword)
	})

	r.Route("/api/profiles", func(r chi.Router) {
		r.Get("/list", h.ListProfiles)
		r.With(gate(policy.OpManageUsers)).Post("/create", h.CreateProfile)
		r.With(gate(policy.OpWriteProfile)).Post("/delete", h.DeleteProfile)
	})

	r.Route("/api/profile-path", func(r chi.Router) {
		r.With(gate(policy.OpReadProfile)).Get("/", h.GetProfilePath)
		r.With(gate(policy.OpWriteProfile)).Post("/", h.SetProfilePath)
		r.With(gate(policy.OpMutateConfig)).Post("/encrypt", h.EncryptProfilePath)
		r.With(gate(policy.OpMutateConfig)).Post("/decrypt", h.DecryptProfilePath)
	})

	r.With(gate(policy.OpReadProfile)).Post("/api/agents/control", h.AgentsControl)
	r.With(gate(policy.OpReadProfile)).Get("/api/agents/{name}/logs", h.TailAgentLogs)

	r.Route("/api/adapters", func(r chi.Router) {
		r.With(gate(policy.OpMutateConfig)).Get("/", h.Adapters)
		r.With(gate(policy.OpMutateConfig)).Post("/", h.Adapters)
	})

	r.Route("/api/mode", func(r chi.Router) {
		r.With(gate(policy.OpReadProfile)).Get("/", h.GetMode)
		r.With(gate(policy.OpMutateConfig)).Post("/", h.SetMode)
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials).
//
// Examples:
//
//	MH_CORS_ORIGINS=https://metahuman.example,http://localhost:5173
//	MH_CORS_ORIGINS=*  (default — open access, credentials disabled)
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("MH_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "metahuman-os-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "metahuman-os-control-plane",
		})
	}
}
