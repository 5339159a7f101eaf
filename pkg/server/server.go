// Package server provides the public entry point for initializing the
// metahuman-os control plane server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/metahuman/metahuman-os/control-plane/internal/agents"
	"github.com/metahuman/metahuman-os/control-plane/internal/api"
	"github.com/metahuman/metahuman-os/control-plane/internal/api/handlers"
	aoauth "github.com/metahuman/metahuman-os/control-plane/internal/auth"
	"github.com/metahuman/metahuman-os/control-plane/internal/audit"
	"github.com/metahuman/metahuman-os/control-plane/internal/config"
	"github.com/metahuman/metahuman-os/control-plane/internal/crypto"
	"github.com/metahuman/metahuman-os/control-plane/internal/identity"
	"github.com/metahuman/metahuman-os/control-plane/internal/modelserver"
	"github.com/metahuman/metahuman-os/control-plane/internal/notify"
	"github.com/metahuman/metahuman-os/control-plane/internal/policy"
	"github.com/metahuman/metahuman-os/control-plane/internal/retention"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/internal/telemetry"
	"github.com/metahuman/metahuman-os/control-plane/internal/training"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"

	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the control plane server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized metahuman-os control plane.
type Server struct {
	Handler http.Handler

	Identity     *identity.Service
	Router       *storage.Router
	Audit        *audit.Writer
	Registry     *agents.Registry
	Scheduler    *agents.Scheduler
	Executor     *agents.LocalExecutor
	Orchestrator *training.Orchestrator
	Mode         *policy.ModeHolder
	KeyCache     *crypto.KeyCache
	AuthChain    *aoauth.ProviderChain

	Config *Config
	Port   int

	identityStore identity.Store
	schedulerStop context.CancelFunc
	ShutdownFunc  func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes the control plane and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var idStore identity.Store
	if cfg.Database.URL != "" {
		idStore, err = identity.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init identity postgres store: %w", err)
		}
		log.Info().Msg("identity store: postgres")
	} else {
		idStore = identity.NewMemoryStore(cfg.Runtime.SystemRoot)
		log.Info().Msg("identity store: in-memory, snapshotted to disk")
	}

	return buildServer(ctx, cfg, pubCfg, idStore, shutdown, true)
}

// NewForCLI builds the same dependency graph as New but never starts the
// scheduler's background tick loop, for one-shot CLI commands that borrow
// the server's storage/identity/training wiring without running a server.
func NewForCLI(ctx context.Context) (*Server, error) {
	cfg := config.Load()
	var idStore identity.Store
	var err error
	if cfg.Database.URL != "" {
		idStore, err = identity.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init identity postgres store: %w", err)
		}
	} else {
		idStore = identity.NewMemoryStore(cfg.Runtime.SystemRoot)
	}
	return buildServer(ctx, cfg, LoadConfig(), idStore, func(context.Context) error { return nil }, false)
}

// buildServer is the shared constructor that wires every service.
func buildServer(ctx context.Context, cfg *config.Config, pubCfg *Config, idStore identity.Store, shutdown func(context.Context) error, startScheduler bool) (*Server, error) {
	router := storage.NewRouter(cfg.Runtime.SystemRoot)
	idSvc := identity.NewService(idStore, router)
	auditWriter := audit.NewWriter(router)
	keyCache := crypto.NewKeyCache()

	initialMode := models.ModeDualConsciousness
	if cfg.Runtime.HighSecurity {
		initialMode = models.ModeHighSecurity
	}
	mode := policy.NewModeHolder(initialMode)

	auditFn := func(u *models.User, ev models.AuditEvent) { auditWriter.Emit(u, ev) }

	registry := agents.NewRegistry(cfg.Runtime.SystemRoot)
	executor := agents.NewLocalExecutor()
	scheduler := agents.NewScheduler(router, idSvc, registry, executor, auditFn)

	modelClient := modelserver.NewClient(cfg.Runtime.ModelServerURL)
	archiver := retention.NewLocalDatasetArchiver("")
	notifier := notify.NewService("", "")
	orchestrator := training.NewOrchestrator(router, modelClient, archiver, notifier, cfg.Runtime.BaseModel, auditFn)

	authChain := aoauth.NewProviderChain()
	apiKeyProvider := aoauth.NewAPIKeyProvider()
	if apiKeyProvider.Enabled() {
		authChain.RegisterProvider(apiKeyProvider)
	}
	svcAcctProvider := aoauth.NewServiceAccountProvider()
	if svcAcctProvider.Enabled() {
		authChain.RegisterProvider(svcAcctProvider)
	}
	authChain.RegisterProvider(aoauth.NewSessionProvider(idSvc))

	h := &handlers.Handlers{
		Identity:     idSvc,
		Router:       router,
		Audit:        auditWriter,
		Registry:     registry,
		Scheduler:    scheduler,
		Executor:     executor,
		Orchestrator: orchestrator,
		Mode:         mode,
		KeyCache:     keyCache,
		AgentSecret:  []byte(cfg.Auth.ServiceAccountSecret),
	}

	pubCfg.Version = cfg.Version
	httpHandler := api.NewRouter(cfg, h, authChain)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	if startScheduler && !cfg.Runtime.HeadlessRuntime {
		go scheduler.Run(schedCtx)
	}

	return &Server{
		Handler:       httpHandler,
		Identity:      idSvc,
		Router:        router,
		Audit:         auditWriter,
		Registry:      registry,
		Scheduler:     scheduler,
		Executor:      executor,
		Orchestrator:  orchestrator,
		Mode:          mode,
		KeyCache:      keyCache,
		AuthChain:     authChain,
		Config:        pubCfg,
		Port:          cfg.Port,
		identityStore: idStore,
		schedulerStop: schedCancel,
		ShutdownFunc:  shutdown,
	}, nil
}

// Shutdown stops the scheduler, running agents, and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.schedulerStop != nil {
		s.schedulerStop()
	}
	s.Scheduler.StopAll()
	if s.identityStore != nil {
		_ = s.identityStore.Close()
	}
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
