// Package main is oppi's entry point: the personal automation server that
// mediates between a paired mobile client and coding-agent subprocesses.
// Every interactive operation happens over the WS multiplexer; the REST
// surface in internal/api covers CRUD, history, and accessor endpoints a
// persistent connection isn't the right shape for. A second HTTP server,
// the credential-substitution proxy, listens on its own port and is never
// reachable from outside this host.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/api"
	"github.com/duh17/oppi-sub004/internal/authproxy"
	"github.com/duh17/oppi-sub004/internal/common/config"
	"github.com/duh17/oppi-sub004/internal/common/httpmw"
	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/events/bus"
	gateway "github.com/duh17/oppi-sub004/internal/gateway/websocket"
	"github.com/duh17/oppi-sub004/internal/invite"
	"github.com/duh17/oppi-sub004/internal/pairing"
	"github.com/duh17/oppi-sub004/internal/permission"
	"github.com/duh17/oppi-sub004/internal/policy"
	"github.com/duh17/oppi-sub004/internal/session"
	"github.com/duh17/oppi-sub004/internal/session/docker"
	"github.com/duh17/oppi-sub004/internal/session/multiruntime"
	"github.com/duh17/oppi-sub004/internal/session/stdio"
	"github.com/duh17/oppi-sub004/internal/storage"
	"github.com/duh17/oppi-sub004/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "oppi: load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "oppi: init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting oppi")

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		nb, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("connect NATS event bus", zap.Error(err))
		}
		eventBus = nb
		log.Info("connected to NATS event bus")
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	store, err := openStore(cfg.Database)
	if err != nil {
		log.Fatal("open storage", zap.Error(err))
	}
	defer store.Close()
	accessors := storage.NewAccessors(store)
	log.Info("storage initialized", zap.String("driver", cfg.Database.Driver))

	auditRecorder := storage.NewAuditStore(store)

	ruleStore := policy.NewRuleStore()
	if rules, err := accessors.ListPolicyRules(ctx); err != nil {
		log.Warn("load persisted policy rules", zap.Error(err))
	} else {
		for _, r := range rules {
			ruleStore.Put(r)
		}
		log.Info("loaded policy rules", zap.Int("count", len(rules)))
	}
	homeDir, _ := os.UserHomeDir()
	engine := policy.NewEngine(ruleStore, homeDir)

	hub := gateway.NewHub(log)

	approvalTimeoutMs := cfg.Policy.ApprovalTimeoutSeconds * 1000
	gate := permission.New(engine, auditRecorder, hub, func(string) *int {
		return &approvalTimeoutMs
	})

	// manager is constructed after workspace.Runtime, but the Runtime's
	// idle callback needs to reach it; the indirection is resolved before
	// any workspace can actually go idle.
	var manager *session.Manager
	ws := workspace.New(workspace.Config{
		MaxSessionsPerWorkspace: cfg.Workspace.MaxSessionsPerWorkspace,
		MaxSessionsGlobal:       cfg.Workspace.MaxSessionsGlobal,
		IdleTimeout:             cfg.Workspace.IdleTimeoutDuration(),
	}, log, func(ctx context.Context, workspaceID string) {
		if manager != nil {
			manager.StopWorkspaceSessions(ctx, workspaceID, "idle_timeout")
		}
	})

	authStore, err := authproxy.NewStore(cfg.Proxy.CredentialsFilePath, log)
	if err != nil {
		log.Fatal("open credentials store", zap.Error(err))
	}
	providers := authproxy.DefaultProviders(cfg.Proxy.AnthropicBaseURL, cfg.Proxy.OpenAICodexBaseURL, cfg.Proxy.ChatGPTAccountID)
	resolver := authproxy.NewResolver(authStore, providers)
	proxy := authproxy.NewProxy(authStore, providers, log)

	hostRuntime := stdio.New(nil, log)
	backends := map[string]session.Runtime{"host": hostRuntime}
	if cfg.Docker.Enabled {
		containerRuntime, err := docker.New(cfg.Docker, nil, log)
		if err != nil {
			log.Warn("container runtime unavailable, container workspaces will fail to spawn", zap.Error(err))
		} else {
			backends["container"] = containerRuntime
		}
	}
	runtime := multiruntime.New(backends, "host")

	manager = session.NewManager(session.Config{
		DedupeCapacity: 256,
		DedupeTTL:      10 * time.Minute,
	}, log, runtime, ws, gate, resolver, eventBus)

	hub.SetManager(manager)
	hub.SetGate(gate)

	pairingStore := pairing.NewStore()
	exchanger := pairing.NewExchanger(pairingStore, cfg.Auth.RateLimitBurst, cfg.Auth.RateLimitReplenishDuration())

	if err := logInviteEnvelope(log, cfg, pairingStore); err != nil {
		log.Warn("could not prepare pairing invite", zap.Error(err))
	}

	wsHandler := gateway.NewHandler(hub, pairingStore, log)

	apiServer := api.NewServer(api.Deps{
		Manager:                manager,
		Gate:                   gate,
		Rules:                  ruleStore,
		Audit:                  auditRecorder,
		Store:                  accessors,
		Workspace:              ws,
		Pairing:                pairingStore,
		Exchanger:              exchanger,
		Logger:                 log,
		Version:                version,
		DefaultPreset:          cfg.Policy.DefaultPreset,
		ApprovalTimeoutSeconds: cfg.Policy.ApprovalTimeoutSeconds,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("oppi"))
	router.Use(httpmw.RequestLogger(log, "oppi"))
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router, wsHandler)
	apiServer.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	proxyAddr := fmt.Sprintf("%s:%d", cfg.Proxy.ListenHost, cfg.Proxy.ListenPort)
	proxyServer := &http.Server{
		Addr:    proxyAddr,
		Handler: proxy,
	}

	go func() {
		log.Info("API/WS server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API/WS server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("credential proxy listening", zap.String("addr", proxyAddr))
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("credential proxy failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("API/WS server shutdown", zap.Error(err))
	}
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		log.Error("credential proxy shutdown", zap.Error(err))
	}

	log.Info("oppi stopped")
}

// version is overridden at build time via -ldflags.
var version = "dev"

// openStore builds the configured storage.Store backend.
func openStore(cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return storage.NewSQLiteStore(cfg.Path)
	case "postgres":
		return storage.NewPostgresStore(cfg.DSN())
	default:
		return nil, fmt.Errorf("oppi: unknown database driver %q", cfg.Driver)
	}
}

// logInviteEnvelope mints a fresh pairing token and wraps it in a
// v2-signed invite envelope (spec §6), logging the envelope for whatever
// out-of-band channel (QR code, copy/paste) displays it to the owner's
// phone. The signing key is ephemeral per process start: the envelope's
// only job is to prove this token came from this server instance within
// its short validity window, not to anchor a long-lived trust root.
func logInviteEnvelope(log *logger.Logger, cfg *config.Config, pairingStore *pairing.Store) error {
	ttl := cfg.Auth.PairingTokenTTLDuration()
	token, err := pairingStore.IssuePairingToken(ttl)
	if err != nil {
		return fmt.Errorf("issue pairing token: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate invite signing key: %w", err)
	}

	env, err := invite.Sign(invite.Payload{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Token:           token,
		Name:            "oppi",
		Fingerprint:     invite.Fingerprint(pub),
		SecurityProfile: cfg.Policy.DefaultPreset,
	}, priv, "boot", time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("sign invite envelope: %w", err)
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode invite envelope: %w", err)
	}

	log.Info("pairing invite ready — scan or paste into the mobile client",
		zap.String("envelope", string(envJSON)),
		zap.Duration("validFor", ttl),
	)
	return nil
}
