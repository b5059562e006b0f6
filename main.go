package main

import (
	"context"
	"expvar"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"platyfend/internal"
	"platyfend/pkg/api"
	"platyfend/pkg/provider"
	"platyfend/pkg/providers/bitbucket"
	"platyfend/pkg/providers/github"
	"platyfend/pkg/providers/gitlab"
	"platyfend/pkg/reconcile"
	"platyfend/pkg/recovery"
	"platyfend/pkg/storage"
	"platyfend/pkg/storage/installations"
	"platyfend/pkg/tokens"
	"platyfend/pkg/webhook"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ruleEngine, err := internal.NewRuleEngine(config.Rules, logger)
	if err != nil {
		logger.Fatalf("compile rules: %v", err)
	}

	store, err := openStore(config.Storage)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	factory := provider.NewFactory()
	if config.Providers.GitHub.Enabled {
		appCfg := github.AppConfig{
			AppID:          config.Providers.GitHub.AppID,
			PrivateKeyPath: config.Providers.GitHub.PrivateKeyPath,
			BaseURL:        config.Providers.GitHub.BaseURL,
		}
		cache := tokens.NewCache(github.NewAppAuthenticator(appCfg))
		factory.Register("github", github.NewClient(appCfg, cache, syncTimeout(config.Sync)))
		logger.Printf("github provider enabled, app id %d", appCfg.AppID)
	}
	if config.Providers.GitLab.Enabled {
		client, err := gitlab.NewClient(gitlab.Config{
			Token:   config.Providers.GitLab.Token,
			BaseURL: config.Providers.GitLab.BaseURL,
		}, syncTimeout(config.Sync))
		if err != nil {
			logger.Fatalf("gitlab client: %v", err)
		}
		factory.Register("gitlab", client)
		logger.Printf("gitlab provider enabled")
	}
	if config.Providers.Bitbucket.Enabled {
		factory.Register("bitbucket", bitbucket.NewClient(bitbucket.Config{
			Token:    config.Providers.Bitbucket.Token,
			Username: config.Providers.Bitbucket.Username,
			Password: config.Providers.Bitbucket.AppPassword,
		}, syncTimeout(config.Sync)))
		logger.Printf("bitbucket provider enabled")
	}

	reconciler := reconcile.New(store, factory, internal.NewLogger("reconcile"))
	router := webhook.NewRouter(store, internal.NewLogger("router"))
	orchestrator := recovery.NewOrchestrator(store, factory, reconciler, recovery.Policy{
		Base:     time.Duration(config.Recovery.BackoffBaseMS) * time.Millisecond,
		Cap:      time.Duration(config.Recovery.BackoffCapMS) * time.Millisecond,
		Attempts: config.Recovery.Attempts,
	}, internal.NewLogger("recovery"))
	queue := recovery.NewQueue(orchestrator, config.Recovery.QueueBuffer, internal.NewLogger("recovery-queue"))
	defer queue.Close()

	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	go func() {
		if err := queue.Run(queueCtx); err != nil {
			logger.Printf("recovery queue stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()

	if config.Providers.GitHub.Enabled {
		ingress, err := webhook.NewGitHubIngress(
			config.Providers.GitHub.Secret,
			ruleEngine,
			router,
			queue,
			internal.NewLogger("webhook"),
			config.Server.MaxBodyBytes,
			config.Server.DebugEvents,
		)
		if err != nil {
			logger.Fatalf("github ingress: %v", err)
		}
		mux.Handle(config.Providers.GitHub.Path, ingress)
		logger.Printf("github webhook enabled on %s", config.Providers.GitHub.Path)
	}

	apiLogger := internal.NewLogger("api")
	mux.Handle("/api/installations", &api.InstallationsHandler{Store: store, Logger: apiLogger})
	mux.Handle("/api/installations/sync", &api.SyncHandler{Reconciler: reconciler, Logger: apiLogger})
	mux.Handle("/api/installations/recover/access", &api.RecoverAccessHandler{Orchestrator: orchestrator, Logger: apiLogger})
	mux.Handle("/api/installations/recover/rate-limit", &api.RecoverRateLimitHandler{Orchestrator: orchestrator, Logger: apiLogger})
	mux.Handle("/api/installations/health", &api.HealthHandler{Orchestrator: orchestrator, Logger: apiLogger})

	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	handler := internal.NewRateLimitHandler(mux, config.Server.RateLimitRPS, config.Server.RateLimitBurst, 10*time.Minute)

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	stopQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

func openStore(cfg internal.StorageConfig) (storage.Store, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemoryStore(), nil
	}
	return installations.Open(installations.Config{
		Driver:            cfg.Driver,
		DSN:               cfg.DSN,
		Dialect:           cfg.Dialect,
		InstallationTable: cfg.InstallationTable,
		RepositoryTable:   cfg.RepositoryTable,
		AutoMigrate:       cfg.AutoMigrate,
	})
}

func syncTimeout(cfg internal.SyncConfig) time.Duration {
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}
