package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authcore.io/internal/audit"
	"authcore.io/internal/auth"
	"authcore.io/internal/config"
	"authcore.io/internal/httpapi"
	"authcore.io/internal/obs"
	"authcore.io/internal/ratelimit"
	"authcore.io/internal/rbac"
	"authcore.io/internal/session"
	"authcore.io/internal/store/memory"
	"authcore.io/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHCORE_CONFIG"), "Path to TOML config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Auth.Secret == "" {
		log.Fatal("missing token secret: set AUTHCORE_AUTH_SECRET or [auth] secret")
	}

	// Stores: PostgreSQL when a DSN is configured, in-memory otherwise.
	var (
		authStore    auth.Store
		rbacStore    rbac.Store
		sessionStore session.Store
		auditStore   audit.Store
		probe        httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		authStore = pgStore
		rbacStore = pgStore
		sessionStore = pg.NewSessionStore(pgStore.DB())
		auditStore = pg.NewAuditStore(pgStore.DB())
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Print("no database DSN configured, using in-memory stores")
		mem := memory.New()
		authStore = mem
		rbacStore = mem
		sessionStore = memory.NewSessionStore()
		auditStore = memory.NewAuditStore()
	}

	registry, err := session.NewRegistry(sessionStore,
		session.WithTTL(cfg.Session.TTL.Duration),
		session.WithMaxLifetime(cfg.Session.MaxLifetime.Duration),
		session.WithSlidingExpiry(cfg.Session.SlidingExpiry),
		session.WithMaxPerUser(cfg.Session.MaxPerUser),
		session.WithRetention(cfg.Session.SweepRetention.Duration),
	)
	if err != nil {
		log.Fatalf("session registry: %v", err)
	}

	recorder, err := audit.NewRecorder(auditStore,
		audit.WithMode(audit.Mode(cfg.Audit.Mode)),
		audit.WithQueueSize(cfg.Audit.QueueSize),
	)
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}
	reporter, err := audit.NewReporter(auditStore)
	if err != nil {
		log.Fatalf("audit reporter: %v", err)
	}

	resolver, err := rbac.NewResolver(rbacStore)
	if err != nil {
		log.Fatalf("rbac resolver: %v", err)
	}
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := resolver.EnsureBuiltins(ctx); err != nil {
			log.Fatalf("ensure builtin permissions: %v", err)
		}
		cancel()
	}

	svc, err := auth.NewService(authStore, registry,
		auth.WithTokenSecret(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL.Duration),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL.Duration),
		auth.WithChallengeTTL(cfg.Auth.ChallengeTTL.Duration),
		auth.WithTOTPIssuer(cfg.Auth.TOTPIssuer),
		auth.WithAuditRecorder(recorder),
		auth.WithRateLimiter(ratelimit.New()),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api := httpapi.New(probe, version, svc, registry, resolver, reporter, recorder)
	api.SetRateLimit(cfg.Rate.Burst, cfg.Rate.PerSecond)

	// Background maintenance: expire idle sessions, prune dead tokens and
	// purge audit entries past retention.
	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	go registry.RunSweeper(sweepCtx, cfg.Session.SweepInterval.Duration)
	go func() {
		ticker := time.NewTicker(cfg.Session.SweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := svc.SweepTokens(sweepCtx); err != nil {
					log.Printf("sweep tokens: %v", err)
				}
				if cfg.Audit.Retention.Duration > 0 {
					cutoff := time.Now().UTC().Add(-cfg.Audit.Retention.Duration)
					if _, err := auditStore.DeleteBefore(sweepCtx, cutoff); err != nil {
						log.Printf("purge audit entries: %v", err)
					}
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authcore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweepers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if err := recorder.Close(); err != nil {
		log.Printf("close audit recorder: %v", err)
	}
	log.Println("Stopped")
}
