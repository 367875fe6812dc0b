package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgate.dev/internal/audit"
	"agentgate.dev/internal/auth"
	"agentgate.dev/internal/config"
	"agentgate.dev/internal/gateway"
	"agentgate.dev/internal/hooks"
	"agentgate.dev/internal/httpapi"
	"agentgate.dev/internal/obs"
	"agentgate.dev/internal/policy"
	"agentgate.dev/internal/ratelimit"
	"agentgate.dev/internal/session"
	pgstore "agentgate.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ruleVersion := cfg.PatternSetVersion
	if ruleVersion == "" {
		ruleVersion = policy.DefaultVersion
	}
	defaultRules, err := policy.DefaultRules()
	if err != nil {
		log.Fatalf("load pattern set: %v", err)
	}
	rules, err := policy.NewRuleset(ruleVersion, cfg.ApprovedRoot, defaultRules, policy.DefaultSafePrefixes)
	if err != nil {
		log.Fatalf("load pattern set: %v", err)
	}

	sinks := []audit.Sink{audit.LineSink{}}
	var store *pgstore.Store
	if cfg.PGDSN != "" {
		store, err = pgstore.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		sinks = append(sinks, store)
	}
	auditLog := audit.NewLog(sinks)

	broker := hooks.NewBroker(cfg.ConfirmationTimeout)
	pipeline, err := hooks.NewPipeline(rules, broker, auditLog)
	if err != nil {
		log.Fatalf("permission pipeline: %v", err)
	}

	regOpts := []session.Option{
		session.WithAuditLog(auditLog),
		session.WithCleanup(func(s session.Session) {
			pipeline.ForgetUser(s.UserID)
		}),
	}
	if store != nil {
		regOpts = append(regOpts, session.WithStore(store))
	}
	registry := session.NewRegistry(cfg.SessionIdleTimeout, regOpts...)

	var credStore auth.Store
	if store != nil {
		pgAuth := auth.NewPGStore(store.DB())
		if err := pgAuth.CheckCollisions(context.Background()); err != nil {
			log.Fatalf("credential store: %v", err)
		}
		credStore = pgAuth
	} else {
		credStore, err = auth.NewMemoryStore(cfg.Whitelist, nil)
		if err != nil {
			log.Fatalf("credential store: %v", err)
		}
	}

	signer, err := auth.NewSigner(cfg.AuthIssuer, cfg.AuthSecret)
	if err != nil {
		log.Fatalf("token signer: %v", err)
	}
	gate, err := auth.NewGate(credStore, registry, signer, auth.WithGateAuditLog(auditLog))
	if err != nil {
		log.Fatalf("auth gate: %v", err)
	}

	limiter, err := ratelimit.New(cfg.RateCapacity, cfg.RateRefill, cfg.CostLimit,
		ratelimit.WithAuditLog(auditLog))
	if err != nil {
		log.Fatalf("rate limiter: %v", err)
	}

	gw, err := gateway.New(gate, limiter, registry, pipeline, rules, auditLog)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	probe := httpapi.ReadyProbe{}
	if store != nil {
		probe.DB = store.DB()
	}
	api := httpapi.New(gw, broker, probe, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go api.Run(ctx)
	go registry.RunSweeper(ctx, time.Minute)

	// Evaluate requests block while a confirmation is pending, so the
	// write timeout must outlast the confirmation window.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.ConfirmationTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting agentgate %s on %s (pattern set %s)", version, srv.Addr, rules.Version())

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	registry.Shutdown()
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
