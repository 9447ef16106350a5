// Package main is the proxy's server entry point: it wires the account
// pool, token cache, model catalog, rate-limit tracker, backoff decider,
// proactive refresh scheduler, and fetch orchestrator behind the HTTP
// shell and runs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/account/strategies"
	"github.com/poemonsense/codex-account-proxy/internal/catalog"
	"github.com/poemonsense/codex-account-proxy/internal/coherence"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/httpapi"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
	"github.com/poemonsense/codex-account-proxy/internal/orchestrator"
	"github.com/poemonsense/codex-account-proxy/internal/ratelimit"
	"github.com/poemonsense/codex-account-proxy/internal/scheduler"
	"github.com/poemonsense/codex-account-proxy/internal/store"
	"github.com/poemonsense/codex-account-proxy/internal/token"
)

func main() {
	var (
		devMode      bool
		strategyName string
		port         int
		host         string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "enable verbose logging")
	flag.StringVar(&strategyName, "strategy", "", "account selection strategy override (sticky/round-robin/hybrid)")
	flag.IntVar(&port, "port", 0, "listen port (default from config)")
	flag.StringVar(&host, "host", "", "bind address (default from config)")
	flag.Parse()

	if strategyName != "" && !strategies.IsValidName(strategyName) {
		logging.Warn("invalid strategy %q, ignoring override", strategyName)
		strategyName = ""
	}

	cfg := config.Load()
	if devMode {
		cfg.DevMode = true
		logging.SetDebug(true)
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}

	st := store.New(cfg.AccountStorePath)
	tokenClient := token.NewClient(cfg.TokenURL, cfg.ClientID)
	manager := account.NewManager(st, cfg, tokenClient, os.Getpid())
	if err := manager.Initialize(strategyName); err != nil {
		logging.Error("startup: failed to initialize account pool: %v", err)
		os.Exit(1)
	}

	cache := catalog.NewCache(cfg.Catalog, cfg.CacheDir, cfg.BaseURL)
	if cfg.RedisAddr != "" {
		l2, err := coherence.New(coherence.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			logging.Warn("startup: redis unreachable at %s, running catalog cache process-local: %v", cfg.RedisAddr, err)
		} else {
			cache.SetL2(l2)
			defer l2.Close()
		}
	}
	tracker := ratelimit.New(ratelimit.Config{
		DedupWindowMs:  cfg.RateLimit.DedupWindowMs,
		ResetMs:        cfg.RateLimit.StateResetMs,
		DefaultRetryMs: cfg.RateLimit.DefaultRetryMs,
		MaxBackoffMs:   cfg.RateLimit.MaxBackoffMs,
		JitterMaxMs:    cfg.RateLimit.JitterMaxMs,
	})

	toast := func(evt orchestrator.ToastEvent) {
		logging.Info("toast: %s: %s", evt.AccountKey, evt.Message)
	}
	orch := orchestrator.New(manager, cache, tracker, cfg, toast)

	sched := scheduler.New(manager, cfg.Token)
	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched.Start(schedCtx)

	srv := httpapi.New(cfg, manager, orch)
	srv.Start()

	printBanner(cfg, manager)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down...")
	sched.Stop()
	schedCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("server forced to shut down: %v", err)
		os.Exit(1)
	}
	logging.Success("stopped")
}

func printBanner(cfg *config.Config, manager *account.Manager) {
	status := manager.GetStatus()
	fmt.Println("================================================")
	fmt.Println(" codex-account-proxy")
	fmt.Println("================================================")
	fmt.Printf(" listening   : %s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf(" strategy    : %s\n", strategies.Label(status.Strategy))
	fmt.Printf(" accounts    : %d total, %d available\n", status.Total, status.Available)
	fmt.Printf(" store       : %s\n", cfg.AccountStorePath)
	fmt.Println("================================================")
}
