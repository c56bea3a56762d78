package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"sanctuary-live/internal/auth"
	"sanctuary-live/internal/config"
	"sanctuary-live/internal/gateway"
	"sanctuary-live/internal/hostauth"
	"sanctuary-live/internal/hub"
	"sanctuary-live/internal/middleware"
	"sanctuary-live/internal/sanctuary"
	"sanctuary-live/internal/server"
	"sanctuary-live/internal/store"
)

const ledgerPurgeInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	st := store.NewWithOptions(store.Options{StateFile: cfg.SessionsStateFile, Logger: log.Logger})

	var ledger hostauth.Ledger = hostauth.NewMemoryLedger()
	if cfg.HostLedgerPath != "" {
		sqliteLedger, err := hostauth.OpenSQLiteLedger(cfg.HostLedgerPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.HostLedgerPath).Msg("failed to open host token ledger")
		}
		ledger = sqliteLedger
	}
	defer ledger.Close()

	issuer, err := hostauth.NewIssuer(hostauth.Config{
		Secret: cfg.MasterSecret,
		TTL:    cfg.HostTokenTTL,
	}, ledger, st, hostauth.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create host token issuer")
	}

	h := hub.New(log.Logger)
	engine := sanctuary.New(sanctuary.Options{
		Sessions:       st,
		Hosts:          issuer,
		Publisher:      gateway.NewHubPublisher(h, log.Logger),
		Logger:         log.Logger,
		ReconnectGrace: cfg.ReconnectGrace,
	})
	go engine.Run(ctx, cfg.SweepInterval)

	go func() {
		ticker := time.NewTicker(ledgerPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := issuer.Purge(ctx); err != nil {
					log.Error().Err(err).Msg("host token purge failed")
				}
			}
		}
	}()

	authLimiter := middleware.NewRateLimiter(10, time.Minute)
	sessionLimiter := middleware.NewRateLimiter(10, time.Minute)
	alertLimiter := middleware.NewRateLimiter(5, time.Minute)
	for _, rl := range []*middleware.RateLimiter{authLimiter, sessionLimiter, alertLimiter} {
		go rl.Run(ctx)
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	router := server.NewRouter(server.Deps{
		Store:           st,
		Engine:          engine,
		Hub:             h,
		Issuer:          issuer,
		TokenConfig:     tokenCfg,
		Logger:          log.Logger,
		DefaultCapacity: cfg.DefaultCapacity,
		SessionTTL:      cfg.SessionTTL,
		AuthLimiter:     authLimiter,
		SessionLimiter:  sessionLimiter,
		AlertLimiter:    alertLimiter,
	})

	if err := server.Run(ctx, cfg, router, log.Logger); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return
	}
	log.Info().Msg("server stopped")
}
