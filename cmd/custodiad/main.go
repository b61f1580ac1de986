package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"custodia/archive"
	"custodia/audit"
	"custodia/db"
	"custodia/factory"
	"custodia/gateway"
	"custodia/identity"
	"custodia/registry"
	"custodia/token"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	listenAddr := getenv("LISTEN_ADDR", ":8080")
	vaultAddr := getenv("VAULT_ADDR", "vault")
	adminAddr := getenv("ADMIN_ADDR", "admin")
	factoryAddr := getenv("FACTORY_ADDR", "factory")

	cfg := factory.DefaultConfig(vaultAddr)
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		fee, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("parse FEE_PERCENT: %v", err)
		}
		cfg.FeePercent = fee
	}
	if v := os.Getenv("DISPUTE_WINDOW"); v != "" {
		window, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("parse DISPUTE_WINDOW: %v", err)
		}
		cfg.DisputeWindow = window
	}

	sinks := audit.MultiLog{audit.NewZapLog(logger)}
	var accounts identity.Repository
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			log.Fatalf("bootstrap database: %v", err)
		}
		defer pool.Close()
		sinks = append(sinks, audit.NewPGLog(pool))
		accounts = identity.NewPGRepository(pool)
	}

	var store *archive.Store
	if path := os.Getenv("ARCHIVE_PATH"); path != "" {
		store, err = archive.Open(path)
		if err != nil {
			log.Fatalf("open archive: %v", err)
		}
		defer func() { _ = store.Close() }()
	}

	native := token.NewNativeLedger()
	f, err := factory.New(factoryAddr, cfg, factory.Deps{
		Roles:   registry.New(adminAddr),
		Tokens:  map[string]token.Token{"standard": token.NewLedger("standard")},
		Native:  native.Account(factoryAddr),
		Audit:   sinks,
		Archive: store,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("bootstrap factory: %v", err)
	}

	server := gateway.NewServer(f, identity.NewService(accounts, jwtSecret), logger)

	logger.Info("custodia listening",
		zap.String("addr", listenAddr),
		zap.String("vault", vaultAddr),
		zap.Int("fee_percent", cfg.FeePercent),
		zap.Duration("dispute_window", cfg.DisputeWindow),
	)
	if err := http.ListenAndServe(listenAddr, server.Handler()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
