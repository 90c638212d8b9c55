package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"flip-copilot/internal/api"
	"flip-copilot/internal/config"
	"flip-copilot/internal/db"
	"flip-copilot/internal/engine"
	"flip-copilot/internal/logger"
	"flip-copilot/internal/prices"
)

var version = "dev"

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides COPILOT_PORT)")
	flag.Parse()

	// Optional .env beside the binary; real env vars win.
	godotenv.Load()
	cfg := config.FromEnv()
	if *port != 0 {
		cfg.Port = *port
	}

	logger.Banner(version)
	if err := logger.SetFile(cfg.LogPath, cfg.LogMaxBytes, cfg.LogBackups); err != nil {
		logger.Warn("MAIN", fmt.Sprintf("log file disabled: %v", err))
	}

	tax := engine.Tax{SellerRate: cfg.SellerTaxRate, SellerCap: cfg.SellerTaxCap}
	database, err := db.Open(cfg.DBPath, tax, cfg.AbortCooldownSeconds, cfg.BuyRecTimeoutSeconds)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer database.Close()

	client := prices.NewClient(cfg.PricesBase, cfg.CatalogURL, cfg.UserAgent)
	cache := prices.NewCache(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache.StartRefresh(ctx, time.Duration(cfg.RefreshSeconds)*time.Second)

	var trends engine.Trender
	if cfg.EnableTrends {
		trends = prices.NewTrendCache(client, time.Duration(cfg.TrendCacheTTLSeconds)*time.Second)
	}
	queue := engine.LoadQueue(cfg.LedgerPath)
	eng := engine.New(cfg, tax, database, trends, queue)

	server := api.NewServer(cfg, database, cache, eng)

	logger.Section("Startup")
	logger.Stats("db", cfg.DBPath)
	logger.Stats("ledger", cfg.LedgerPath)
	logger.Stats("refresh", fmt.Sprintf("%ds", cfg.RefreshSeconds))
	logger.Stats("trends", cfg.EnableTrends)

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.Port)
	logger.Server(addr)
	if err := http.ListenAndServe(addr, server.Handler()); err != nil {
		logger.Error("MAIN", fmt.Sprintf("Server failed: %v", err))
		os.Exit(1)
	}
}
