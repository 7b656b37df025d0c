package main

import (
	"flag"
	"log"
	"os"

	"ScreenPulse/internal/di"
	"ScreenPulse/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s tenant=%s machine=%s", cfg.Environment, cfg.Machine.TenantID, cfg.Machine.MachineID)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	log.Printf("clickhouse: connected and schema ready - db: %s", cfg.ClickHouse.Database)

	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
