package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"

	"agentdeck-backend/discovery"
	"agentdeck-backend/events"
	"agentdeck-backend/handlers"
	"agentdeck-backend/sandbox"
	"agentdeck-backend/server"
)

const scanInterval = 30 * time.Second

func main() {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env file")
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Server.UsersDir == "" {
		log.Fatalf("users_dir is not configured; set [server] users_dir or USERS_DIR")
	}

	scanner := discovery.NewScanner(cfg.Server.UsersDir)
	router := events.NewRouter(scanner.FindOwner)
	scanner.Publish = router.Publish

	containers := sandbox.NewManager(sandbox.Options{
		Binary:   cfg.Isolation.DockerBinary,
		Image:    cfg.Isolation.DockerImage,
		Runtime:  cfg.Isolation.DockerRuntime,
		Memory:   cfg.Isolation.Memory,
		CPUs:     cfg.Isolation.CPUs,
		UsersDir: cfg.Server.UsersDir,
		EnvVars:  sandbox.LoadEnvFile(cfg.Isolation.EnvFile),
	}, sandbox.ExecRunner{})

	handlers.AuthCfg = cfg.Auth
	handlers.Scanner = scanner
	handlers.Containers = containers
	handlers.Router = router

	ctx := context.Background()
	if err := scanner.Scan(ctx); err != nil {
		log.Fatalf("Initial session scan failed: %v", err)
	}

	go router.Run(ctx)
	go scanner.RunPeriodic(ctx, scanInterval)
	go func() {
		watcher := discovery.NewWatcher(scanner, router.Publish)
		if err := watcher.Run(ctx); err != nil {
			log.Printf("File watcher stopped: %v", err)
		}
	}()

	if err := server.Run(cfg, registerRoutes); err != nil {
		log.Fatalf("%v", err)
	}
}
