package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dbsentry/internal/api/routes"
	"dbsentry/internal/commands"
	"dbsentry/internal/config"
	"dbsentry/internal/models"
	"dbsentry/internal/scanner"
	"dbsentry/internal/secrets"
	"dbsentry/internal/services"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Initialize database
	if err := models.InitDB(cfg); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	box, err := secrets.NewBox(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Invalid encryption key: %v", err)
	}

	sessions := services.NewSessionStore(cfg)

	// Directory is optional; without it the authenticator runs on local
	// fallback accounts only.
	var directory services.DirectoryClient
	if cfg.Auth.LDAP.Enabled {
		directory, err = services.NewLDAPDirectory(cfg.Auth.LDAP, box)
		if err != nil {
			log.Fatalf("Failed to configure directory client: %v", err)
		}
	}

	authService := services.NewAuthService(cfg, directory, sessions)

	// Create default admin if the store is empty. A failure here would
	// leave a fresh deployment with no operator account at all, so it
	// is fatal rather than a warning.
	if err := authService.CreateDefaultUser(); err != nil {
		log.Fatalf("Failed to create default user: %v", err)
	}

	timeout := config.Duration(cfg.Scanner.Timeout, 0)
	window := config.Duration(cfg.Scanner.CorrelationWindow, 0)
	sc := scanner.New(box, timeout, window, cfg.Scanner.Workers)
	generator := commands.NewGenerator(box, timeout)
	inventory := services.NewInventoryService(box, nil, logger.With("component", "inventory"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background loops
	go sessions.RunSweeper(ctx, 0)
	if interval := config.Duration(cfg.Scanner.Interval, 0); interval > 0 {
		go sc.RunScheduler(ctx, interval)
	}

	// Set Gin mode
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router
	r := gin.Default()

	// Setup routes
	routes.SetupRoutes(r, cfg, routes.Deps{
		Auth:      authService,
		Sessions:  sessions,
		Inventory: inventory,
		Scanner:   sc,
		Generator: generator,
	})

	// Run server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("starting dbsentry server", "addr", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
