package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/keyrelay/server/internal/auth"
	"github.com/keyrelay/server/internal/config"
	"github.com/keyrelay/server/internal/db"
	"github.com/keyrelay/server/internal/directory"
	"github.com/keyrelay/server/internal/distribution"
	httphandler "github.com/keyrelay/server/internal/http"
	"github.com/keyrelay/server/internal/http/handlers"
	"github.com/keyrelay/server/internal/outline"
	"github.com/keyrelay/server/internal/repo"
	"github.com/keyrelay/server/internal/reputation"

	_ "github.com/lib/pq"
)

func main() {
	// Load .env from CWD if present (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Repositories
	userRepo := repo.NewUserRepo(database)
	serverRepo := repo.NewServerRepo(database)
	keyRepo := repo.NewKeyRepo(database)
	issueRepo := repo.NewIssueRepo(database)

	// Core services
	outlineClient := outline.NewClient(cfg.KeyAPITimeout)
	serverDirectory := directory.New(serverRepo)
	repSystem := reputation.NewStepped()
	rotationStore := distribution.NewPostgresStore(database)
	engine := distribution.NewEngine(
		userRepo, serverRepo, issueRepo, keyRepo,
		serverDirectory, outlineClient, repSystem, rotationStore,
		cfg.UsageWindow,
	)
	reaper := distribution.NewReaper(userRepo, cfg.GracePeriod)

	// Handlers
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	userHandler := handlers.NewUserHandler(userRepo, keyRepo, reaper)
	keyHandler := handlers.NewKeyHandler(engine, keyRepo)
	issueHandler := handlers.NewIssueHandler(issueRepo)
	serverHandler := handlers.NewServerHandler(serverRepo)
	adminHandler := handlers.NewAdminHandler(reaper)

	router := httphandler.NewRouter(userHandler, keyHandler, issueHandler, serverHandler, adminHandler, jwtService)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the module root)")
	}

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
