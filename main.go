package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loopwork/reactor/internal/api"
	"github.com/loopwork/reactor/internal/config"
	"github.com/loopwork/reactor/internal/dispatch"
	"github.com/loopwork/reactor/internal/engine"
	"github.com/loopwork/reactor/internal/gateway"
	"github.com/loopwork/reactor/internal/hub"
	"github.com/loopwork/reactor/internal/identity"
	"github.com/loopwork/reactor/internal/policy"
	"github.com/loopwork/reactor/internal/reasoner"
	"github.com/loopwork/reactor/internal/store"
	"github.com/loopwork/reactor/internal/token"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting reactor...")
	log.Printf("External Port: %d", cfg.HTTPPort)
	log.Printf("Internal Port: %d", cfg.InternalPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Reasoner Mode: %s", cfg.Mode)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize dispatch policy engine
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.DispatchPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize identity validator
	var validator identity.Validator
	if cfg.IdentityURL != "" {
		validator = identity.NewHTTPValidator(cfg.IdentityURL, 10*time.Second)
	} else {
		validator = identity.NewStaticValidator(cfg.IdentityTokens)
	}

	// Initialize reasoner client
	reasonerClient := reasoner.NewClientForMode(cfg.Mode, cfg.ReasonerURL, cfg.ReasonerTimeout)

	// Initialize hub
	connectionHub := hub.NewHub(cfg.QueueSize, cfg.SendBufferSize)
	go connectionHub.Run()

	// Initialize token manager
	tokenManager := token.NewManager(db, cfg.SweepInterval)

	// Initialize gateway; it doubles as the engine's output sink, so
	// the engine is attached after construction.
	gw := gateway.NewServer(cfg, connectionHub, db, validator)

	// Initialize tool dispatcher. Without an external job runner the
	// local starter executes job tools in-process.
	var eng *engine.Engine
	var starter dispatch.Starter
	if cfg.JobRunnerURL != "" {
		starter = dispatch.NewHTTPStarter(cfg.JobRunnerURL, 10*time.Second)
	} else {
		starter = dispatch.NewLocalStarter(2*time.Second, func(jobID string, result, errData []byte) {
			if err := eng.ResumeToolResult(context.Background(), jobID, result, errData); err != nil {
				log.Printf("ERROR: failed to resume job %s: %v", jobID, err)
			}
		})
	}
	dispatcher := dispatch.New(db, policyEngine, starter, cfg.JobTTL)
	dispatch.RegisterBuiltins(dispatcher)

	// Initialize engine
	eng = engine.New(ctx, db, reasonerClient, dispatcher, tokenManager, gw, cfg)
	gw.SetEngine(eng)

	// Start background maintenance
	go tokenManager.RunExpirySweep(ctx)
	go dispatcher.RunExpirySweep(ctx, cfg.SweepInterval)
	go runPurgeLoop(ctx, db)

	// Re-drive executions interrupted by the previous shutdown
	if err := eng.Recover(ctx); err != nil {
		log.Printf("ERROR: recovery failed: %v", err)
	}

	// Initialize handlers
	h := api.NewHandler(db, eng, cfg)

	// Create external Echo server (WebSocket + read API)
	externalServer := echo.New()
	externalServer.HideBanner = true
	externalServer.Use(middleware.Logger())
	externalServer.Use(middleware.Recover())
	externalServer.GET("/ws", gw.HandleWebSocket)
	h.RegisterRoutes(externalServer)

	// Create internal Echo server (job runner callbacks)
	internalServer := echo.New()
	internalServer.HideBanner = true
	internalServer.Use(middleware.Logger())
	internalServer.Use(middleware.Recover())
	h.RegisterInternalRoutes(internalServer)

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start external server: %v", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start internal server: %v", err)
		}
	}()

	log.Printf("External server started on port %d", cfg.HTTPPort)
	log.Printf("Internal server started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down reactor...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown external server gracefully: %v", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown internal server gracefully: %v", err)
	}

	log.Println("Reactor stopped")
}

// runPurgeLoop deletes expired sessions and stale connection records.
func runPurgeLoop(ctx context.Context, db store.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := db.PurgeExpiredSessions(ctx); err != nil {
				log.Printf("ERROR: session purge failed: %v", err)
			} else if n > 0 {
				log.Printf("Purged %d expired sessions", n)
			}
			if n, err := db.PurgeExpiredConnections(ctx); err != nil {
				log.Printf("ERROR: connection purge failed: %v", err)
			} else if n > 0 {
				log.Printf("Purged %d stale connections", n)
			}
		}
	}
}
