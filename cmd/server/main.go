package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/applyd/applyd/internal/api"
	"github.com/applyd/applyd/internal/blocker"
	"github.com/applyd/applyd/internal/config"
	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/internal/intervention"
	"github.com/applyd/applyd/internal/notify"
	"github.com/applyd/applyd/internal/ratelimit"
	"github.com/applyd/applyd/internal/session"
	"github.com/applyd/applyd/internal/solver"
	"github.com/applyd/applyd/internal/strategy"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	log.Println("Starting applyd...")

	cfg := config.Load()

	// Initialize browser launcher
	var launcher driver.Launcher
	switch cfg.DriverBackend {
	case "docker":
		dockerLauncher, err := driver.NewDockerLauncher()
		if err != nil {
			log.Fatalf("Failed to create docker launcher: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		log.Println("⏳ Ensuring browser image is available...")
		if err := dockerLauncher.EnsureImage(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure browser image: %v", err)
		}
		cancel()
		log.Println("✓ Browser image ready")

		launcher = dockerLauncher
	case "local":
		launcher = driver.NewLocalLauncher(cfg.CDPDebugAddr)
		log.Printf("✓ Using local browser at %s", cfg.CDPDebugAddr)
	default:
		log.Fatalf("Unknown driver backend %q", cfg.DriverBackend)
	}
	defer launcher.Close()

	// Initialize driver pool
	pool := driver.NewPool(launcher, cfg.PoolSize, cfg.PoolWaitTimeout)
	log.Printf("✓ Driver pool initialized (%d slots)", cfg.PoolSize)

	// Initialize session store
	store, err := session.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to create session store: %v", err)
	}
	log.Printf("✓ Session store initialized (%s)", cfg.DataDir)

	// Initialize notification hub
	hub := notify.NewHub(nil)
	log.Println("✓ Notification hub initialized")

	// Initialize challenge solver (optional)
	var challengeSolver solver.Solver
	if cfg.SolverEnabled && cfg.SolverAPIKey != "" {
		challengeSolver = solver.NewHTTPSolver(cfg.SolverAPIKey, cfg.SolverURL)
		log.Println("✓ Challenge solver enabled")
	} else {
		log.Println("✓ Challenge solver disabled (verification challenges go to humans)")
	}

	// Initialize intervention manager
	interventionMgr := intervention.NewManager(hub, challengeSolver)
	log.Println("✓ Intervention manager initialized")

	// Initialize daily submission budget
	budget := ratelimit.NewBudget(map[string]int{
		ratelimit.ScopeAutomated: cfg.MaxAutomatedPerDay,
		ratelimit.ScopeAuto:      cfg.MaxAutoPerDay,
	})
	log.Printf("✓ Submission budget initialized (automated: %d/day, auto: %d/day)", cfg.MaxAutomatedPerDay, cfg.MaxAutoPerDay)

	// Initialize session manager
	sessionMgr := session.NewManager(
		pool,
		strategy.NewRegistry(),
		blocker.NewDetector(),
		interventionMgr,
		budget,
		hub,
		store,
		session.Options{
			StepRetries:  cfg.StepRetries,
			RetryBackoff: cfg.RetryBackoff,
			AutoRun:      cfg.AutoRun,
		},
	)
	log.Println("✓ Session manager initialized")

	// Recover persisted sessions
	restored, err := sessionMgr.Restore()
	if err != nil {
		log.Fatalf("Failed to restore sessions: %v", err)
	}
	if restored > 0 {
		log.Printf("✓ Restored %d persisted session(s)", restored)
	}

	// Initialize request rate limiter
	rateLimiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.RequestBurst)
	log.Printf("✓ Request limiter initialized (%d req/hour per client)", cfg.RequestsPerHour)

	// Setup HTTP handlers
	handler := api.NewHandler(sessionMgr, interventionMgr, budget)
	router := handler.SetupRoutes(hub, rateLimiter, cfg.RequestsPerHour)
	log.Println("✓ HTTP routes configured")

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("🚀 Server starting on %s", cfg.Addr)
		log.Printf("📍 API endpoints available at http://localhost%s/v1", cfg.Addr)
		log.Println("📝 Sessions: start, advance, pause, resume, cancel application runs")
		log.Println("🙋 Interventions: list and resolve blocked sessions")
		log.Println("🔍 Live: WebSocket event stream per session at /v1/sessions/{id}/ws")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("\n⏳ Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
}
