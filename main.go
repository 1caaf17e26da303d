package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sandgate-io/sandgate/internal/auth"
	"github.com/sandgate-io/sandgate/internal/backend"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/compute"
	"github.com/sandgate-io/sandgate/internal/config"
	"github.com/sandgate-io/sandgate/internal/database"
	"github.com/sandgate-io/sandgate/internal/gateway"
	"github.com/sandgate-io/sandgate/internal/handlers"
	"github.com/sandgate-io/sandgate/internal/logging"
	"github.com/sandgate-io/sandgate/internal/middleware"
	"github.com/sandgate-io/sandgate/internal/reconciler"
	"github.com/sandgate-io/sandgate/internal/session"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--set-admin-token":
			runCLICommand("set-admin-token")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	rc := config.LoadRuntime(database.GetSetting)
	log.Printf("Config: listen=%s breaker_threshold=%d breaker_cooldown=%s",
		config.Cfg.ListenAddr, rc.BreakerFailureThreshold, rc.BreakerCoolDown)

	template := config.DefaultSandboxTemplate()
	if path := config.Cfg.SandboxTemplate; path != "" {
		loaded, err := config.LoadSandboxTemplate(path)
		if err != nil {
			log.Fatalf("Sandbox template %s: %v", path, err)
		}
		template = loaded
		log.Printf("Sandbox template loaded from %s (image %s)", path, template.Image)
	}

	ctx := context.Background()
	if err := compute.Init(ctx); err != nil {
		log.Printf("WARNING: %v", err)
	}

	sessions := session.NewRegistry()
	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: rc.BreakerFailureThreshold,
		CoolDown:         rc.BreakerCoolDown,
	})

	agents := &backend.Client{
		Resolve: func(ctx context.Context, ref string) (string, error) {
			provider := compute.Get()
			if provider == nil {
				return "", fmt.Errorf("no compute backend available")
			}
			return provider.Endpoint(ctx, ref)
		},
		Token: handlers.AgentToken,
	}
	if provider := compute.Get(); provider != nil {
		agents.Transport = provider.HTTPTransport()
	}

	handlers.Sessions = sessions
	handlers.Breakers = breakers
	handlers.Agents = agents
	handlers.Template = template

	rec := reconciler.New(sessions, breakers, agents)
	if err := rec.Start(); err != nil {
		log.Fatalf("Reconciler init: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS)
	r.Use(chimw.RequestSize(config.Cfg.MaxBodyBytes))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.HealthCheck)

		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Post("/sessions/{id}/start", handlers.StartSession)
		r.Post("/sessions/{id}/stop", handlers.StopSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/settings", handlers.GetSettings)
			r.Put("/settings", handlers.UpdateSettings)
			r.Post("/settings/reload", handlers.ReloadSettings)

			r.Get("/logs", handlers.GetLogs)
			r.Delete("/logs", handlers.ClearLogs)
		})
	})

	// Terminal attach upgrades are peeled off before the router; everything
	// else falls through to it.
	dispatcher := &gateway.Dispatcher{
		Router:   r,
		Sessions: sessions,
		Breakers: breakers,
		Agents:   agents,
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: middleware.SecurityHeaders(dispatcher),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	rec.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	token := fs.String("token", "", "Admin API token")
	fs.Parse(os.Args[2:])

	if *token == "" {
		fmt.Fprintf(os.Stderr, "Usage: sandgate --%s --token <value>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashToken(*token)
	if err != nil {
		log.Fatalf("Failed to hash token: %v", err)
	}
	if err := database.SetSetting(middleware.AdminTokenSetting, hash); err != nil {
		log.Fatalf("Failed to store admin token: %v", err)
	}
	fmt.Println("Admin token set. Requests to admin endpoints must send it as a Bearer token.")
}
