// Command poolsvcd runs the PVE sandbox container pool service: it keeps a
// warm pool of pre-cloned LXC containers per template and serves
// allocate/release/remove/status over HTTP.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cpp-cyber/proclone/internal/api"
	"github.com/cpp-cyber/proclone/internal/clonequeue"
	"github.com/cpp-cyber/proclone/internal/config"
	"github.com/cpp-cyber/proclone/internal/haguard"
	"github.com/cpp-cyber/proclone/internal/pool"
	"github.com/cpp-cyber/proclone/internal/pve"
	"github.com/cpp-cyber/proclone/internal/replenish"
	"github.com/cpp-cyber/proclone/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables from system")
	} else {
		log.Println("Loaded configuration from .env file")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracer(context.Background())

	pveClient, err := pve.NewHTTPClient(pve.Config{
		BaseURL:   cfg.PveAPIURL,
		APIToken:  cfg.PveAPIToken,
		Node:      cfg.PveNode,
		VerifyTLS: cfg.PveVerifyTLS,
	})
	if err != nil {
		log.Fatalf("Failed to construct PVE client: %v", err)
	}

	queue := clonequeue.New()
	manager := pool.NewManager(cfg, pveClient, queue)

	log.Println("Discovering existing pool containers in PVE")
	if err := manager.Discover(ctx); err != nil {
		log.Printf("Discovery reported an error, continuing with an empty pool: %v", err)
	}

	guard := haguard.New(haguard.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer guard.Close()

	worker := pool.NewCloneWorker(manager, pveClient, queue, guard)
	go worker.Run(ctx)

	replenishLoop := replenish.New(manager, cfg.ReplenishIntervalDuration())
	go replenishLoop.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.SetTrustedProxies(nil)

	handler := api.NewHandler(manager, pveClient, cfg.StartStopTimeout(), cfg.TaskPollInterval())
	api.RegisterRoutes(r, handler, cfg.APIToken)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		log.Printf("pool service listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, draining")

	queue.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}
