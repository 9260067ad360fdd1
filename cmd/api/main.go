package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgrid.org/internal/authz"
	"agentgrid.org/internal/catalog"
	"agentgrid.org/internal/httpapi"
	"agentgrid.org/internal/identity"
	"agentgrid.org/internal/notify"
	"agentgrid.org/internal/obs"
	"agentgrid.org/internal/provision"
	"agentgrid.org/internal/store/pg"
	"agentgrid.org/internal/stream"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, envOr("AGENTGRID_COMMIT", "unknown"))

	catalogPath := envOr("AGENTGRID_CATALOG_PATH", "config/catalog.yaml")
	directoryPath := envOr("AGENTGRID_DIRECTORY_PATH", "config/directory.yaml")

	cat, err := catalog.Load(catalogPath)
	if err != nil {
		log.Fatalf("load catalog: %v", err)
	}
	dir, err := identity.Load(directoryPath)
	if err != nil {
		log.Fatalf("load directory: %v", err)
	}

	// Postgres when a DSN is set, in-memory otherwise.
	var store provision.Store = provision.NewInMemory()
	var pgStore *pg.Store
	if dsn := os.Getenv("AGENTGRID_PG_DSN"); dsn != "" {
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
	}

	feed := stream.New()
	svc, err := provision.NewService(store, authz.NewPolicy(cat), dir, notify.Multi{notify.LogSink{}, feed})
	if err != nil {
		log.Fatalf("provision service: %v", err)
	}

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	bootstrapSecret := os.Getenv("AGENTGRID_BOOTSTRAP_SECRET")
	if bootstrapSecret == "" {
		log.Printf("AGENTGRID_BOOTSTRAP_SECRET is not set, token minting is disabled")
	}
	api, err := httpapi.New(httpapi.Config{
		ReadyProbe:      probe,
		Version:         version,
		Service:         svc,
		Catalog:         cat,
		Identity:        dir,
		Stream:          feed,
		BootstrapSecret: bootstrapSecret,
	})
	if err != nil {
		log.Fatalf("httpapi: %v", err)
	}

	handler := httpapi.Logging(
		httpapi.SecurityHeaders(
			httpapi.CORS(
				httpapi.MaxBodyBytes(
					httpapi.RateLimit(api.Handler(), 50, 25),
					1<<20,
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              envOr("AGENTGRID_ADDR", ":8080"),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No write timeout: /v1/events holds SSE connections open
		// indefinitely. Regular handlers write small responses and are
		// bounded by the read timeouts above.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting agentgrid-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
