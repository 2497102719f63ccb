package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"classbridge/internal/api"
	"classbridge/internal/auth"
	"classbridge/internal/config"
	"classbridge/internal/database"
	"classbridge/internal/gateway"
	"classbridge/internal/registry"
	"classbridge/internal/relay"
	"classbridge/internal/tenant"
	pkgdatabase "classbridge/pkg/database"
	"classbridge/pkg/interfaces"
)

// Application coordinates all system components.
// Clean dependency injection pattern with proper initialization order.
type Application struct {
	config     *config.Config
	directory  *database.Manager
	provider   *tenant.Provider
	registry   *registry.Registry
	relay      *relay.Relay
	gateway    *gateway.Handler
	apiServer  *api.Server
	httpServer *http.Server

	subscribeCancel context.CancelFunc
}

// NewApplication creates an application instance with all components
// initialized. Initialization follows strict dependency order:
// Database → Provider → Registry → Relay → Auth → Gateway → API → HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Initialize the directory database (foundation layer).
	// Migrations are applied during manager construction.
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	directory, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize directory database: %w", err)
	}

	// STEP 2: Tenant settings provider, the cache-first read path.
	provider := tenant.NewProvider(directory)

	// STEP 3: Connection registry for local delivery.
	reg := registry.NewRegistry()

	// STEP 4: Cross-instance relay. Redis when configured, otherwise the
	// in-memory transport for single-instance deployments.
	var transport interfaces.RelayTransport
	if cfg.Redis.Addr != "" {
		transport = relay.NewRedisTransport(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		log.Printf("Using Redis relay transport at %s", cfg.Redis.Addr)
	} else {
		transport = relay.NewMemoryTransport()
		log.Printf("WARNING: no Redis address configured, running single-instance with in-memory relay")
	}
	rel := relay.NewRelay(transport, uuid.New().String(), relay.CacheTTLs{
		Screenshot: cfg.Cache.ScreenshotTTL,
		FlightPath: cfg.Cache.FlightPathTTL,
		LastSeen:   cfg.Cache.LastSeenTTL,
	})
	// Deactivations announced by other instances close this instance's
	// tenant sockets and drop its cached settings.
	rel.SetTenantDeactivatedHandler(func(tenantID string) {
		log.Printf("Tenant %s deactivated remotely, closing local connections", tenantID)
		provider.Invalidate(tenantID)
		reg.CloseAllForTenant(tenantID)
	})

	// STEP 5: Token service with independent device and user secrets.
	tokens := auth.NewService(
		[]byte(cfg.Auth.DeviceSecret),
		[]byte(cfg.Auth.UserSecret),
		cfg.Auth.DeviceLifetime,
		cfg.Auth.UserLifetime,
	)

	// STEP 6: Protocol gateway handler.
	gw := gateway.NewHandler(reg, rel, tokens, directory, provider, gateway.Options{
		PingInterval:    cfg.WebSocket.PingInterval,
		PongWait:        cfg.WebSocket.PongWait,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		BufferSize:      cfg.WebSocket.BufferSize,
		SignalRateLimit: cfg.WebSocket.SignalRateLimit,
	})

	// STEP 7: Operational API server.
	apiServer := api.NewServer(directory, provider, reg, rel)

	// STEP 8: HTTP server carrying both surfaces.
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", gw.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		directory:  directory,
		provider:   provider,
		registry:   reg,
		relay:      rel,
		gateway:    gw,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start begins application execution: the relay subscription first so no
// cross-instance envelope is lost, then the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting classbridge gateway on %s (instance %s)", app.httpServer.Addr, app.relay.InstanceID())

	// STEP 1: Wire cross-instance envelopes into local delivery.
	subCtx, cancel := context.WithCancel(context.Background())
	app.subscribeCancel = cancel
	if err := app.relay.Subscribe(subCtx, app.registry); err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to relay: %w", err)
	}

	// STEP 2: Start the HTTP server.
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("Gateway started successfully")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop gracefully shuts down in reverse dependency order:
// HTTP → relay → database.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down classbridge gateway")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if app.subscribeCancel != nil {
		app.subscribeCancel()
	}
	if err := app.relay.Close(); err != nil {
		log.Printf("Relay shutdown error: %v", err)
	}

	if err := app.directory.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("Gateway shutdown complete")
	return nil
}

// GetAddr returns the server address for external connections.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
