package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/config"
	"coursechat/internal/course"
	"coursechat/internal/database"
	"coursechat/internal/hub"
	"coursechat/internal/mail"
	"coursechat/internal/notify"
	"coursechat/internal/room"
	"coursechat/internal/storage"
	"coursechat/internal/websocket"
	pkgdatabase "coursechat/pkg/database"
	"coursechat/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	registry    *websocket.Registry
	connHub     *hub.Hub
	rooms       *room.Manager
	notifier    *notify.Service
	attachments storage.Store
	signer      *auth.Signer
	handler     http.Handler
	httpServer  *http.Server
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Gate → Registry → Hub → Notify → Rooms → Storage → WebSocket/API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Initialize database manager (foundation layer)
	dbManager, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	// STEP 2: Course gate over the course store
	gate := course.NewGate(dbManager, cfg.Database.Timeout)

	// STEP 3: Connection registry and lifecycle hub
	registry := websocket.NewRegistry()
	connHub := hub.NewHub(registry, nil)

	// STEP 4: Notification fan-out pushes through the hub
	mailer, err := mail.New(cfg.Mail)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize mailer: %w", err)
	}
	notifier := notify.NewService(dbManager, connHub, dbManager, mailer, cfg.Notify.Concurrency)

	// STEP 5: Rooms persist through the database and report to the notifier
	rooms := room.NewManager(gate, dbManager, notifier, room.Config{
		QueueSize:      cfg.Room.QueueSize,
		IdleTimeout:    cfg.Room.IdleTimeout,
		RateLimit:      cfg.Room.RateLimit,
		RateWindow:     cfg.Room.RateWindow,
		PersistTimeout: cfg.Database.WriteTimeout,
	})
	if err := connHub.AttachRooms(rooms); err != nil {
		_ = dbManager.Close()
		return nil, err
	}

	// STEP 6: Attachment store
	attachments, err := storage.New(cfg.Storage)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize attachment storage: %w", err)
	}

	// STEP 7: WebSocket handler and REST API share the same verifier
	verifier := auth.NewVerifier(cfg.Auth.SecretKey, cfg.Auth.Issuer, dbManager)
	wsHandler := websocket.NewHandler(websocket.HandlerConfig{
		CookieName:     cfg.Auth.CookieName,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		HistoryLimit:   cfg.Room.HistoryLimit,
	}, verifier, connHub, rooms)

	apiServer := api.NewServer(api.Deps{
		Auth:           verifier,
		Gate:           gate,
		Rooms:          rooms,
		Notifications:  notifier,
		Uploader:       attachments,
		Database:       dbManager,
		Connections:    connHub,
		RoomStats:      rooms,
		CookieName:     cfg.Auth.CookieName,
		HistoryLimit:   cfg.Room.HistoryLimit,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	})

	// STEP 8: Setup HTTP routes for API, WebSocket and uploaded files
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/ws", wsHandler)
	if prefix := strings.TrimSuffix(cfg.Storage.BaseURL, "/"); strings.HasPrefix(prefix, "/") {
		mux.Handle(prefix+"/", http.StripPrefix(prefix+"/", attachments))
	}

	// TECHNICAL DISCOVERY: WriteTimeout is applied per request; hijacked
	// WebSocket connections manage their own write deadlines
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		dbManager:   dbManager,
		registry:    registry,
		connHub:     connHub,
		rooms:       rooms,
		notifier:    notifier,
		attachments: attachments,
		signer:      auth.NewSigner(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		handler:     mux,
		httpServer:  httpServer,
	}, nil
}

// openDatabase opens SQLite, applies migrations and checks the resulting schema
func openDatabase(cfg *config.DatabaseConfig) (*database.Manager, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && !strings.HasPrefix(cfg.Path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Path,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    cfg.WriteTimeout,
		MigrationsPath:  cfg.MigrationsPath,
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// Apply database migrations to ensure schema is up to date
	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB(), dbConfig.MigrationsPath)
	if err := migrationManager.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrationManager.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema validation failed: %w", err)
	}
	log.Println("Database migrations applied successfully")

	return dbManager, nil
}

// StartServices starts the background components: the lifecycle hub and the room reaper.
// Serve may be called once this returns.
func (app *Application) StartServices(ctx context.Context) error {
	if err := app.connHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connection hub: %w", err)
	}
	app.rooms.Start()
	return nil
}

// Serve accepts HTTP connections until Stop is called
func (app *Application) Serve() error {
	log.Printf("Course chat listening on %s", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Rooms → Storage → Database
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down course chat")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Close live connections, then drain room sequencers
	if err := app.connHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Connection hub shutdown error: %v", err)
	}
	app.rooms.Stop()

	// STEP 3: Release the attachment backend
	if err := app.attachments.Close(); err != nil {
		log.Printf("Attachment storage shutdown error: %v", err)
	}

	// STEP 4: Close database connections
	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("Course chat shutdown complete")
	return nil
}

// Handler returns the routed HTTP handler, for tests that serve it themselves
func (app *Application) Handler() http.Handler {
	return app.handler
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

// Database exposes the persistence layer for seeding and tests
func (app *Application) Database() interfaces.DatabaseManager {
	return app.dbManager
}

// Notifications exposes the notification service, the entry point for LMS content events
func (app *Application) Notifications() *notify.Service {
	return app.notifier
}

// Hub exposes the connection lifecycle hub
func (app *Application) Hub() *hub.Hub {
	return app.connHub
}

// Signer issues session tokens the way the login surface does
func (app *Application) Signer() *auth.Signer {
	return app.signer
}
