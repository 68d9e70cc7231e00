// Package app wires a node together from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fieldsync/internal/agent"
	"fieldsync/internal/config"
	"fieldsync/internal/fingerprint"
	"fieldsync/internal/handler"
	"fieldsync/internal/node"
	"fieldsync/internal/repository"
	"fieldsync/internal/service"
	"fieldsync/internal/transport"
	"fieldsync/internal/websocket"

	"github.com/gorilla/mux"
)

type App struct {
	Config    *config.Config
	Node      *node.Context
	Store     repository.Store
	Queue     *service.QueueService
	Resolver  *service.Resolver
	Records   *service.RecordService
	Conflicts *service.ConflictService
	Transfer  *service.TransferService
	Auth      *service.AuthService
	Hints     *websocket.Manager
	// Agent is nil on a hub.
	Agent  *agent.Agent
	Logger *slog.Logger
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "couch":
		store, err := repository.OpenCouch(ctx, cfg.Couch.URL(), cfg.Couch.Name)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func New(cfg *config.Config, store repository.Store, logger *slog.Logger) *App {
	role := node.RoleHub
	if cfg.IsEdge() {
		role = node.RoleEdge
	}
	nc := node.NewContext(cfg.Node.ID, role)
	peers := cfg.Peers()

	engine := fingerprint.New(cfg.Fingerprint)
	schema := service.NewSchemaValidator()
	locker := service.NewKeyedLocker()
	hints := websocket.NewManager(cfg.Node.ID, websocket.Options{
		MaxConnPerNode: cfg.WebSocket.MaxConnPerNode,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
	}, logger)
	hints.SetMessageHandler(handler.NewWebSocketMessageHandler())

	queue := service.NewQueueService(store.Queue(), service.Backoff{
		Initial:    cfg.Sync.BackoffMin,
		Max:        cfg.Sync.BackoffMax,
		Multiplier: 2,
	}, logger)
	resolver := service.NewResolver(store, service.ResolverOptions{
		NodeID:   cfg.Node.ID,
		Engine:   engine,
		Schema:   schema,
		TieBreak: cfg.TieBreak(),
		Locker:   locker,
		Notifier: hints,
		Logger:   logger,
	})

	a := &App{
		Config:   cfg,
		Node:     nc,
		Store:    store,
		Queue:    queue,
		Resolver: resolver,
		Records: service.NewRecordService(nc, store, queue, service.RecordServiceOptions{
			Peers: peers, Engine: engine, Schema: schema, Locker: locker, Notifier: hints, Logger: logger,
		}),
		Conflicts: service.NewConflictService(store, queue, service.ConflictServiceOptions{
			NodeID: cfg.Node.ID, Peers: peers, Engine: engine, Schema: schema, Locker: locker, Notifier: hints, Logger: logger,
		}),
		Transfer: service.NewTransferService(nc, store, queue, resolver, service.TransferServiceOptions{
			Engine: engine, Schema: schema, Locker: locker, Notifier: hints, Upstream: role == node.RoleEdge, Logger: logger,
		}),
		Auth:   service.NewAuthService(cfg.Auth.NodeCredentials, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration),
		Hints:  hints,
		Logger: logger,
	}

	if role == node.RoleEdge {
		upstream := transport.NewClient(transport.Config{
			BaseURL:     cfg.Sync.UpstreamURL,
			NodeID:      cfg.Node.ID,
			Secret:      cfg.Sync.UpstreamSecret,
			Timeout:     cfg.Sync.Timeout,
			Compression: cfg.Sync.Compression,
		}, logger)
		a.Agent = agent.New(nc, a.Transfer, queue, upstream, agent.Options{
			Peer:          cfg.Sync.UpstreamID,
			Scopes:        cfg.Sync.Scopes,
			Interval:      cfg.Sync.Interval,
			ProbeInterval: cfg.Sync.ProbeInterval,
			Timeout:       cfg.Sync.Timeout,
			BatchSize:     cfg.Sync.BatchSize,
			Hints:         cfg.Sync.Hints,
			Logger:        logger,
		})
	}
	return a
}

func (a *App) Router() *mux.Router {
	return handler.NewRouter(handler.Handlers{
		Health:    handler.NewHealthHandler(a.Node),
		Auth:      handler.NewAuthHandler(a.Auth),
		Sync:      handler.NewSyncHandler(a.Transfer),
		Conflicts: handler.NewConflictHandler(a.Conflicts),
		Records:   handler.NewRecordHandler(a.Records),
		WebSocket: handler.NewWebSocketHandler(a.Hints, a.Config.Auth.JWTSecret, handler.WebSocketOptions{
			ReadBufferSize:  a.Config.WebSocket.ReadBufferSize,
			WriteBufferSize: a.Config.WebSocket.WriteBufferSize,
			MaxMessageSize:  a.Config.WebSocket.MaxMessageSize,
		}, a.Logger),
	}, a.Config.Auth.JWTSecret, a.Logger)
}

// Serve runs the HTTP server, the hint manager and, on an edge, the sync
// agent until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.Hints.Run(ctx)

	agentErr := make(chan error, 1)
	if a.Agent != nil {
		go func() { agentErr <- a.Agent.Run(ctx) }()
	}

	addr := fmt.Sprintf("%s:%s", a.Config.Server.Host, a.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info("starting fieldsync node",
			slog.String("addr", addr),
			slog.String("node_id", a.Node.ID()),
			slog.String("role", string(a.Node.Role())),
			slog.String("env", a.Config.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	case err := <-agentErr:
		if err != nil {
			runErr = fmt.Errorf("sync agent failed: %w", err)
		}
	}
	cancel()

	a.Logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server forced to shutdown: %w", err)
	}
	return runErr
}
