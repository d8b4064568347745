// Package bridge is the orchestrator that ties storage, auth, the gateway,
// and the IPC surface together into one process.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mcpscope/mcpscope/internal/auth"
	"github.com/mcpscope/mcpscope/internal/config"
	"github.com/mcpscope/mcpscope/internal/eventbus"
	"github.com/mcpscope/mcpscope/internal/gateway"
	"github.com/mcpscope/mcpscope/internal/ipc"
	"github.com/mcpscope/mcpscope/internal/limits"
	"github.com/mcpscope/mcpscope/internal/store"
)

// Bridge is the main bridge process.
type Bridge struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	bus          *eventbus.Bus
	gateway      *gateway.Gateway
	ipcServer    *ipc.Server
	logger       *slog.Logger
	version      string
	startTime    time.Time
}

// New creates a bridge from configuration.
func New(cfg *config.Config, bus *eventbus.Bus, logger *slog.Logger, version string) (*Bridge, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.New(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	gw := gateway.New(db, authProvider, bus, logger, gateway.Options{
		RequestTimeout: cfg.Bridge.RequestTimeout.Duration,
		Guard: limits.Guard{
			FrameBytes:  cfg.Bridge.FrameLimitBytes,
			BufferBytes: cfg.Bridge.BufferLimitBytes,
		},
		GraceKillDelay: cfg.Bridge.GraceKillDelay.Duration,
		MaxSessions:    cfg.Bridge.MaxSessions,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.Server.PingInterval.Duration,
		PongWait:       cfg.Server.PongTimeout.Duration,
	})

	b := &Bridge{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		bus:          bus,
		gateway:      gw,
		logger:       logger.With("component", "bridge"),
		version:      version,
		startTime:    time.Now(),
	}
	b.ipcServer = ipc.NewServer(cfg.IPC.SocketPath, b, bus, logger)

	if authProvider.Name() == "none" {
		logger.Warn("authentication disabled — do not expose this listener beyond loopback")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*' — any web page may open sessions")
			break
		}
	}

	return b, nil
}

// Gateway exposes the gateway, mainly for tests.
func (b *Bridge) Gateway() *gateway.Gateway { return b.gateway }

// Status implements ipc.StateProvider.
func (b *Bridge) Status() ipc.StatusResult {
	return ipc.StatusResult{
		Addr:          b.cfg.Server.Addr,
		Uptime:        time.Since(b.startTime).Truncate(time.Second).String(),
		StartedAt:     b.startTime,
		Sessions:      b.gateway.SessionCount(),
		MaxSessions:   b.cfg.Bridge.MaxSessions,
		AuthMode:      b.authProvider.Name(),
		StorageDriver: b.cfg.Storage.Driver,
		Version:       b.version,
	}
}

// Sessions implements ipc.StateProvider.
func (b *Bridge) Sessions() []ipc.SessionInfo {
	live := b.gateway.Sessions()
	infos := make([]ipc.SessionInfo, 0, len(live))
	for _, s := range live {
		infos = append(infos, ipc.SessionInfo{
			ID:        s.ID,
			State:     s.State,
			Command:   s.Command,
			PID:       s.PID,
			Pending:   s.Pending,
			CreatedAt: s.Created,
		})
	}
	return infos
}

// Terminate implements ipc.StateProvider.
func (b *Bridge) Terminate(sessionID string) bool {
	return b.gateway.CloseSession(sessionID)
}

// Run starts the HTTP server, IPC socket, and background recorders, and
// blocks until the context is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.Server.Addr,
		Handler: b.gateway.Handler(),
	}

	if err := b.ipcServer.Start(); err != nil {
		b.logger.Warn("IPC server failed to start; status commands unavailable", "error", err)
	}

	go b.runHistoryRecorder(ctx)

	if retention := b.cfg.Storage.Retention.Duration; retention > 0 {
		go b.runRetentionPurger(ctx, retention)
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", "addr", b.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down")

		timeout := b.cfg.Server.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Kill children and close client connections first so the HTTP
		// server has no lingering handlers.
		b.gateway.Shutdown(shutdownCtx)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		_ = b.ipcServer.Close()
		_ = b.authProvider.Close()
		_ = b.store.Close()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = b.ipcServer.Close()
		_ = b.authProvider.Close()
		_ = b.store.Close()
		return err
	}
}

// runHistoryRecorder mirrors bus events into the store so session history
// survives restarts. Store failures are logged and dropped; persistence
// never stalls a session.
func (b *Bridge) runHistoryRecorder(ctx context.Context) {
	ch := b.bus.Subscribe(
		eventbus.SessionCreated,
		eventbus.SessionTerminated,
		eventbus.ProcessSpawned,
		eventbus.ProcessExited,
		eventbus.RequestTimeout,
		eventbus.LimitBreach,
	)
	defer b.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.recordEvent(ctx, evt)
		}
	}
}

func (b *Bridge) recordEvent(ctx context.Context, evt eventbus.Event) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch evt.Type {
	case eventbus.SessionCreated:
		err := b.store.CreateSession(opCtx, &store.Session{
			ID:        evt.SessionID,
			State:     "awaiting_connect",
			CreatedAt: evt.Timestamp,
			UpdatedAt: evt.Timestamp,
		})
		if err != nil {
			b.logger.Warn("history: create session failed", "session_id", evt.SessionID, "error", err)
			return
		}

	case eventbus.ProcessSpawned:
		var data struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(evt.Data, &data)
		if err := b.store.UpdateSessionState(opCtx, evt.SessionID, "running", nil); err != nil {
			b.logger.Warn("history: update session failed", "session_id", evt.SessionID, "error", err)
		}
		if data.Command != "" {
			if err := b.store.SetSessionCommand(opCtx, evt.SessionID, data.Command); err != nil {
				b.logger.Warn("history: set command failed", "session_id", evt.SessionID, "error", err)
			}
		}

	case eventbus.ProcessExited:
		var data struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(evt.Data, &data)
		if err := b.store.UpdateSessionState(opCtx, evt.SessionID, "terminated", &data.Code); err != nil {
			b.logger.Warn("history: update session failed", "session_id", evt.SessionID, "error", err)
		}

	case eventbus.SessionTerminated:
		if err := b.store.UpdateSessionState(opCtx, evt.SessionID, "terminated", nil); err != nil {
			b.logger.Warn("history: update session failed", "session_id", evt.SessionID, "error", err)
		}
	}

	if _, err := b.store.AppendEvent(opCtx, &store.Event{
		ID:        uuid.New().String(),
		SessionID: evt.SessionID,
		Type:      evt.Type,
		Detail:    evt.Data,
		CreatedAt: evt.Timestamp,
	}); err != nil {
		b.logger.Warn("history: append event failed", "session_id", evt.SessionID, "type", evt.Type, "error", err)
	}
}

func (b *Bridge) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := b.store.PurgeOldEvents(ctx, cutoff); err != nil {
				b.logger.Warn("retention purge: events failed", "error", err)
			} else if n > 0 {
				b.logger.Info("retention purge: deleted old events", "count", n)
			}
			if n, err := b.store.PurgeOldSessions(ctx, cutoff); err != nil {
				b.logger.Warn("retention purge: sessions failed", "error", err)
			} else if n > 0 {
				b.logger.Info("retention purge: deleted old sessions", "count", n)
			}
		}
	}
}
