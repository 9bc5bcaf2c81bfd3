package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"seatplan/layout-server/internal/config"
	"seatplan/layout-server/internal/layout"
	"seatplan/layout-server/internal/model"
	"seatplan/layout-server/internal/mqttbroker"
	"seatplan/layout-server/internal/savequeue"
	"seatplan/layout-server/internal/store"
	"seatplan/layout-server/internal/viewport"
)

// Runtime tunables that can be persisted through /api/config.
const (
	configKeySaveDebounce = "save_debounce"
	configKeyMinGap       = "min_gap"
)

// App wires together the layout services and manages their lifecycle.
type App struct {
	logger   *slog.Logger
	store    *store.Store
	broker   *mqttbroker.Broker
	sessions *layout.Registry
	mdns     []*zeroconf.Server

	cfgMu sync.RWMutex
	cfg   config.Config

	// extra options for every session save queue; tests install a manual scheduler here
	saverOpts []savequeue.Option
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, sessions: layout.NewRegistry()}
}

func (a *App) config() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	if err := a.loadPersistedConfig(ctx); err != nil {
		return err
	}

	broker := mqttbroker.New(a.logger)
	if err := a.registerMQTTHandlers(broker); err != nil {
		return err
	}
	brokerErrCh, err := broker.Start(cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	if cfg.MDNSEnabled {
		if err := a.startMDNS(mqttPort(broker.Addr())); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			// Pending moves are flushed before the broker and store go away.
			if err := a.sessions.CloseAll(shutdownCtx); err != nil {
				a.logger.Error("flush open sessions", "error", err)
			}

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.sessions.CloseAll(context.Background())
				_ = a.broker.Stop()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.sessions.CloseAll(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

// openSession loads a project snapshot and registers a new editor session over it.
func (a *App) openSession(ctx context.Context, projectID string) (*layout.Session, error) {
	snap, err := a.store.LoadSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	cfg := a.config()
	sessionID := uuid.NewString()
	status := &statusPublisher{app: a, sessionID: sessionID, projectID: projectID}
	saverOpts := []savequeue.Option{
		savequeue.WithDelay(cfg.SaveDebounce),
		savequeue.WithTimeout(cfg.SaveTimeout),
		savequeue.WithRequeueOnFailure(cfg.SaveRequeue),
		savequeue.WithSavedHook(func(batch []model.PositionUpdate, at time.Time) {
			a.publishSaved(projectID, batch, at)
		}),
		savequeue.WithStatusHook(status.publish),
	}
	saverOpts = append(saverOpts, a.saverOpts...)

	session, err := layout.Open(snap, a.store.Positions(projectID),
		layout.WithSessionID(sessionID),
		layout.WithSessionLogger(a.logger),
		layout.WithViewport(
			viewport.WithBounds(cfg.MinZoom, cfg.MaxZoom),
			viewport.WithStep(cfg.ZoomStep),
			viewport.WithDefaultZoom(cfg.DefaultZoom),
		),
		layout.WithSaver(saverOpts...),
	)
	if err != nil {
		return nil, err
	}

	a.sessions.Add(session)
	a.logger.Info("layout session opened",
		"session", session.ID(),
		"project", projectID,
		"tables", len(snap.Tables),
		"room_items", len(snap.RoomItems),
	)
	return session, nil
}

// loadPersistedConfig applies runtime tunables saved through /api/config.
func (a *App) loadPersistedConfig(ctx context.Context) error {
	entries, err := a.store.AppConfig(ctx)
	if err != nil {
		return err
	}

	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	for _, e := range entries {
		switch e.Key {
		case configKeySaveDebounce, configKeyMinGap:
			d, err := time.ParseDuration(e.Value)
			if err != nil || d <= 0 {
				a.logger.Warn("ignoring persisted config entry", "key", e.Key, "value", e.Value)
				continue
			}
			if e.Key == configKeySaveDebounce {
				a.cfg.SaveDebounce = d
			} else {
				a.cfg.MinGap = d
			}
			a.logger.Info("applied persisted config", "key", e.Key, "value", e.Value)
		}
	}
	return nil
}

func mqttPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
