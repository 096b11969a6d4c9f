package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/history"
	"github.com/agentworkforce/relaynote/internal/httpapi"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/pendingops"
	"github.com/agentworkforce/relaynote/internal/realtime"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/settings"
	"github.com/agentworkforce/relaynote/internal/storage"
	"github.com/agentworkforce/relaynote/internal/syncer"
)

// engine is one device's component graph, opened against the configured
// data and remote DSNs.
type engine struct {
	cfg      config.Config
	log      zerolog.Logger
	deviceID string

	storage  storage.Storage
	store    *localstore.Store
	queue    *pendingops.Queue
	history  *history.Manager
	remote   remote.Backend
	sync     *syncer.Orchestrator
	settings *settings.Syncer
	realtime *realtime.Ingester
}

func openEngine(cfg config.Config, log zerolog.Logger) (*engine, error) {
	st, err := storage.Open(cfg.DataDSN)
	if err != nil {
		return nil, fmt.Errorf("open data %s: %w", cfg.DataDSN, err)
	}
	e := &engine{cfg: cfg, storage: st}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	e.deviceID, err = resolveDeviceID(st, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	e.log = log.With().Str("device", e.deviceID).Logger()

	e.store, err = localstore.Open(st, localstore.Options{Logger: e.log})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	e.queue, err = pendingops.Open(st, pendingops.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pending operations: %w", err)
	}
	e.history = history.New(e.store, cfg.HistoryCapacity)

	e.remote, err = remote.Open(cfg.RemoteDSN, remote.OpenOptions{Logger: e.log, Token: cfg.RemoteToken})
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", redact(cfg.RemoteDSN), err)
	}
	e.sync, err = syncer.New(syncer.Options{
		Store:    e.store,
		Queue:    e.queue,
		Remote:   e.remote,
		Storage:  st,
		Logger:   e.log,
		Debounce: cfg.PushDebounce,
		Timeout:  cfg.SyncTimeout,
	})
	if err != nil {
		return nil, err
	}

	settingsRemote, _ := e.remote.(remote.SettingsBackend)
	e.settings, err = settings.New(settings.Options{
		Storage:  st,
		Remote:   settingsRemote,
		Logger:   e.log,
		Debounce: cfg.SettingsDebounce,
		Timeout:  cfg.SyncTimeout,
	})
	if err != nil {
		return nil, err
	}

	e.realtime, err = realtime.New(realtime.Options{
		Store:      e.store,
		Remote:     e.remote,
		Tracker:    e.sync,
		Pending:    e.queue,
		Logger:     e.log,
		EchoWindow: cfg.EchoWindow,
		OnResubscribe: func(ctx context.Context) {
			if err := e.sync.Refresh(ctx); err != nil {
				e.log.Warn().Err(err).Msg("refresh after resubscribe failed")
			}
		},
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return e, nil
}

func (e *engine) api(cfg httpapi.ServerConfig) *httpapi.Server {
	cfg.Logger = e.log
	return httpapi.NewServer(httpapi.Deps{
		Store:    e.store,
		History:  e.history,
		Queue:    e.queue,
		Sync:     e.sync,
		Settings: e.settings,
		Realtime: e.realtime,
	}, cfg)
}

// Close releases every component. It does not flush; callers run
// Teardown first when an unfinished push must survive the exit.
func (e *engine) Close() error {
	var errs []error
	if e.settings != nil {
		errs = append(errs, e.settings.Close())
	}
	if e.sync != nil {
		errs = append(errs, e.sync.Close())
	}
	if e.remote != nil {
		errs = append(errs, e.remote.Close())
	}
	if e.storage != nil {
		errs = append(errs, e.storage.Close())
	}
	return errors.Join(errs...)
}

// resolveDeviceID prefers the configured id, then the persisted one, and
// otherwise generates and persists a new one.
func resolveDeviceID(st storage.Storage, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	var id string
	err := storage.GetJSON(st, storage.KeyDeviceID, &id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id = uuid.NewString()
	if err := storage.PutJSON(st, storage.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// redact drops credentials from a DSN before it is logged.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
