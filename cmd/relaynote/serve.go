package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaynote/internal/config"
	"github.com/agentworkforce/relaynote/internal/httpapi"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func addServe(topLevel *cobra.Command, c *cli) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local control API.",
		Example: `
relaynote serve --user alice
relaynote serve --remote-dsn postgres://relay@db/notes --sync-interval 5m
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().Duration("sync-interval", 0, "periodic refresh interval (0 disables)")
	bindFlags(c.v, cmd.Flags(), map[string]string{
		config.KeySyncInterval: "sync-interval",
	})
	topLevel.AddCommand(cmd)
}

func (c *cli) serve(ctx context.Context) error {
	eng, err := openEngine(c.cfg, c.logger.Logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	log := eng.log

	user := c.cfg.UserID
	if user != "" {
		if err := eng.sync.SignIn(ctx, user); err != nil {
			// offline start: the store keeps working and the push re-arms
			log.Warn().Err(err).Str("user", user).Msg("initial sync failed")
		}
		if err := eng.settings.SignIn(ctx, user); err != nil {
			log.Warn().Err(err).Msg("settings sync failed")
		}
	} else {
		log.Warn().Msg("no user_id configured; running local-only")
	}

	g, gctx := errgroup.WithContext(ctx)
	if user != "" {
		g.Go(func() error {
			return ignoreCanceled(eng.realtime.Run(remote.WithUser(gctx, user)))
		})
	}
	if w, ok := eng.storage.(storage.Watchable); ok {
		g.Go(func() error { return watchStorage(gctx, eng, w) })
	}
	if user != "" && c.cfg.SyncInterval > 0 {
		g.Go(func() error { return refreshEvery(gctx, eng, c.cfg.SyncInterval) })
	}

	srv := &http.Server{
		Addr: c.cfg.HTTPAddr,
		Handler: eng.api(httpapi.ServerConfig{
			APIToken:  c.cfg.APIToken,
			JWTSecret: c.cfg.JWTSecret,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", c.cfg.HTTPAddr).Msg("control api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("shutting down")
	if terr := eng.sync.Teardown(); terr != nil {
		log.Error().Err(terr).Msg("teardown failed; unsynced edits stay in local storage")
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ferr := eng.settings.Flush(flushCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("settings flush failed")
	}
	return err
}

// watchStorage reloads the store when another process rewrites the
// snapshot on disk.
func watchStorage(ctx context.Context, eng *engine, w storage.Watchable) error {
	events, err := w.Watch(ctx)
	if err != nil {
		eng.log.Warn().Err(err).Msg("storage watch unavailable")
		return nil
	}
	for ev := range events {
		if ev.Key != storage.KeySnapshot {
			continue
		}
		changed, err := eng.store.Reload()
		if err != nil {
			eng.log.Warn().Err(err).Msg("reload after external write failed")
			continue
		}
		if changed {
			eng.log.Info().Msg("reloaded snapshot written by another process")
		}
	}
	return nil
}

func refreshEvery(ctx context.Context, eng *engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := eng.sync.Refresh(ctx); err != nil && ctx.Err() == nil {
				eng.log.Warn().Err(err).Msg("periodic refresh failed")
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
