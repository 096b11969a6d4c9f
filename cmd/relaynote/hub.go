package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/httpapi"
	"github.com/agentworkforce/relaynote/internal/remote"
)

func addHub(topLevel *cobra.Command, c *cli) {
	addr := ":8787"
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Serve the remote store over REST and a websocket change feed.",
		Long: `hub exposes the configured remote store (memory:// or postgres://) to
devices that use an http(s):// remote DSN. With a jwt secret configured the
acting user is taken from the token's sub claim; without one the
X-Relaynote-User header is trusted.`,
		Example: `
relaynote hub --remote-dsn postgres://relay@db/notes --jwt-secret s3cret
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.hub(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", addr, "hub listen address")
	topLevel.AddCommand(cmd)
}

func (c *cli) hub(ctx context.Context, addr string) error {
	dsn := strings.ToLower(c.cfg.RemoteDSN)
	if strings.HasPrefix(dsn, "http://") || strings.HasPrefix(dsn, "https://") {
		return errors.New("hub needs a memory:// or postgres:// remote, not another hub")
	}
	log := c.logger.With().Str("component", "hub").Logger()
	backend, err := remote.Open(c.cfg.RemoteDSN, remote.OpenOptions{Logger: log})
	if err != nil {
		return err
	}
	defer backend.Close()

	opts := remote.HandlerOptions{Logger: log}
	if c.cfg.JWTSecret != "" {
		opts.Authenticate = httpapi.Authenticator{JWTSecret: c.cfg.JWTSecret}.Authenticate
	} else {
		log.Warn().Msg("no jwt secret; trusting the user header")
	}
	srv := &http.Server{Addr: addr, Handler: remote.Handler(backend, opts), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("remote", redact(c.cfg.RemoteDSN)).Msg("hub listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// websocket feeds are hijacked; Shutdown does not wait for them
	return srv.Shutdown(shutdownCtx)
}
