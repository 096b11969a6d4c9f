package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/syncer"
)

func addSync(topLevel *cobra.Command, c *cli) {
	once := false
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sign in, push local edits, pull the remote snapshot and exit.",
		Example: `
relaynote sync --once --user alice
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !once {
				return errors.New("sync runs a single cycle; pass --once or use serve")
			}
			return c.syncOnce(cmd)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one full cycle and exit")
	topLevel.AddCommand(cmd)
}

func (c *cli) syncOnce(cmd *cobra.Command) error {
	if c.cfg.UserID == "" {
		return syncer.ErrNotSignedIn
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	eng, err := openEngine(c.cfg, c.logger.Logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	// SignIn replays any push left by a previous teardown, then pulls.
	if err := eng.sync.SignIn(ctx, c.cfg.UserID); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	if err := eng.sync.Flush(ctx); err != nil {
		_ = eng.sync.Teardown()
		return fmt.Errorf("push: %w", err)
	}
	if err := eng.settings.SignIn(ctx, c.cfg.UserID); err != nil {
		eng.log.Warn().Err(err).Msg("settings sync failed")
	}

	st := eng.sync.Status()
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "synced %d workspaces for %s (%d pending operations)\n",
		len(eng.store.Snapshot()), st.User, st.PendingOperations)
	return err
}
