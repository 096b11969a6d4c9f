package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/httpapi"
)

func addToken(topLevel *cobra.Command, c *cli) {
	ttl := 24 * time.Hour
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control API or a hub.",
		Example: `
relaynote token --user alice --jwt-secret s3cret
relaynote token --user alice --scope notes:read --ttl 1h
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.JWTSecret == "" {
				return errors.New("token: jwt_secret is not configured")
			}
			token, err := httpapi.IssueToken(c.cfg.JWTSecret, c.cfg.UserID, scopes, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", ttl, "token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes (default: all)")
	topLevel.AddCommand(cmd)
}
