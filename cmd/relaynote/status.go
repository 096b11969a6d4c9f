package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaynote/internal/pendingops"
	"github.com/agentworkforce/relaynote/internal/storage"
	"github.com/agentworkforce/relaynote/internal/syncer"
)

// statusView is what the status command renders, read either from a
// running serve process or straight from local storage.
type statusView struct {
	Source     string
	Sync       *syncer.Status
	Operations []pendingops.Operation
}

func addStatus(topLevel *cobra.Command, c *cli) {
	local := false
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync state and pending operations.",
		Example: `
relaynote status
relaynote status --local
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			view, err := c.status(cmd.Context(), local)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), view)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read local storage instead of asking a running server")
	topLevel.AddCommand(cmd)
}

func (c *cli) status(ctx context.Context, local bool) (statusView, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !local && c.cfg.HTTPAddr != "" {
		view, err := c.remoteStatus(ctx)
		if err == nil {
			return view, nil
		}
		c.logger.Debug().Err(err).Msg("no running server; reading local storage")
	}
	return c.localStatus()
}

func (c *cli) remoteStatus(ctx context.Context) (statusView, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	base := c.cfg.HTTPAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	var status struct {
		Sync *syncer.Status `json:"sync"`
	}
	if err := c.getJSON(ctx, client, base+"/v1/sync/status", &status); err != nil {
		return statusView{}, err
	}
	var ops struct {
		Items []pendingops.Operation `json:"items"`
	}
	if err := c.getJSON(ctx, client, base+"/v1/pending-operations", &ops); err != nil {
		return statusView{}, err
	}
	return statusView{Source: base, Sync: status.Sync, Operations: ops.Items}, nil
}

func (c *cli) getJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *cli) localStatus() (statusView, error) {
	st, err := storage.Open(c.cfg.DataDSN)
	if err != nil {
		return statusView{}, fmt.Errorf("open data %s: %w", c.cfg.DataDSN, err)
	}
	defer st.Close()
	queue, err := pendingops.Open(st, pendingops.Options{})
	if err != nil {
		return statusView{}, err
	}
	return statusView{Source: c.cfg.DataDSN, Operations: queue.Drain()}, nil
}

func renderStatus(w io.Writer, view statusView) {
	bold := color.New(color.Bold)
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(bold.Sprint("source"), view.Source)
	if s := view.Sync; s != nil {
		user := s.User
		if user == "" {
			user = color.YellowString("signed out")
		}
		tbl.AddRow(bold.Sprint("user"), user)
		tbl.AddRow(bold.Sprint("state"), stateColor(s.State))
		tbl.AddRow(bold.Sprint("pull"), string(s.PullState))
		tbl.AddRow(bold.Sprint("unpushed edits"), fmt.Sprint(s.HasPendingChanges))
		tbl.AddRow(bold.Sprint("last push"), formatTime(s.LastPushAt))
		tbl.AddRow(bold.Sprint("last pull"), formatTime(s.LastPullAt))
		if s.SyncError != "" {
			tbl.AddRow(bold.Sprint("error"), color.RedString(s.SyncError))
		}
	}
	tbl.AddRow(bold.Sprint("pending operations"), fmt.Sprint(len(view.Operations)))
	_, _ = fmt.Fprintln(w, tbl)

	if len(view.Operations) == 0 {
		return
	}
	ops := uitable.New()
	ops.Separator = "  "
	ops.AddRow(bold.Sprint("KIND"), bold.Sprint("ID"), bold.Sprint("WORKSPACE"), bold.Sprint("ATTEMPTS"), bold.Sprint("LAST ERROR"))
	for _, op := range view.Operations {
		ops.AddRow(string(op.EntityType), op.EntityID, op.WorkspaceID, fmt.Sprint(op.Attempts), op.LastError)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, ops)
}

func stateColor(s syncer.State) string {
	switch s {
	case syncer.StateIdle:
		return color.GreenString(string(s))
	case syncer.StatePendingPush, syncer.StatePushing:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
