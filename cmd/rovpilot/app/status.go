package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	opsserver "github.com/autopeer-io/rovpilot/internal/rovagent/server/http"
)

type statusOptions struct {
	server  string
	timeout time.Duration
}

func newStatusCommand() *cobra.Command {
	o := &statusOptions{
		server:  "http://127.0.0.1:9464",
		timeout: 5 * time.Second,
	}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the vehicle session of a running rovpilot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			st, err := fetchStatus(ctx, o.server)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), statusTable(st))
			return err
		},
	}
	cmd.Flags().StringVar(&o.server, "server", o.server, "Base URL of the rovpilot operations server.")
	cmd.Flags().DurationVar(&o.timeout, "timeout", o.timeout, "Request timeout.")
	return cmd
}

func fetchStatus(ctx context.Context, server string) (*opsserver.DebugStatus, error) {
	url := strings.TrimSuffix(server, "/") + "/debug/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}

	var st opsserver.DebugStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func statusTable(st *opsserver.DebugStatus) *uitable.Table {
	s := st.Session

	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("SESSION", s.SessionID)
	table.AddRow("STATE", s.State)
	table.AddRow("ENDPOINT", s.Endpoint)
	if s.SystemID != 0 {
		table.AddRow("VEHICLE", fmt.Sprintf("%d/%d", s.SystemID, s.ComponentID))
	}
	if s.LastHeartbeat != nil {
		table.AddRow("LAST HEARTBEAT", s.LastHeartbeat.Format(time.RFC3339Nano))
	}
	table.AddRow("ARMED", s.Armed)
	table.AddRow("MODE", orDash(s.Mode))
	if s.RequestedMode != "" {
		table.AddRow("REQUESTED MODE", s.RequestedMode)
	}
	if s.FaultKind != "" {
		table.AddRow("FAULT", fmt.Sprintf("%s: %s", s.FaultKind, s.Fault))
	}

	tel := st.Telemetry
	if snap := tel.Snapshot; snap != nil {
		table.AddRow("DEPTH", fmt.Sprintf("%.2f m", snap.Depth))
		table.AddRow("HEADING", fmt.Sprintf("%.1f°", snap.Heading))
		table.AddRow("TELEMETRY AGE", tel.Age)
	} else {
		table.AddRow("TELEMETRY", "-")
	}
	table.AddRow("TELEMETRY VALID", tel.Valid)
	if tel.ConsecutiveFailures > 0 {
		table.AddRow("POLL FAILURES", tel.ConsecutiveFailures)
	}

	for _, m := range st.Movements {
		table.AddRow("MOVING", fmt.Sprintf("%s %.0f%% for %s", m.Direction, m.Throttle*100, m.Duration))
	}
	return table
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
