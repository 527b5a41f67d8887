package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/rendermesh/farmnode/pkg/discovery"
	"github.com/rendermesh/farmnode/pkg/object"
)

// newStatusCmd creates the status command, which queries a running
// agent and prints its state.
func newStatusCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running agent",
		Long: `Query a running agent's status endpoint and print the node state, the
active sessions with their idle times, and any client addresses banned
for probing unmapped endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), host, port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "Host the agent is running on")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port of the agent")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

func runStatus(ctx context.Context, w io.Writer, host string, port int) error {
	client := discovery.NewServiceClient(fmt.Sprintf("http://%s:%d", host, port))
	status, err := client.Get(ctx, "/node/1/status")
	if err != nil {
		// An unhealthy node answers 5xx with a DOWN document in the
		// body; show that instead of the bare transport error.
		var se *discovery.ServiceError
		if errors.As(err, &se) && se.StatusCode != 0 {
			if doc, derr := object.Decode([]byte(se.Message)); derr == nil && object.Has(doc, "status") {
				status = doc
			}
		}
		if status == nil {
			return err
		}
	}

	fmt.Fprintf(w, "Node status: %s\n", object.String(status, "status", "UNKNOWN"))
	if info := object.String(status, "info", ""); info != "" {
		fmt.Fprintf(w, "Info: %s\n", info)
	}
	if object.Has(status, "apiVersion") {
		fmt.Fprintf(w, "API version: %s\n", object.String(status, "apiVersion", ""))
	}
	if object.Has(status, "idletime") {
		fmt.Fprintf(w, "Node idle: %ds\n", object.Int(status, "idletime", 0))
	}

	if object.Has(status, "sessions") {
		if err := renderSessionTable(w, status); err != nil {
			return err
		}
	}

	if banned := object.Strings(status, "banned"); len(banned) > 0 {
		sort.Strings(banned)
		fmt.Fprintf(w, "Banned addresses: %s\n", strings.Join(banned, ", "))
	}
	if tracked := object.Strings(status, "tracked"); len(tracked) > 0 {
		sort.Strings(tracked)
		fmt.Fprintf(w, "Tracked addresses: %s\n", strings.Join(tracked, ", "))
	}

	return nil
}

func renderSessionTable(w io.Writer, status object.Object) error {
	sessions, _ := status["sessions"].([]any)
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No active sessions.")
		return nil
	}

	rows := make([][]string, 0, len(sessions))
	for _, e := range sessions {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		rows = append(rows, []string{
			object.String(entry, "id", "?"),
			strconv.Itoa(object.Int(entry, "idletime", 0)) + "s",
		})
	}
	// The agent reports sessions in table order, which is not stable.
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })

	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader([]string{"Session", "Idle"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(2, tw.AlignLeft)),
	)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
