package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/pkg/model"
)

func newEventsCmd() *cobra.Command {
	var runID, kind string
	var pid, limit, offset int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the scheduler trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if runID != "" {
				q.Set("run_id", runID)
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			if pid > 0 {
				q.Set("pid", strconv.Itoa(pid))
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			resp, err := client.Get("/api/v1/events?" + q.Encode())
			if errors.Is(err, ErrUnavailable) {
				return fmt.Errorf("list events: the daemon was started without a trace store: %w", err)
			}
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			var events []model.Event
			if err := json.Unmarshal(resp.Data, &events); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			printEvents(out, events)
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %s shown)\n", len(events), humanize.Comma(int64(resp.Pagination.Total)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "current", "Run id to show (\"current\" for the running kernel, empty for all)")
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind: switch, reap, signal, exit")
	cmd.Flags().IntVar(&pid, "pid", 0, "Only events involving this pid")
	cmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Events to skip")
	return cmd
}

func printEvents(w io.Writer, events []model.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	fmt.Fprintf(w, "%-6s  %-7s  %-30s  %s\n", "TICK", "KIND", "PROCESS", "DETAIL")
	fmt.Fprintf(w, "%-6s  %-7s  %-30s  %s\n", "----", "----", "-------", "------")
	for _, ev := range events {
		fmt.Fprintf(w, "%-6d  %-7s  %-30s  %s\n", ev.Tick, ev.Kind, describeProcesses(ev), describeDetail(ev))
	}
}

func describeProcesses(ev model.Event) string {
	switch ev.Kind {
	case model.EventSwitch:
		return fmt.Sprintf("%s[%d] -> %s[%d]", ev.FromName, ev.FromPID, ev.ToName, ev.ToPID)
	case model.EventSignal:
		return fmt.Sprintf("%s[%d]", ev.ToName, ev.ToPID)
	default:
		return fmt.Sprintf("%s[%d]", ev.FromName, ev.FromPID)
	}
}

func describeDetail(ev model.Event) string {
	switch ev.Kind {
	case model.EventSwitch:
		if ev.SignalContext {
			return "signal context"
		}
		return ""
	case model.EventSignal:
		return fmt.Sprintf("%s %s", process.Signal(ev.Signal), ev.Detail)
	}
	return ev.Detail
}
