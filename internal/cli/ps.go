package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kproc/pkg/model"
)

func newPsCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List processes in ring order",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/processes/"
			if all {
				path += "?include_dead=true"
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list processes: %w", err)
			}

			var procs []model.ProcessInfo
			if err := json.Unmarshal(resp.Data, &procs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			printProcessTable(cmd.OutOrStdout(), procs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include dead records not yet reclaimed")
	return cmd
}

// printProcessTable writes procs as an aligned table. The running record is
// marked with '*'.
func printProcessTable(w io.Writer, procs []model.ProcessInfo) {
	if len(procs) == 0 {
		fmt.Fprintln(w, "No processes.")
		return
	}

	fmt.Fprintf(w, "  %-6s  %-16s  %-8s  %-13s  %-7s  %-9s  %s\n", "PID", "NAME", "STATE", "SIGNAL", "QUANTUM", "MEMORY", "PENDING")
	fmt.Fprintf(w, "  %-6s  %-16s  %-8s  %-13s  %-7s  %-9s  %s\n", "---", "----", "-----", "------", "-------", "------", "-------")
	for _, p := range procs {
		mark := " "
		if p.Current {
			mark = "*"
		}
		name := p.Name
		if p.Idle {
			name += " (idle)"
		}
		var pending []string
		for _, sig := range p.PendingSignals {
			pending = append(pending, fmt.Sprint(sig))
		}
		fmt.Fprintf(w, "%s %-6d  %-16s  %-8s  %-13s  %-7d  %-9s  %s\n",
			mark, p.PID, name, p.State, p.SignalPhase, p.Quantum,
			humanize.IBytes(p.UsedMemory), strings.Join(pending, ","))
	}
}
