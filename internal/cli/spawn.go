package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kproc/pkg/model"
)

func newSpawnCmd() *cobra.Command {
	var quantum int
	var memory string
	var programFile string

	cmd := &cobra.Command{
		Use:   "spawn <name>",
		Short: "Start a user process on the running kernel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.SpawnRequest{Name: args[0], Quantum: quantum}

			if memory != "" {
				n, err := humanize.ParseBytes(memory)
				if err != nil {
					return fmt.Errorf("parse --memory: %w", err)
				}
				req.Memory = n
			}
			if programFile != "" {
				src, err := os.ReadFile(programFile)
				if err != nil {
					return fmt.Errorf("read program: %w", err)
				}
				req.Program = string(src)
			}

			resp, err := client.Post("/api/v1/processes/", req)
			if err != nil {
				return fmt.Errorf("spawn: %w", err)
			}
			var info model.ProcessInfo
			if err := json.Unmarshal(resp.Data, &info); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Spawned %s as pid %d (quantum %d, %s)\n",
				info.Name, info.PID, info.Quantum, humanize.IBytes(info.UsedMemory))
			return nil
		},
	}

	cmd.Flags().IntVar(&quantum, "quantum", 0, "Ticks per scheduling round (0 = kernel default)")
	cmd.Flags().StringVar(&memory, "memory", "", "Memory to map for the image, e.g. 64KiB")
	cmd.Flags().StringVar(&programFile, "program", "", "JavaScript file run once per tick while the process is current")
	return cmd
}
