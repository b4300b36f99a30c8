package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/kproc/internal/process"
)

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <pid>",
		Short: "Terminate a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			if _, err := client.Delete(fmt.Sprintf("/api/v1/processes/%d", pid)); err != nil {
				switch {
				case errors.Is(err, ErrNotFound):
					return fmt.Errorf("kill %d: no live process with that pid: %w", pid, err)
				case errors.Is(err, ErrConflict):
					return fmt.Errorf("kill %d: refused, the idle process cannot be killed: %w", pid, err)
				}
				return fmt.Errorf("kill %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Killed pid %d\n", pid)
			return nil
		},
	}
}

func newSignalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <pid> <signal>",
		Short: "Queue a signal on a process (name like SIGUSR1 or USR1, or a number)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			sig, err := process.ParseSignal(args[1])
			if err != nil {
				return err
			}
			body := map[string]any{"signal": int(sig)}
			if _, err := client.Post(fmt.Sprintf("/api/v1/processes/%d/signal", pid), body); err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("signal %d: no live process with that pid: %w", pid, err)
				}
				return fmt.Errorf("signal %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s on pid %d\n", sig, pid)
			return nil
		},
	}
}
