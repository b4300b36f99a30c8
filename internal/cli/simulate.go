package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/kproc/internal/config"
	"github.com/me/kproc/internal/kernel"
	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/internal/store"
	"github.com/me/kproc/pkg/model"
)

// Scenario is the YAML input of `kproc simulate`.
type Scenario struct {
	Label     string            `yaml:"label"`
	Ticks     int               `yaml:"ticks"`
	Quantum   int               `yaml:"default_quantum"`
	Processes []ScenarioProcess `yaml:"processes"`
	Actions   []ScenarioAction  `yaml:"actions"`
}

// ScenarioProcess is spawned before the first tick, in file order.
type ScenarioProcess struct {
	Name    string `yaml:"name"`
	Quantum int    `yaml:"quantum"`
	Memory  string `yaml:"memory"` // e.g. "64KiB"
	Program string `yaml:"program"`
}

// ScenarioAction fires before the given tick runs. Exactly one of Kill,
// Signal and Spawn is set. Kill and Signal name their target by process name.
type ScenarioAction struct {
	Tick   int              `yaml:"tick"`
	Kill   string           `yaml:"kill,omitempty"`
	Signal string           `yaml:"signal,omitempty"`
	Target string           `yaml:"target,omitempty"`
	Spawn  *ScenarioProcess `yaml:"spawn,omitempty"`
}

// LoadScenario parses and validates a scenario document.
func LoadScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(sc.Actions, func(i, j int) bool { return sc.Actions[i].Tick < sc.Actions[j].Tick })
	return &sc, nil
}

// Validate checks the tick count and that every action is well formed and
// fires within it.
func (sc *Scenario) Validate() error {
	if sc.Ticks <= 0 {
		return fmt.Errorf("scenario: ticks must be positive")
	}
	for i, a := range sc.Actions {
		set := 0
		if a.Kill != "" {
			set++
		}
		if a.Signal != "" {
			set++
			if a.Target == "" {
				return fmt.Errorf("scenario: action %d: signal needs a target", i)
			}
		}
		if a.Spawn != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("scenario: action %d: exactly one of kill, signal, spawn must be set", i)
		}
		if a.Tick < 1 || a.Tick > sc.Ticks {
			return fmt.Errorf("scenario: action %d: tick %d outside 1..%d", i, a.Tick, sc.Ticks)
		}
	}
	return nil
}

func newSimulateCmd() *cobra.Command {
	var dbPath string
	var ticks int
	var quiet bool

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a scenario against an in-process kernel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read scenario: %w", err)
			}
			sc, err := LoadScenario(data)
			if err != nil {
				return err
			}
			if ticks > 0 {
				sc.Ticks = ticks
				if err := sc.Validate(); err != nil {
					return fmt.Errorf("--ticks %d: %w", ticks, err)
				}
			}

			var st store.Store
			if dbPath != "" {
				s, err := store.NewSQLiteStore(dbPath, logger)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer s.Close()
				if err := s.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				st = s
			}

			res, err := Simulate(cmd.Context(), sc, st, cmd.OutOrStdout(), quiet)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nrun %s: %d ticks, %d reaped\n", res.RunID, res.Ticks, res.Reaped)
			printProcessTable(cmd.OutOrStdout(), res.Final)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Record the trace to this SQLite database")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "Override the scenario tick count")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Only print the final table")
	return cmd
}

// SimulationResult summarizes a finished scenario.
type SimulationResult struct {
	RunID   string
	Ticks   uint64
	Reaped  int
	Running []string // name of the current record after each tick
	Final   []model.ProcessInfo
}

// Simulate boots a kernel, applies sc tick by tick and shuts it down.
func Simulate(ctx context.Context, sc *Scenario, st store.Store, w io.Writer, quiet bool) (*SimulationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := config.DefaultSchedulerConfig()
	cfg.Label = sc.Label
	if sc.Quantum > 0 {
		cfg.DefaultQuantum = sc.Quantum
	}

	lg := logger
	if lg == nil {
		lg = slog.Default()
	}
	k := kernel.New(cfg, st, lg)
	if err := k.Boot(ctx); err != nil {
		return nil, err
	}
	defer k.Shutdown()

	pids := map[string]int{}
	for _, p := range sc.Processes {
		if err := spawnScenarioProcess(k, p, pids); err != nil {
			return nil, err
		}
	}

	res := &SimulationResult{RunID: k.RunID()}
	next := 0
	for tick := 1; tick <= sc.Ticks; tick++ {
		for next < len(sc.Actions) && sc.Actions[next].Tick == tick {
			if err := applyAction(k, sc.Actions[next], pids); err != nil {
				return nil, fmt.Errorf("tick %d: %w", tick, err)
			}
			next++
		}
		if err := k.Loop.Tick(ctx); err != nil {
			return nil, fmt.Errorf("tick %d: %w", tick, err)
		}

		running := currentName(k.Sched.Processes())
		res.Running = append(res.Running, running)
		if !quiet {
			fmt.Fprintf(w, "tick %4d  %s\n", tick, running)
		}
	}

	res.Ticks = k.Sched.Ticks()
	res.Reaped = k.Sched.Reaped()
	res.Final = k.Sched.Processes()
	return res, nil
}

func spawnScenarioProcess(k *kernel.Kernel, p ScenarioProcess, pids map[string]int) error {
	req := model.SpawnRequest{Name: p.Name, Quantum: p.Quantum, Program: p.Program}
	if p.Memory != "" {
		n, err := humanize.ParseBytes(p.Memory)
		if err != nil {
			return fmt.Errorf("process %s: memory: %w", p.Name, err)
		}
		req.Memory = n
	}
	info, err := k.Spawn(req)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", p.Name, err)
	}
	pids[p.Name] = info.PID
	return nil
}

func applyAction(k *kernel.Kernel, a ScenarioAction, pids map[string]int) error {
	switch {
	case a.Spawn != nil:
		return spawnScenarioProcess(k, *a.Spawn, pids)
	case a.Kill != "":
		pid, ok := pids[a.Kill]
		if !ok {
			return fmt.Errorf("kill: unknown process %q", a.Kill)
		}
		_, err := k.Kill(pid)
		return err
	default:
		pid, ok := pids[a.Target]
		if !ok {
			return fmt.Errorf("signal: unknown process %q", a.Target)
		}
		sig, err := process.ParseSignal(a.Signal)
		if err != nil {
			return err
		}
		return k.Signal(pid, sig)
	}
}

func currentName(procs []model.ProcessInfo) string {
	for _, p := range procs {
		if p.Current {
			name := p.Name
			if p.SignalPhase == model.SignalPhaseInHandler {
				name += " (handler)"
			}
			return strings.TrimSpace(name)
		}
	}
	return "-"
}
