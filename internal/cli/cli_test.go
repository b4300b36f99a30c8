package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/me/kproc/internal/config"
	"github.com/me/kproc/internal/kernel"
	"github.com/me/kproc/internal/server"
	"github.com/me/kproc/internal/store"
	"github.com/me/kproc/pkg/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startTestServer boots a kernel backed by an in-memory SQLite store and
// serves it. The loop is not started; tests tick it by hand.
func startTestServer(t *testing.T) (string, *kernel.Kernel) {
	t.Helper()
	srvLogger := quietLogger()
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	k := kernel.New(config.DefaultSchedulerConfig(), st, srvLogger)
	if err := k.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(k.Shutdown)

	srv := server.New(config.DefaultServerConfig(), k, srvLogger, server.WithStore(st))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, k
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSpawnAndPsCommands(t *testing.T) {
	url, _ := startTestServer(t)

	out, err := runCLI(t, "--server", url, "spawn", "worker", "--quantum", "2", "--memory", "64KiB")
	if err != nil {
		t.Fatalf("spawn error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Spawned worker as pid") {
		t.Errorf("expected spawn confirmation, got: %s", out)
	}
	if !strings.Contains(out, "quantum 2") {
		t.Errorf("expected quantum in output, got: %s", out)
	}

	out, err = runCLI(t, "--server", url, "ps")
	if err != nil {
		t.Fatalf("ps error: %v\noutput: %s", err, out)
	}
	for _, want := range []string{"PID", "worker", "kidle (idle)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in ps output, got: %s", want, out)
		}
	}
}

func TestSpawnCommand_ProgramFile(t *testing.T) {
	url, k := startTestServer(t)
	prog := writeFile(t, "loop.js", "if (tick > 2) sys.exit();\n")

	out, err := runCLI(t, "--server", url, "spawn", "scripted", "--program", prog)
	if err != nil {
		t.Fatalf("spawn error: %v\noutput: %s", err, out)
	}
	procs := k.Sched.Processes()
	found := false
	for _, p := range procs {
		if p.Name == "scripted" {
			found = true
		}
	}
	if !found {
		t.Fatalf("scripted not in ring: %+v", procs)
	}
}

func TestSpawnCommand_BadProgram(t *testing.T) {
	url, _ := startTestServer(t)
	prog := writeFile(t, "bad.js", "this is not javascript (")

	_, err := runCLI(t, "--server", url, "spawn", "broken", "--program", prog)
	if err == nil {
		t.Fatal("expected error for a program that does not compile")
	}
}

func TestSpawnCommand_BadMemory(t *testing.T) {
	url, _ := startTestServer(t)
	_, err := runCLI(t, "--server", url, "spawn", "x", "--memory", "lots")
	if err == nil || !strings.Contains(err.Error(), "--memory") {
		t.Fatalf("err = %v, want memory parse error", err)
	}
}

func TestKillCommand(t *testing.T) {
	url, k := startTestServer(t)
	info, err := k.Spawn(model.SpawnRequest{Name: "victim"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	out, err := runCLI(t, "--server", url, "kill", strconv.Itoa(info.PID))
	if err != nil {
		t.Fatalf("kill error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Killed pid "+strconv.Itoa(info.PID)) {
		t.Errorf("unexpected output: %s", out)
	}
	if _, ok := k.Process(info.PID); ok {
		t.Error("victim still live after kill")
	}
}

func TestKillCommand_Errors(t *testing.T) {
	url, _ := startTestServer(t)

	tests := []struct {
		name string
		arg  string
	}{
		{"not a number", "abc"},
		{"unknown pid", "9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, "--server", url, "kill", tt.arg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestKillCommand_Refused(t *testing.T) {
	url, k := startTestServer(t)
	var idle int
	for _, p := range k.Sched.Processes() {
		if p.Idle {
			idle = p.PID
		}
	}

	tests := []struct {
		name     string
		pid      int
		sentinel error
		wantMsg  string
	}{
		{"idle", idle, ErrConflict, "idle process cannot be killed"},
		{"unknown", 9999, ErrNotFound, "no live process"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, "--server", url, "kill", strconv.Itoa(tt.pid))
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("kill error = %v, want %v", err, tt.sentinel)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("kill error = %q, want %q in it", err, tt.wantMsg)
			}
		})
	}
	if _, ok := k.Process(idle); !ok {
		t.Error("idle process gone after a refused kill")
	}
}

func TestSignalCommand(t *testing.T) {
	url, k := startTestServer(t)
	info, err := k.Spawn(model.SpawnRequest{Name: "target"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	out, err := runCLI(t, "--server", url, "signal", strconv.Itoa(info.PID), "usr1")
	if err != nil {
		t.Fatalf("signal error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Queued SIGUSR1 on pid") {
		t.Errorf("unexpected output: %s", out)
	}
	got, _ := k.Process(info.PID)
	if len(got.PendingSignals) != 1 {
		t.Errorf("pending = %v, want one signal", got.PendingSignals)
	}

	if _, err := runCLI(t, "--server", url, "signal", strconv.Itoa(info.PID), "SIGBOGUS"); err == nil {
		t.Error("expected error for unknown signal name")
	}
}

func TestEventsCommand(t *testing.T) {
	url, k := startTestServer(t)
	for _, name := range []string{"b", "a"} {
		if _, err := k.Spawn(model.SpawnRequest{Name: name}); err != nil {
			t.Fatalf("Spawn: %v", err)
		}
	}
	if err := k.Loop.RunTicks(context.Background(), 4); err != nil {
		t.Fatalf("RunTicks: %v", err)
	}

	out, err := runCLI(t, "--server", url, "events", "--kind", "switch")
	if err != nil {
		t.Fatalf("events error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "switch") {
		t.Errorf("expected switch events, got: %s", out)
	}
	if !strings.Contains(out, "a[") || !strings.Contains(out, "b[") {
		t.Errorf("expected both processes in trace, got: %s", out)
	}
}

func TestEventsCommand_Empty(t *testing.T) {
	url, _ := startTestServer(t)
	out, err := runCLI(t, "--server", url, "events")
	if err != nil {
		t.Fatalf("events error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "No events.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestEventsCommand_NoStore(t *testing.T) {
	lg := quietLogger()
	k := kernel.New(config.DefaultSchedulerConfig(), nil, lg)
	if err := k.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(k.Shutdown)
	ts := httptest.NewServer(server.New(config.DefaultServerConfig(), k, lg).Handler())
	t.Cleanup(ts.Close)

	_, err := runCLI(t, "--server", ts.URL, "events")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("events error = %v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "without a trace store") {
		t.Errorf("events error = %q", err)
	}
}

const roundRobinScenario = `
label: round-robin
ticks: 6
processes:
  - name: R3
    quantum: 1
  - name: R2
    quantum: 1
  - name: R1
    quantum: 3
    memory: 64KiB
`

func TestSimulate_RoundRobin(t *testing.T) {
	sc, err := LoadScenario([]byte(roundRobinScenario))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	var buf bytes.Buffer
	res, err := Simulate(context.Background(), sc, nil, &buf, false)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	want := []string{"R1", "R1", "R1", "R2", "R3", "R1"}
	if !equalStrings(res.Running, want) {
		t.Errorf("running = %v, want %v", res.Running, want)
	}
	if res.Ticks != 6 {
		t.Errorf("ticks = %d, want 6", res.Ticks)
	}
	if !strings.Contains(buf.String(), "tick    4  R2") {
		t.Errorf("per-tick output missing, got:\n%s", buf.String())
	}
}

func TestSimulate_KillAction(t *testing.T) {
	sc, err := LoadScenario([]byte(roundRobinScenario + `
actions:
  - tick: 4
    kill: R2
`))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	res, err := Simulate(context.Background(), sc, nil, &bytes.Buffer{}, true)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	want := []string{"R1", "R1", "R1", "R3", "R1", "R1"}
	if !equalStrings(res.Running, want) {
		t.Errorf("running = %v, want %v", res.Running, want)
	}
	if res.Reaped < 1 {
		t.Errorf("reaped = %d, want R2 reclaimed", res.Reaped)
	}
	for _, p := range res.Final {
		if p.Name == "R2" {
			t.Errorf("R2 still in ring: %+v", p)
		}
	}
}

func TestSimulate_SpawnAction(t *testing.T) {
	sc, err := LoadScenario([]byte(`
ticks: 3
processes:
  - name: A
    quantum: 1
actions:
  - tick: 2
    spawn:
      name: B
      quantum: 1
`))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	res, err := Simulate(context.Background(), sc, nil, &bytes.Buffer{}, true)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if want := []string{"A", "B", "A"}; !equalStrings(res.Running, want) {
		t.Errorf("running = %v, want %v", res.Running, want)
	}
}

func TestSimulate_RecordsTrace(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(":memory:", quietLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sc, err := LoadScenario([]byte(roundRobinScenario))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	res, err := Simulate(ctx, sc, st, &bytes.Buffer{}, true)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	run, err := st.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Label != "round-robin" {
		t.Errorf("label = %q", run.Label)
	}
	opts := model.DefaultListOptions()
	opts.RunID = res.RunID
	opts.Kind = model.EventSwitch
	_, total, err := st.ListEvents(ctx, opts)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	// kidle -> R1, R1 -> R2, R2 -> R3, R3 -> R1
	if total != 4 {
		t.Errorf("switch events = %d, want 4", total)
	}
}

func TestSimulateCommand(t *testing.T) {
	path := writeFile(t, "rr.yaml", roundRobinScenario)
	out, err := runCLI(t, "simulate", path)
	if err != nil {
		t.Fatalf("simulate error: %v\noutput: %s", err, out)
	}
	for _, want := range []string{"tick    1  R1", "tick    5  R3", "6 ticks", "R1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestSimulateCommand_TicksOverride(t *testing.T) {
	path := writeFile(t, "kill.yaml", roundRobinScenario+`
actions:
  - tick: 4
    kill: R2
`)

	tests := []struct {
		name    string
		ticks   string
		wantErr string
		wantOut string
	}{
		{"shorter than an action", "2", "tick 4 outside 1..2", ""},
		{"longer", "8", "", "8 ticks"},
		{"covers the action", "4", "", "4 ticks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, "simulate", "--quiet", "--ticks", tt.ticks, path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("simulate error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("simulate error: %v\noutput: %s", err, out)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("expected %q in output, got:\n%s", tt.wantOut, out)
			}
		})
	}
}

func TestSimulateCommand_MissingFile(t *testing.T) {
	_, err := runCLI(t, "simulate", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing scenario")
	}
}

func TestLoadScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no ticks", "processes: [{name: a}]"},
		{"bad yaml", "ticks: [1"},
		{"two actions set", "ticks: 2\nactions: [{tick: 1, kill: a, spawn: {name: b}}]"},
		{"empty action", "ticks: 2\nactions: [{tick: 1}]"},
		{"signal without target", "ticks: 2\nactions: [{tick: 1, signal: TERM}]"},
		{"tick out of range", "ticks: 2\nactions: [{tick: 3, kill: a}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadScenario([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
