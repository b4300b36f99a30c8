package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/me/kproc/internal/config"
	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/internal/scheduler"
	"github.com/me/kproc/internal/store"
	"github.com/me/kproc/pkg/model"
)

func testKernel(t *testing.T) (*Kernel, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultSchedulerConfig()
	cfg.Label = "test"
	k := New(cfg, st, logger)
	if err := k.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return k, st
}

func TestBoot_RegistersRunAndRetiresInit(t *testing.T) {
	k, st := testKernel(t)

	run, err := st.GetRun(context.Background(), k.RunID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Label != "test" || !strings.HasPrefix(run.ID, "run_") {
		t.Errorf("run = %+v", run)
	}

	procs := k.Sched.Processes()
	if len(procs) != 1 || !procs[0].Idle || !procs[0].Current {
		t.Errorf("processes after boot = %+v, want only idle", procs)
	}
}

func TestSpawn(t *testing.T) {
	k, _ := testKernel(t)

	info, err := k.Spawn(model.SpawnRequest{Name: "web", Quantum: 3, Memory: 3*process.PageSize + 1, Program: "sys.yield();"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if info.Name != "web" || info.Quantum != 3 || info.Origin != model.OriginUser {
		t.Errorf("info = %+v", info)
	}
	if info.UsedMemory != 4*process.PageSize {
		t.Errorf("used memory = %d, want %d", info.UsedMemory, 4*process.PageSize)
	}
	if info.State != model.ProcessStateRunnable {
		t.Errorf("state = %s, want RUNNABLE", info.State)
	}
}

func TestSpawn_Validation(t *testing.T) {
	k, _ := testKernel(t)

	_, err := k.Spawn(model.SpawnRequest{Quantum: -1, Program: "if ("})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Spawn error = %v, want *model.APIError", err)
	}
	if apiErr.Code != model.ErrValidation || len(apiErr.Details) != 3 {
		t.Errorf("apiErr = %+v, want 3 validation details", apiErr)
	}
}

func TestSpawn_MemoryLimit(t *testing.T) {
	k, _ := testKernel(t)
	limit := config.DefaultSchedulerConfig().MaxImageMemory

	tests := []struct {
		name    string
		memory  uint64
		wantErr bool
	}{
		{"none", 0, false},
		{"one page", 4096, false},
		{"at limit", limit, false},
		{"over limit", limit + 1, true},
		{"terabyte", 1 << 40, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := k.Sched.Len()
			info, err := k.Spawn(model.SpawnRequest{Name: tt.name, Memory: tt.memory})
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Spawn: %v", err)
				}
				if info.UsedMemory < tt.memory {
					t.Errorf("used memory = %d, want at least %d", info.UsedMemory, tt.memory)
				}
				return
			}
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Spawn error = %v, want *model.APIError", err)
			}
			if len(apiErr.Details) != 1 || apiErr.Details[0].Field != "memory" {
				t.Errorf("details = %+v, want one memory error", apiErr.Details)
			}
			if k.Sched.Len() != before {
				t.Errorf("ring length = %d, want %d", k.Sched.Len(), before)
			}
		})
	}
}

func TestKillAndSignal(t *testing.T) {
	k, _ := testKernel(t)
	a, _ := k.Spawn(model.SpawnRequest{Name: "a"})
	b, _ := k.Spawn(model.SpawnRequest{Name: "b"})

	if err := k.Signal(b.PID, process.SIGUSR1); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := k.Signal(b.PID, process.Signal(99)); !errors.Is(err, process.ErrInvalidSignal) {
		t.Errorf("Signal(99) = %v, want ErrInvalidSignal", err)
	}
	if err := k.Signal(4242, process.SIGTERM); !errors.Is(err, scheduler.ErrNoSuchProcess) {
		t.Errorf("Signal(unknown) = %v, want ErrNoSuchProcess", err)
	}

	killed, err := k.Kill(a.PID)
	if err != nil || !killed {
		t.Fatalf("Kill(a) = %v, %v", killed, err)
	}
	if _, ok := k.Process(a.PID); ok {
		t.Error("killed process still visible")
	}
	if killed, _ := k.Kill(a.PID); killed {
		t.Error("second Kill reported success")
	}

	idle := k.Sched.CurrentProcess()
	if _, err := k.Kill(idle.PID()); !errors.Is(err, ErrIdle) {
		t.Errorf("Kill(idle) = %v, want ErrIdle", err)
	}
}

func TestRunTicksRecordsTrace(t *testing.T) {
	k, st := testKernel(t)
	k.Spawn(model.SpawnRequest{Name: "loop", Program: "state.n = (state.n || 0) + 1; if (state.n > 2) sys.exit();"})

	if err := k.Loop.RunTicks(context.Background(), 6); err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	events, _, err := st.ListEvents(context.Background(), model.ListOptions{RunID: k.RunID(), Kind: model.EventExit})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var exited bool
	for _, ev := range events {
		if ev.FromName == "loop" {
			exited = true
		}
	}
	if !exited {
		t.Error("no exit event for the scripted process")
	}

	k.Shutdown()
	if k.Sched.TaskingEnabled() {
		t.Error("tasking enabled after shutdown")
	}
}
