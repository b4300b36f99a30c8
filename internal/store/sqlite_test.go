package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/me/kproc/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleEvents(runID string) []model.Event {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []model.Event{
		{RunID: runID, Tick: 1, Kind: model.EventSwitch, FromPID: 1, FromName: "kidle", ToPID: 3, ToName: "R1", At: at},
		{RunID: runID, Tick: 2, Kind: model.EventSignal, ToPID: 4, ToName: "R2", Signal: 10, Detail: "handler", At: at},
		{RunID: runID, Tick: 4, Kind: model.EventSwitch, FromPID: 3, FromName: "R1", ToPID: 4, ToName: "R2", SignalContext: true, At: at},
		{RunID: runID, Tick: 5, Kind: model.EventReap, FromPID: 5, FromName: "R3", At: at},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := &model.Run{
		ID:           "run_abc",
		Label:        "scenario",
		TickInterval: "10ms",
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := st.GetRun(ctx, "run_abc")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Label != run.Label || got.TickInterval != run.TickInterval || !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("GetRun = %+v, want %+v", got, run)
	}

	if _, err := st.GetRun(ctx, "run_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestRecordAndListEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.RecordEvents(ctx, sampleEvents("run_a")); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}
	if err := st.RecordEvents(ctx, sampleEvents("run_b")[:2]); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}

	events, total, err := st.ListEvents(ctx, model.ListOptions{RunID: "run_a"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if total != 4 || len(events) != 4 {
		t.Fatalf("total=%d len=%d, want 4/4", total, len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("events out of order at %d", i)
		}
	}
	sw := events[2]
	if sw.Kind != model.EventSwitch || !sw.SignalContext || sw.ToName != "R2" || sw.Tick != 4 {
		t.Errorf("event[2] = %+v", sw)
	}
	if events[1].Detail != "handler" || events[1].Signal != 10 {
		t.Errorf("event[1] = %+v", events[1])
	}
}

func TestListEvents_Filters(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.RecordEvents(ctx, sampleEvents("run_a")); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}
	if err := st.RecordEvents(ctx, sampleEvents("run_b")); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}

	tests := []struct {
		name string
		opts model.ListOptions
		want int
	}{
		{"all", model.ListOptions{}, 8},
		{"run", model.ListOptions{RunID: "run_b"}, 4},
		{"kind", model.ListOptions{Kind: model.EventSwitch}, 4},
		{"pid either side", model.ListOptions{RunID: "run_a", PID: 3}, 2},
		{"kind and run", model.ListOptions{RunID: "run_a", Kind: model.EventReap}, 1},
		{"no match", model.ListOptions{RunID: "run_zzz"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, total, err := st.ListEvents(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if total != tt.want {
				t.Errorf("total = %d, want %d", total, tt.want)
			}
		})
	}
}

func TestListEvents_Pagination(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.RecordEvents(ctx, sampleEvents("run_a")); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}

	page, total, err := st.ListEvents(ctx, model.ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if total != 4 || len(page) != 2 {
		t.Fatalf("total=%d len=%d, want 4/2", total, len(page))
	}
	if page[0].Tick != 4 || page[1].Kind != model.EventReap {
		t.Errorf("page = %+v, %+v", page[0], page[1])
	}
}

func TestRecordEvents_Empty(t *testing.T) {
	st := testStore(t)
	if err := st.RecordEvents(context.Background(), nil); err != nil {
		t.Fatalf("RecordEvents(nil): %v", err)
	}
}
