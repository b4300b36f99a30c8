package store

import (
	"context"
	"errors"

	"github.com/me/kproc/pkg/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence layer for scheduler traces.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// Trace events
	RecordEvents(ctx context.Context, events []model.Event) error
	ListEvents(ctx context.Context, opts model.ListOptions) ([]*model.Event, int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
