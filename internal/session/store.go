package session

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when saving an id that is already stored
	ErrSessionExists = errors.New("session already exists")
)

// Store persists completed sessions
type Store interface {
	Save(ctx context.Context, s CompletedSession) error
	// List returns previews, most recent start time first
	List(ctx context.Context) ([]SummaryPreview, error)
	Get(ctx context.Context, id string) (CompletedSession, error)
	Delete(ctx context.Context, id string) error
	// Export renders a stored session; the format is checked before the lookup
	Export(ctx context.Context, id string, format Format) ([]byte, error)
	Close() error
}

// Checkpointer is implemented by stores that can hold a snapshot of the
// session currently running, for recovery after a crash.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, s CompletedSession) error
	// LoadCheckpoint reports false when no checkpoint exists
	LoadCheckpoint(ctx context.Context) (CompletedSession, bool, error)
	ClearCheckpoint(ctx context.Context) error
}

type getter interface {
	Get(ctx context.Context, id string) (CompletedSession, error)
}

func exportFrom(ctx context.Context, g getter, id string, format Format) ([]byte, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	s, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Encode(s, format)
}
