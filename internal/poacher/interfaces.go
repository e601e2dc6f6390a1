package poacher

import (
	"context"
	"io"
	"time"
)

// Lister returns repositories whose identifier is strictly greater than
// cursor, in ascending identifier order.
type Lister interface {
	ListSince(ctx context.Context, cursor int64) ([]Repository, error)
}

// Oracle answers whether an identifier has been assigned. Implementations
// must be monotone: once Exists(k) is false, Exists(k') is false for k' > k.
type Oracle interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// Acquirer fetches a working copy of the repository at url into dest.
// Failures are reported as *TransientError or *PermanentError.
type Acquirer interface {
	Acquire(ctx context.Context, url string, dest string) error
}

// LogSink receives log lines emitted by a Handler.
type LogSink func(msg string)

// Handler processes one discovered repository. path is empty when no working
// copy was acquired. A non-nil error or OutcomeFailed marks the attempt as
// failed and eligible for retry.
type Handler interface {
	Name() string
	Process(ctx context.Context, path string, repo Repository, log LogSink) (Outcome, error)
}

// CheckpointStore persists the session marker. Load returns a zero Marker
// when nothing has been saved yet.
type CheckpointStore interface {
	Load(ctx context.Context) (Marker, error)
	Save(ctx context.Context, marker Marker) error
}

// Publisher pushes discovery notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time and pauses (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
