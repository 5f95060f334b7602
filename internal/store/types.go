package store

import (
	"context"
	"errors"
	"time"

	"postbot/internal/post"
)

var ErrNotFound = errors.New("post not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// PostUpdate is a partial update; nil fields are left untouched.
//
// JobID and ScheduledAt use pointers so callers can clear them explicitly
// (pointer to the zero value) as opposed to leaving them alone (nil).
type PostUpdate struct {
	Body          *string
	AttachmentRef *string
	Destination   *int64
	Status        *post.Status
	JobID         *string
	ScheduledAt   *time.Time
}

// AuditEntry records one lifecycle event. Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	PostID int64
	Actor  int64 // 0 for system-initiated events (scheduler fire, recovery)
	Action string
	Detail string
}

// Store is the persistence API used by the engine and executor.
type Store interface {
	CreatePost(ctx context.Context, p *post.Post) (int64, error)
	GetPost(ctx context.Context, id int64) (*post.Post, error)
	UpdatePost(ctx context.Context, id int64, upd PostUpdate) error
	// UpdatePostIfStatus applies upd only when the current status is one of
	// from. It reports whether the write happened.
	UpdatePostIfStatus(ctx context.Context, id int64, from []post.Status, upd PostUpdate) (bool, error)
	// ListByOwner returns the owner's posts, most recent first, bounded to
	// limit. An empty statusFilter means all statuses.
	ListByOwner(ctx context.Context, ownerID int64, statusFilter post.Status, limit int) ([]post.Post, error)
	// ListScheduled returns every post in the scheduled state, used by the
	// recovery sweep to re-arm timers after a restart.
	ListScheduled(ctx context.Context) ([]post.Post, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
