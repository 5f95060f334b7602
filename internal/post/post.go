// Package post defines the post entity and the lifecycle state machine.
// It has no dependencies on storage or transport; guards operate purely on
// the record passed in.
package post

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPosted    Status = "posted"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPosted, StatusCancelled:
		return true
	}
	return false
}

type ContentKind string

const (
	KindText      ContentKind = "text"
	KindPhoto     ContentKind = "photo"
	KindVideo     ContentKind = "video"
	KindVoice     ContentKind = "voice"
	KindAnimation ContentKind = "animation"
	KindDocument  ContentKind = "document"
	KindVideoNote ContentKind = "video_note"
)

// Media reports whether the kind carries binary content.
func (k ContentKind) Media() bool { return k != KindText }

// Captionable reports whether the transport accepts a caption alongside the
// media. Voice and video notes have no caption model; their text goes out as
// follow-up messages.
func (k ContentKind) Captionable() bool {
	switch k {
	case KindPhoto, KindVideo, KindAnimation, KindDocument:
		return true
	}
	return false
}

func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindVoice, KindAnimation, KindDocument, KindVideoNote:
		return true
	}
	return false
}

// SourceRef points at the originating message so the original content can be
// copied or its media re-fetched.
type SourceRef struct {
	ChatID    int64
	MessageID int
}

// Post is one unit of user-submitted content moving through the lifecycle.
//
// Invariants (enforced by the engine through conditional repository writes):
//   - JobID is non-empty iff Status == StatusScheduled.
//   - Destination is non-zero before any transition into Scheduled or Posted.
//   - AttachmentRef is set at most once and only for media kinds.
type Post struct {
	ID      int64
	OwnerID int64
	Source  SourceRef
	Kind    ContentKind

	Body          string
	AttachmentRef string // local path of the retained media copy; "" if none
	FileID        string // transport file handle for re-fetching; "" if none

	Destination int64 // target channel chat id; 0 until chosen
	Status      Status
	JobID       string

	ScheduledAt time.Time // zero unless Status == StatusScheduled
	CreatedAt   time.Time
}
