package post

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrMissingDestination = errors.New("destination not set")
	ErrPastFireTime       = errors.New("fire time is in the past")
)

// Event is an external intent applied to a post.
type Event string

const (
	EventChooseDestination Event = "choose_destination"
	EventPublishNow        Event = "publish_now"
	EventSchedule          Event = "schedule"
	EventFire              Event = "fire"
	EventEditBody          Event = "edit_body"
	EventCancel            Event = "cancel"
)

// Next validates ev against p and returns the resulting status.
// It never mutates p; callers apply the result through the repository so the
// status write stays atomic per record.
//
// The cancel/fire race is deliberately not resolved here: a fire callback that
// lost to cancel observes StatusCancelled and must no-op, which the executor
// handles before delivery (not a table violation).
func Next(p *Post, ev Event, at time.Time) (Status, error) {
	if p.Status.Terminal() {
		return p.Status, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, p.Status)
	}

	switch ev {
	case EventChooseDestination:
		if p.Status != StatusDraft {
			return p.Status, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, p.Status)
		}
		return StatusDraft, nil

	case EventPublishNow:
		if p.Status != StatusDraft {
			return p.Status, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, p.Status)
		}
		if p.Destination == 0 {
			return p.Status, ErrMissingDestination
		}
		return StatusPosted, nil

	case EventSchedule:
		if p.Status != StatusDraft {
			return p.Status, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, p.Status)
		}
		if p.Destination == 0 {
			return p.Status, ErrMissingDestination
		}
		if !at.After(time.Now()) {
			return p.Status, ErrPastFireTime
		}
		return StatusScheduled, nil

	case EventFire:
		if p.Status != StatusScheduled {
			return p.Status, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, p.Status)
		}
		return StatusPosted, nil

	case EventEditBody:
		// Any non-terminal state; a scheduled post drops back to draft and
		// its job must be revoked by the caller.
		return StatusDraft, nil

	case EventCancel:
		return StatusCancelled, nil
	}

	return p.Status, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
}
