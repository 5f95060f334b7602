package botui

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/post"
	"postbot/pkg/tgui"
)

const (
	previewRunes = 120
	timeLayout   = "2006-01-02 15:04"
)

func statusLabel(s post.Status) string {
	switch s {
	case post.StatusDraft:
		return "📝 draft"
	case post.StatusScheduled:
		return "⏳ scheduled"
	case post.StatusPosted:
		return "✅ posted"
	case post.StatusCancelled:
		return "🚫 cancelled"
	default:
		return string(s)
	}
}

// renderPost builds the single-post card shown after intake and on view.
func renderPost(p *post.Post) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Post #%d · %s · %s\n", p.ID, p.Kind, statusLabel(p.Status))
	if p.Status == post.StatusScheduled && !p.ScheduledAt.IsZero() {
		fmt.Fprintf(&b, "Fires at %s\n", p.ScheduledAt.Local().Format(timeLayout))
	}
	if p.Destination != 0 {
		fmt.Fprintf(&b, "Destination: %d\n", p.Destination)
	}
	if body := strings.TrimSpace(p.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(tgui.TruncRunes(body, previewRunes))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderList builds one line per post for /drafts, /queue and /history.
func renderList(title string, posts []post.Post) string {
	if len(posts) == 0 {
		return title + ": empty"
	}
	var b strings.Builder
	b.WriteString(title)
	b.WriteString(":\n")
	for _, p := range posts {
		line := fmt.Sprintf("#%d %s [%s]", p.ID, statusLabel(p.Status), p.Kind)
		if p.Status == post.StatusScheduled && !p.ScheduledAt.IsZero() {
			line += " " + p.ScheduledAt.Local().Format(timeLayout)
		}
		if body := strings.TrimSpace(p.Body); body != "" {
			line += ": " + tgui.TruncRunes(body, 40)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseCustomTime accepts "2006-01-02 15:04" or a bare "15:04" meaning today
// (tomorrow if the instant already passed). Local timezone.
func parseCustomTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(timeLayout, s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("15:04", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q, use %q or %q", s, timeLayout, "15:04")
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.Local)
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}
	return at, nil
}

const helpText = `Send me a message (text, photo, video, voice, animation, document or video note) and I will turn it into a draft post.

Commands:
/drafts - your drafts
/queue - scheduled posts
/history - recent posts (last 20)
/help - this message`
