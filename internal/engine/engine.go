// Package engine binds external intents to the post lifecycle: it loads and
// mutates records, applies state-machine transitions, and hands delivery to
// the executor either directly or through the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postbot/internal/post"
	"postbot/internal/publish"
	"postbot/internal/scheduler"
	"postbot/internal/store"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

type Config struct {
	Footer       string
	TextLimit    int
	CaptionLimit int
	Destinations map[string]int64

	SessionTTL   time.Duration
	RetryMax     int
	RetryBackoff time.Duration
}

// Destination is a configured delivery target offered to the submitter.
type Destination struct {
	Name   string
	ChatID int64
}

type Engine struct {
	st    store.Store
	tr    transport.Client
	sched *scheduler.Service
	exec  *publish.Executor
	log   logx.Logger

	mu           sync.RWMutex
	dests        map[string]int64
	retryMax     int
	retryBackoff time.Duration

	// attempts tracks transient-failure retries per post for deferred
	// publishes; reset on success, cancel, or demotion.
	attemptsMu sync.Mutex
	attempts   map[int64]int

	sessions *sessionStore
}

func New(st store.Store, tr transport.Client, sched *scheduler.Service, exec *publish.Executor, cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		st:       st,
		tr:       tr,
		sched:    sched,
		exec:     exec,
		log:      log,
		attempts: map[int64]int{},
		sessions: newSessionStore(cfg.SessionTTL),
	}
	e.applyConfigLocked(cfg)
	sched.SetExecutor(e.fireJob)
	sched.AddSweep("recover_scheduled", e.recoverScheduled)
	sched.AddSweep("expire_sessions", func(ctx context.Context) {
		if n := e.sessions.expire(time.Now()); n > 0 {
			e.log.Debug("expired input sessions", logx.Int("count", n))
		}
	})
	return e
}

// ApplyConfig swaps hot-reloadable policy (footer, destinations, limits).
func (e *Engine) ApplyConfig(cfg Config) {
	e.mu.Lock()
	e.applyConfigLocked(cfg)
	e.mu.Unlock()
	e.sessions.setTTL(cfg.SessionTTL)
}

func (e *Engine) applyConfigLocked(cfg Config) {
	dests := make(map[string]int64, len(cfg.Destinations))
	for name, id := range cfg.Destinations {
		dests[name] = id
	}
	e.dests = dests
	e.retryMax = cfg.RetryMax
	if e.retryMax <= 0 {
		e.retryMax = 3
	}
	e.retryBackoff = cfg.RetryBackoff
	if e.retryBackoff <= 0 {
		e.retryBackoff = 30 * time.Second
	}
	e.exec.SetConfig(publish.Config{
		Footer:       cfg.Footer,
		TextLimit:    cfg.TextLimit,
		CaptionLimit: cfg.CaptionLimit,
	})
}

// Destinations returns the configured targets, sorted by name for stable menus.
func (e *Engine) Destinations() []Destination {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Destination, 0, len(e.dests))
	for name, id := range e.dests {
		out = append(out, Destination{Name: name, ChatID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateInput captures one submitted message.
type CreateInput struct {
	OwnerID int64
	Source  post.SourceRef
	Kind    post.ContentKind
	Body    string
	FileID  string
}

// Create intakes content as a new draft. For media kinds it retains a local
// copy of the attachment; a failed download is not fatal (publish-time
// fallback covers it).
func (e *Engine) Create(ctx context.Context, in CreateInput) (*post.Post, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("unsupported content kind %q", in.Kind)
	}
	p := &post.Post{
		OwnerID: in.OwnerID,
		Source:  in.Source,
		Kind:    in.Kind,
		Body:    in.Body,
		FileID:  in.FileID,
		Status:  post.StatusDraft,
	}
	if _, err := e.st.CreatePost(ctx, p); err != nil {
		return nil, err
	}

	if in.Kind.Media() && in.FileID != "" {
		path, err := e.tr.ResolveAttachment(ctx, in.FileID, in.Kind)
		if err != nil {
			e.log.Warn("media retention failed at intake",
				logx.Int64("post_id", p.ID), logx.Err(err))
		} else {
			if uerr := e.st.UpdatePost(ctx, p.ID, store.PostUpdate{AttachmentRef: &path}); uerr == nil {
				p.AttachmentRef = path
			}
		}
	}

	_ = e.st.AppendAudit(ctx, store.AuditEntry{PostID: p.ID, Actor: in.OwnerID, Action: "created", Detail: string(in.Kind)})
	e.log.Info("post created",
		logx.Int64("post_id", p.ID),
		logx.Int64("owner_id", in.OwnerID),
		logx.String("kind", string(in.Kind)))
	return p, nil
}

// Get loads a post, hiding other owners' records behind ErrNotFound.
func (e *Engine) Get(ctx context.Context, postID, ownerID int64) (*post.Post, error) {
	p, err := e.st.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// ListPosts returns the owner's posts, newest first, one page of 20.
func (e *Engine) ListPosts(ctx context.Context, ownerID int64, filter post.Status) ([]post.Post, error) {
	return e.st.ListByOwner(ctx, ownerID, filter, 20)
}

// ChooseDestination resolves the named target onto the draft.
func (e *Engine) ChooseDestination(ctx context.Context, postID, ownerID int64, name string) error {
	e.mu.RLock()
	chatID, ok := e.dests[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown destination %q", name)
	}

	p, err := e.Get(ctx, postID, ownerID)
	if err != nil {
		return err
	}
	if _, err := post.Next(p, post.EventChooseDestination, time.Time{}); err != nil {
		return err
	}

	applied, err := e.st.UpdatePostIfStatus(ctx, postID,
		[]post.Status{post.StatusDraft},
		store.PostUpdate{Destination: &chatID})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: choose_destination from %s", post.ErrInvalidTransition, p.Status)
	}
	return nil
}

// PublishNow delivers the draft synchronously.
func (e *Engine) PublishNow(ctx context.Context, postID, ownerID int64) error {
	p, err := e.Get(ctx, postID, ownerID)
	if err != nil {
		return err
	}
	if _, err := post.Next(p, post.EventPublishNow, time.Time{}); err != nil {
		return err
	}
	// The executor performs the terminal write after confirmed delivery.
	return e.exec.Execute(ctx, postID)
}

// Schedule registers a deferred publish at the given instant.
func (e *Engine) Schedule(ctx context.Context, postID, ownerID int64, at time.Time) error {
	p, err := e.Get(ctx, postID, ownerID)
	if err != nil {
		return err
	}
	if _, err := post.Next(p, post.EventSchedule, at); err != nil {
		return err
	}

	jobID := uuid.NewString()
	scheduled := post.StatusScheduled
	applied, err := e.st.UpdatePostIfStatus(ctx, postID,
		[]post.Status{post.StatusDraft},
		store.PostUpdate{Status: &scheduled, JobID: &jobID, ScheduledAt: &at})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: schedule from %s", post.ErrInvalidTransition, p.Status)
	}

	// Record first, then arm: an overdue timer firing instantly must already
	// observe the scheduled record.
	if err := e.sched.Schedule(at, jobID, postID); err != nil {
		draft := post.StatusDraft
		empty := ""
		var zero time.Time
		_, _ = e.st.UpdatePostIfStatus(ctx, postID,
			[]post.Status{post.StatusScheduled},
			store.PostUpdate{Status: &draft, JobID: &empty, ScheduledAt: &zero})
		return err
	}

	_ = e.st.AppendAudit(ctx, store.AuditEntry{PostID: postID, Actor: ownerID, Action: "scheduled", Detail: at.Format(time.RFC3339)})
	e.log.Info("post scheduled",
		logx.Int64("post_id", postID),
		logx.String("job_id", jobID),
		logx.Time("fire_at", at))
	return nil
}

// ScheduleIn is Schedule relative to now.
func (e *Engine) ScheduleIn(ctx context.Context, postID, ownerID int64, d time.Duration) (time.Time, error) {
	at := time.Now().Add(d)
	return at, e.Schedule(ctx, postID, ownerID, at)
}

// EditBody replaces the text and forces the post back to draft, revoking any
// outstanding job.
func (e *Engine) EditBody(ctx context.Context, postID, ownerID int64, body string) error {
	p, err := e.Get(ctx, postID, ownerID)
	if err != nil {
		return err
	}
	if _, err := post.Next(p, post.EventEditBody, time.Time{}); err != nil {
		return err
	}

	if p.JobID != "" {
		e.sched.Cancel(p.JobID)
	}
	draft := post.StatusDraft
	empty := ""
	var zero time.Time
	applied, err := e.st.UpdatePostIfStatus(ctx, postID,
		[]post.Status{post.StatusDraft, post.StatusScheduled},
		store.PostUpdate{Body: &body, Status: &draft, JobID: &empty, ScheduledAt: &zero})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: edit_body raced a terminal write", post.ErrInvalidTransition)
	}
	e.clearAttempts(postID)
	_ = e.st.AppendAudit(ctx, store.AuditEntry{PostID: postID, Actor: ownerID, Action: "edited"})
	return nil
}

// Cancel revokes any outstanding job, then writes the terminal state. The
// revoke-first order means a lost race leaves at worst a harmless callback
// that re-checks status and does nothing.
func (e *Engine) Cancel(ctx context.Context, postID, ownerID int64) error {
	p, err := e.Get(ctx, postID, ownerID)
	if err != nil {
		return err
	}
	if _, err := post.Next(p, post.EventCancel, time.Time{}); err != nil {
		return err
	}

	if p.JobID != "" {
		e.sched.Cancel(p.JobID)
	}
	cancelled := post.StatusCancelled
	empty := ""
	var zero time.Time
	applied, err := e.st.UpdatePostIfStatus(ctx, postID,
		[]post.Status{post.StatusDraft, post.StatusScheduled},
		store.PostUpdate{Status: &cancelled, JobID: &empty, ScheduledAt: &zero})
	if err != nil {
		return err
	}
	if !applied {
		// The fire callback won the race and the post went out.
		return fmt.Errorf("%w: post already reached a terminal state", post.ErrInvalidTransition)
	}
	e.clearAttempts(postID)
	e.sessions.clear(ownerID)
	_ = e.st.AppendAudit(ctx, store.AuditEntry{PostID: postID, Actor: ownerID, Action: "cancelled"})
	e.log.Info("post cancelled", logx.Int64("post_id", postID))
	return nil
}

// ---- sessions (multi-step input) ----

func (e *Engine) StartSession(ownerID, postID int64, kind SessionKind) {
	e.sessions.start(ownerID, postID, kind)
}

func (e *Engine) TakeSession(ownerID int64) (Session, bool) {
	return e.sessions.take(ownerID)
}

// ---- deferred execution ----

// fireJob is the scheduler callback. Errors never propagate past here: they
// are either retried, demoted, or logged. The owner hears about the final
// outcome in the chat the post came from.
func (e *Engine) fireJob(ctx context.Context, jobID string, postID int64) {
	err := e.exec.Execute(ctx, postID)
	if err == nil {
		e.clearAttempts(postID)
		// Execute also no-ops on posts that went terminal while the timer
		// was pending; only an actual delivery is announced.
		if p, gerr := e.st.GetPost(ctx, postID); gerr == nil && p.Status == post.StatusPosted {
			e.notifyOwner(ctx, p.Source.ChatID,
				fmt.Sprintf("Post #%d has been published.", postID))
		}
		return
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, post.ErrMissingDestination) {
		// Missing destination leaves the record scheduled for manual
		// intervention; nothing further to drive here.
		e.log.Error("deferred publish unrecoverable", logx.Int64("post_id", postID), logx.Err(err))
		return
	}

	if transport.IsTransient(err) {
		attempt := e.bumpAttempts(postID)
		e.mu.RLock()
		maxAttempts := e.retryMax
		backoff := e.retryBackoff
		e.mu.RUnlock()
		if attempt <= maxAttempts {
			at := time.Now().Add(time.Duration(attempt) * backoff)
			newJob := uuid.NewString()
			applied, uerr := e.st.UpdatePostIfStatus(ctx, postID,
				[]post.Status{post.StatusScheduled},
				store.PostUpdate{JobID: &newJob, ScheduledAt: &at})
			if uerr == nil && applied {
				if serr := e.sched.Schedule(at, newJob, postID); serr == nil {
					e.log.Warn("deferred publish failed, retrying",
						logx.Int64("post_id", postID),
						logx.Int("attempt", attempt),
						logx.Time("next_try", at),
						logx.Err(err))
					return
				}
			}
		}
	}

	// Permanent rejection or retries exhausted: demote to draft so the
	// owner can fix and re-submit. Never a silent drop.
	draft := post.StatusDraft
	empty := ""
	var zero time.Time
	_, _ = e.st.UpdatePostIfStatus(ctx, postID,
		[]post.Status{post.StatusScheduled},
		store.PostUpdate{Status: &draft, JobID: &empty, ScheduledAt: &zero})
	e.clearAttempts(postID)
	_ = e.st.AppendAudit(ctx, store.AuditEntry{PostID: postID, Action: "publish_failed", Detail: err.Error()})
	e.log.Error("deferred publish failed permanently, post demoted to draft",
		logx.Int64("post_id", postID), logx.Err(err))
	if p, gerr := e.st.GetPost(ctx, postID); gerr == nil {
		e.notifyOwner(ctx, p.Source.ChatID,
			fmt.Sprintf("Post #%d could not be published and was moved back to drafts: %v", postID, err))
	}
}

// notifyOwner reports a deferred-publish outcome to the chat the post was
// submitted from. Best effort: a failed notification is only logged.
func (e *Engine) notifyOwner(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := e.tr.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		e.log.Warn("owner notification failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// recoverScheduled re-arms timers for scheduled posts after a restart and
// repairs records whose job bookkeeping is inconsistent.
func (e *Engine) recoverScheduled(ctx context.Context) {
	posts, err := e.st.ListScheduled(ctx)
	if err != nil {
		e.log.Error("recovery sweep failed", logx.Err(err))
		return
	}
	for i := range posts {
		p := &posts[i]
		if p.JobID == "" {
			// Scheduled without a job violates the invariant; repair.
			draft := post.StatusDraft
			var zero time.Time
			_, _ = e.st.UpdatePostIfStatus(ctx, p.ID,
				[]post.Status{post.StatusScheduled},
				store.PostUpdate{Status: &draft, ScheduledAt: &zero})
			e.log.Warn("scheduled post without job id demoted to draft", logx.Int64("post_id", p.ID))
			continue
		}
		if e.sched.Has(p.JobID) {
			continue
		}
		at := p.ScheduledAt
		if at.IsZero() {
			at = time.Now()
		}
		if err := e.sched.Schedule(at, p.JobID, p.ID); err != nil && !errors.Is(err, scheduler.ErrJobExists) {
			e.log.Error("failed to re-arm scheduled post", logx.Int64("post_id", p.ID), logx.Err(err))
			continue
		}
		e.log.Info("re-armed scheduled post",
			logx.Int64("post_id", p.ID),
			logx.String("job_id", p.JobID),
			logx.Time("fire_at", at))
	}
}

func (e *Engine) bumpAttempts(postID int64) int {
	e.attemptsMu.Lock()
	defer e.attemptsMu.Unlock()
	e.attempts[postID]++
	return e.attempts[postID]
}

func (e *Engine) clearAttempts(postID int64) {
	e.attemptsMu.Lock()
	delete(e.attempts, postID)
	e.attemptsMu.Unlock()
}
