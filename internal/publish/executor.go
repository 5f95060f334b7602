// Package publish performs content-aware delivery of a post and finalizes
// its lifecycle state.
package publish

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"postbot/internal/post"
	"postbot/internal/store"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

type Config struct {
	Footer       string
	TextLimit    int
	CaptionLimit int
}

func (c Config) withDefaults() Config {
	if c.TextLimit <= 0 {
		c.TextLimit = DefaultTextLimit
	}
	if c.CaptionLimit <= 0 {
		c.CaptionLimit = DefaultCaptionLimit
	}
	return c
}

type Executor struct {
	st  store.Store
	tr  transport.Client
	log logx.Logger

	mu  sync.RWMutex
	cfg Config

	// OnDegraded is an observability hook invoked when a media post falls
	// back to text-only delivery. Optional.
	OnDegraded func(postID int64)
}

func New(st store.Store, tr transport.Client, cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{st: st, tr: tr, cfg: cfg.withDefaults(), log: log}
}

// SetConfig swaps footer/limits at runtime (config hot-reload).
func (e *Executor) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Execute delivers the post and transitions it to posted.
//
// A post observed in a terminal state is a silent no-op: this is how a fire
// callback that lost the race against cancel resolves. On transport failure
// the post keeps its pre-publish state and the error goes to the caller;
// posted is written only after the transport accepted every piece.
func (e *Executor) Execute(ctx context.Context, postID int64) error {
	p, err := e.st.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	log := e.log.With(logx.Int64("post_id", p.ID))

	if p.Status.Terminal() {
		log.Debug("skipping delivery of terminal post", logx.String("status", string(p.Status)))
		return nil
	}
	if p.Destination == 0 {
		// Misconfiguration, not a transition: leave the record untouched
		// for manual intervention.
		log.Error("post has no destination at publish time", logx.String("status", string(p.Status)))
		return post.ErrMissingDestination
	}

	cfg := e.config()
	target := transport.ChatTarget{ChatID: p.Destination}
	rendered := render(p.Body, cfg.Footer)

	switch {
	case p.Kind == post.KindText:
		err = e.sendTextChunks(ctx, target, rendered, cfg.TextLimit)
	case p.Kind.Captionable():
		err = e.deliverMedia(ctx, log, p, target, rendered, cfg)
	default:
		// No caption model (voice, video note): raw content first, body after.
		if _, cerr := e.tr.CopyOriginal(ctx, target, p.Source); cerr != nil {
			err = cerr
		} else {
			err = e.sendTextChunks(ctx, target, rendered, cfg.TextLimit)
		}
	}
	if err != nil {
		log.Warn("delivery failed, post left in pre-publish state",
			logx.Bool("transient", transport.IsTransient(err)), logx.Err(err))
		return err
	}

	return e.finalize(ctx, log, p)
}

func (e *Executor) deliverMedia(ctx context.Context, log logx.Logger, p *post.Post, target transport.ChatTarget, rendered string, cfg Config) error {
	path, err := e.liveAttachment(ctx, p)
	if errors.Is(err, transport.ErrAttachmentUnavailable) {
		// Mandatory fallback: the post still goes out, as pure text.
		log.Warn("attachment unavailable, degrading to text-only delivery",
			logx.String("kind", string(p.Kind)))
		if e.OnDegraded != nil {
			e.OnDegraded(p.ID)
		}
		_ = e.st.AppendAudit(ctx, store.AuditEntry{PostID: p.ID, Action: "degraded", Detail: "attachment unavailable"})
		return e.sendTextChunks(ctx, target, rendered, cfg.TextLimit)
	}
	if err != nil {
		return err
	}

	caption, overflow := splitCaption(rendered, cfg.CaptionLimit, cfg.TextLimit)
	if _, err := e.tr.SendMedia(ctx, target, p.Kind, path, caption); err != nil {
		return err
	}
	for _, chunk := range overflow {
		if _, err := e.tr.SendText(ctx, target, chunk, nil); err != nil {
			return err
		}
	}
	return nil
}

// liveAttachment returns a usable local media path, re-fetching from the
// transport when the retained copy disappeared.
func (e *Executor) liveAttachment(ctx context.Context, p *post.Post) (string, error) {
	if p.AttachmentRef != "" {
		if _, err := os.Stat(p.AttachmentRef); err == nil {
			return p.AttachmentRef, nil
		}
	}
	return e.tr.ResolveAttachment(ctx, p.FileID, p.Kind)
}

func (e *Executor) sendTextChunks(ctx context.Context, target transport.ChatTarget, rendered string, limit int) error {
	for _, chunk := range chunkRunes(rendered, limit) {
		if _, err := e.tr.SendText(ctx, target, chunk, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) finalize(ctx context.Context, log logx.Logger, p *post.Post) error {
	posted := post.StatusPosted
	empty := ""
	var zero time.Time
	// Conditional on the exact status observed at load: a cancel or an edit
	// demotion that landed mid-delivery must not be overwritten to posted.
	applied, err := e.st.UpdatePostIfStatus(ctx, p.ID,
		[]post.Status{p.Status},
		store.PostUpdate{Status: &posted, JobID: &empty, ScheduledAt: &zero})
	if err != nil {
		return err
	}
	if !applied {
		// Delivery ran to completion (no mid-send abort), but the record
		// moved on; the concurrent write wins the bookkeeping.
		log.Warn("post state changed during delivery; not marking posted",
			logx.String("loaded_status", string(p.Status)))
		return nil
	}
	_ = e.st.AppendAudit(ctx, store.AuditEntry{PostID: p.ID, Action: "posted", Detail: string(p.Kind)})
	log.Info("post delivered", logx.Int64("destination", p.Destination), logx.String("kind", string(p.Kind)))
	return nil
}
