// Package botui is the chat-facing control surface: it turns incoming
// messages and inline-button callbacks into engine intents and renders the
// results back into the chat.
package botui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"postbot/internal/engine"
	"postbot/internal/post"
	"postbot/internal/store"
	"postbot/internal/transport"
	"postbot/pkg/logx"
	"postbot/pkg/tgui"
)

type Config struct {
	// OwnerUserIDs is the allow-list; updates from anyone else are dropped.
	OwnerUserIDs []int64
	// PresetMinutes are the quick-delay buttons. Default [5 10 20 30 60].
	PresetMinutes []int
}

type Router struct {
	eng *engine.Engine
	tr  transport.Client
	log logx.Logger

	mu      sync.RWMutex
	owners  map[int64]bool
	presets []int
}

func New(eng *engine.Engine, tr transport.Client, cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{eng: eng, tr: tr, log: log}
	r.ApplyConfig(cfg)
	return r
}

// ApplyConfig swaps the allow-list and delay presets (config hot reload).
func (r *Router) ApplyConfig(cfg Config) {
	owners := make(map[int64]bool, len(cfg.OwnerUserIDs))
	for _, id := range cfg.OwnerUserIDs {
		owners[id] = true
	}
	r.mu.Lock()
	r.owners = owners
	r.presets = cfg.PresetMinutes
	r.mu.Unlock()
}

func (r *Router) allowed(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[userID]
}

func (r *Router) presetMinutes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presets
}

// Run starts the transport and consumes updates until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	updates := make(chan transport.Update, 64)
	if err := r.tr.Start(ctx, updates); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			switch u.Kind {
			case transport.UpdateMessage:
				if u.Message != nil {
					r.handleMessage(ctx, u.Message)
				}
			case transport.UpdateCallback:
				if u.Callback != nil {
					r.handleCallback(ctx, u.Callback)
				}
			}
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *transport.Message) {
	if !r.allowed(m.FromID) {
		r.log.Debug("update from unlisted user dropped",
			logx.Int64("user_id", m.FromID),
			logx.String("username", m.FromUsername))
		return
	}

	if m.ContentKind == post.KindText && strings.HasPrefix(m.Text, "/") {
		r.handleCommand(ctx, m)
		return
	}

	// A pending session claims the next free-form message.
	if sess, ok := r.eng.TakeSession(m.FromID); ok {
		r.handleSessionInput(ctx, m, sess)
		return
	}

	r.intake(ctx, m)
}

func (r *Router) handleCommand(ctx context.Context, m *transport.Message) {
	cmd := strings.ToLower(strings.Fields(m.Text)[0])
	switch cmd {
	case "/start", "/help":
		r.reply(ctx, m.ChatID, helpText, nil)
	case "/drafts":
		r.sendList(ctx, m, "Drafts", post.StatusDraft)
	case "/queue":
		r.sendList(ctx, m, "Scheduled", post.StatusScheduled)
	case "/history":
		r.sendList(ctx, m, "History", "")
	default:
		r.reply(ctx, m.ChatID, "Unknown command. Try /help.", nil)
	}
}

func (r *Router) sendList(ctx context.Context, m *transport.Message, title string, filter post.Status) {
	posts, err := r.eng.ListPosts(ctx, m.FromID, filter)
	if err != nil {
		r.log.Error("list failed", logx.String("title", title), logx.Err(err))
		r.reply(ctx, m.ChatID, "Could not load the list, try again.", nil)
		return
	}
	opt := &transport.SendOptions{DisablePreview: true}
	if len(posts) > 0 {
		opt.ReplyMarkupAdapter = listKeyboard(posts)
	}
	r.reply(ctx, m.ChatID, renderList(title, posts), opt)
}

// intake turns a submitted message into a draft and offers destinations.
func (r *Router) intake(ctx context.Context, m *transport.Message) {
	kind := m.ContentKind
	if kind == "" {
		kind = post.KindText
	}
	if kind == post.KindText && strings.TrimSpace(m.Text) == "" {
		return
	}

	p, err := r.eng.Create(ctx, engine.CreateInput{
		OwnerID: m.FromID,
		Source:  post.SourceRef{ChatID: m.ChatID, MessageID: m.ID},
		Kind:    kind,
		Body:    m.Text,
		FileID:  m.FileID,
	})
	if err != nil {
		r.log.Error("intake failed", logx.Err(err))
		r.reply(ctx, m.ChatID, "Could not accept that message: "+err.Error(), nil)
		return
	}

	r.reply(ctx, m.ChatID,
		renderPost(p)+"\n\nWhere should this go?",
		&transport.SendOptions{
			DisablePreview:     true,
			ReplyMarkupAdapter: destinationKeyboard(p.ID, r.eng.Destinations()),
		})
}

// handleSessionInput applies a free-form message captured by an earlier
// "edit text" or "custom time" prompt.
func (r *Router) handleSessionInput(ctx context.Context, m *transport.Message, sess engine.Session) {
	switch sess.Kind {
	case engine.SessionEditBody:
		if err := r.eng.EditBody(ctx, sess.PostID, m.FromID, m.Text); err != nil {
			r.reply(ctx, m.ChatID, "Edit failed: "+err.Error(), nil)
			return
		}
		r.sendCard(ctx, m.ChatID, sess.PostID, m.FromID, "Text updated.")
	case engine.SessionCustomTime:
		at, err := parseCustomTime(m.Text, time.Now())
		if err != nil {
			// Re-arm so the owner can just send a corrected value.
			r.eng.StartSession(m.FromID, sess.PostID, engine.SessionCustomTime)
			r.reply(ctx, m.ChatID, err.Error(), nil)
			return
		}
		if err := r.eng.Schedule(ctx, sess.PostID, m.FromID, at); err != nil {
			r.reply(ctx, m.ChatID, "Scheduling failed: "+err.Error(), nil)
			return
		}
		r.sendCard(ctx, m.ChatID, sess.PostID, m.FromID, "Scheduled.")
	default:
		r.log.Warn("unknown session kind dropped", logx.String("kind", string(sess.Kind)))
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	if !r.allowed(cb.FromID) {
		_ = r.tr.AnswerCallback(ctx, cb.ID, "Not allowed")
		return
	}
	dec, err := tgui.Parse(cb.Data)
	if err != nil {
		r.log.Warn("malformed callback", logx.String("data", cb.Data), logx.Err(err))
		_ = r.tr.AnswerCallback(ctx, cb.ID, "")
		return
	}

	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	switch dec.Action {
	case actDest:
		err = r.eng.ChooseDestination(ctx, dec.PostID, cb.FromID, dec.Arg)
		if err == nil {
			r.editCard(ctx, ref, dec.PostID, cb.FromID, "When should it go out?")
		}
		r.answer(ctx, cb.ID, err, "Destination set")

	case actNow:
		err = r.eng.PublishNow(ctx, dec.PostID, cb.FromID)
		if err == nil {
			r.editCard(ctx, ref, dec.PostID, cb.FromID, "")
		}
		r.answer(ctx, cb.ID, err, "Published")

	case actWhen:
		var d time.Duration
		d, err = time.ParseDuration(dec.Arg)
		if err == nil {
			_, err = r.eng.ScheduleIn(ctx, dec.PostID, cb.FromID, d)
		}
		if err == nil {
			r.editCard(ctx, ref, dec.PostID, cb.FromID, "")
		}
		r.answer(ctx, cb.ID, err, "Scheduled")

	case actCustom:
		r.eng.StartSession(cb.FromID, dec.PostID, engine.SessionCustomTime)
		r.reply(ctx, cb.ChatID,
			"Send the fire time as \"2006-01-02 15:04\" or just \"15:04\" for today.", nil)
		_ = r.tr.AnswerCallback(ctx, cb.ID, "")

	case actEdit:
		r.eng.StartSession(cb.FromID, dec.PostID, engine.SessionEditBody)
		r.reply(ctx, cb.ChatID, "Send the new text.", nil)
		_ = r.tr.AnswerCallback(ctx, cb.ID, "")

	case actCancel:
		err = r.eng.Cancel(ctx, dec.PostID, cb.FromID)
		if err == nil {
			r.editCard(ctx, ref, dec.PostID, cb.FromID, "")
		}
		r.answer(ctx, cb.ID, err, "Cancelled")

	case actView:
		r.sendCard(ctx, cb.ChatID, dec.PostID, cb.FromID, "")
		_ = r.tr.AnswerCallback(ctx, cb.ID, "")

	default:
		r.log.Warn("unknown callback action", logx.String("action", dec.Action))
		_ = r.tr.AnswerCallback(ctx, cb.ID, "")
	}
}

// answer acknowledges a callback with either the success text or a short
// error surface.
func (r *Router) answer(ctx context.Context, callbackID string, err error, okText string) {
	if err == nil {
		_ = r.tr.AnswerCallback(ctx, callbackID, okText)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = r.tr.AnswerCallback(ctx, callbackID, "Post not found")
	case errors.Is(err, post.ErrInvalidTransition):
		_ = r.tr.AnswerCallback(ctx, callbackID, "Not possible in the current state")
	case errors.Is(err, post.ErrMissingDestination):
		_ = r.tr.AnswerCallback(ctx, callbackID, "Pick a destination first")
	case errors.Is(err, post.ErrPastFireTime):
		_ = r.tr.AnswerCallback(ctx, callbackID, "That time is in the past")
	default:
		r.log.Error("callback action failed", logx.Err(err))
		_ = r.tr.AnswerCallback(ctx, callbackID, "Something went wrong, try again")
	}
}

// sendCard sends a fresh post card with status-appropriate buttons.
func (r *Router) sendCard(ctx context.Context, chatID, postID, ownerID int64, note string) {
	p, err := r.eng.Get(ctx, postID, ownerID)
	if err != nil {
		r.reply(ctx, chatID, "Post not found.", nil)
		return
	}
	text := renderPost(p)
	if note != "" {
		text += "\n\n" + note
	}
	opt := &transport.SendOptions{DisablePreview: true}
	if p.Status == post.StatusDraft && p.Destination == 0 {
		opt.ReplyMarkupAdapter = destinationKeyboard(p.ID, r.eng.Destinations())
	} else if kb := postKeyboard(p, r.presetMinutes()); kb != nil {
		opt.ReplyMarkupAdapter = kb
	}
	r.reply(ctx, chatID, text, opt)
}

// editCard rewrites the originating menu message in place after an action.
func (r *Router) editCard(ctx context.Context, ref transport.MessageRef, postID, ownerID int64, note string) {
	p, err := r.eng.Get(ctx, postID, ownerID)
	if err != nil {
		return
	}
	text := renderPost(p)
	if note != "" {
		text += "\n\n" + note
	}
	opt := &transport.SendOptions{DisablePreview: true}
	if p.Status == post.StatusDraft && p.Destination == 0 {
		opt.ReplyMarkupAdapter = destinationKeyboard(p.ID, r.eng.Destinations())
	} else if kb := postKeyboard(p, r.presetMinutes()); kb != nil {
		opt.ReplyMarkupAdapter = kb
	}
	if err := r.tr.EditText(ctx, ref, text, opt); err != nil {
		r.log.Debug("menu edit failed", logx.Err(err))
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if opt == nil {
		opt = &transport.SendOptions{DisablePreview: true}
	}
	if _, err := r.tr.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		r.log.Error("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
