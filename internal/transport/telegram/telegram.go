// Package telegram implements the transport.Client boundary on top of
// telebot's long-polling API.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/post"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	MediaDir    string
	// SendRatePerSec caps outbound API calls (Telegram flood protection).
	SendRatePerSec int
}

type Client struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- transport.Update)
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	done    chan struct{}

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 25
	}
	c := &Client{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Update
	c.out.Store(nilOut)
	c.registerHandlers()
	return c, nil
}

func (c *Client) registerHandlers() {
	onMsg := func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		kind, fileID := classifyContent(m)
		if kind == "" {
			return nil // unsupported content type, ignore
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		c.sendUpdate(transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         text,
				ContentKind:  kind,
				FileID:       fileID,
			},
		})
		return nil
	}

	for _, ev := range []string{
		tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnVoice,
		tele.OnAnimation, tele.OnDocument, tele.OnVideoNote,
	} {
		c.bot.Handle(ev, onMsg)
	}

	c.bot.Handle(tele.OnCallback, func(tc tele.Context) error {
		cb := tc.Callback()
		m := tc.Message()
		if cb == nil || m == nil {
			return nil
		}
		c.sendUpdate(transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
				// Telebot prefixes callback data with "\f"; strip it.
				Data: strings.TrimPrefix(cb.Data, "\f"),
			},
		})
		return nil
	})
}

func classifyContent(m *tele.Message) (post.ContentKind, string) {
	switch {
	case m.Photo != nil:
		return post.KindPhoto, m.Photo.FileID
	case m.Video != nil:
		return post.KindVideo, m.Video.FileID
	case m.Voice != nil:
		return post.KindVoice, m.Voice.FileID
	case m.Animation != nil:
		return post.KindAnimation, m.Animation.FileID
	case m.Document != nil:
		return post.KindDocument, m.Document.FileID
	case m.VideoNote != nil:
		return post.KindVideoNote, m.VideoNote.FileID
	case m.Text != "":
		return post.KindText, ""
	}
	return "", ""
}

func (c *Client) sendUpdate(up transport.Update) {
	v := c.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&c.droppedUpdates, 1)
	}
}

func (c *Client) Start(ctx context.Context, out chan<- transport.Update) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.out.Store(out)
	c.done = make(chan struct{})
	done := c.done
	c.runMu.Unlock()

	go func() {
		<-ctx.Done()
		c.bot.Stop()
	}()

	// Telebot's Start() blocks until Stop(). In some failure modes it can
	// exit unexpectedly; restart with backoff while the context is live.
	go func() {
		defer close(done)
		backoff := 500 * time.Millisecond
		for {
			c.log.Info("polling started")
			c.bot.Start()
			c.log.Info("polling stopped")
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&c.droppedUpdates, 0); n > 0 {
					c.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
				}
			}
		}
	}()

	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	wasRunning := c.running
	c.running = false
	done := c.done
	var nilOut chan<- transport.Update
	c.out.Store(nilOut)
	c.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	// telebot Stop is expected to be fast; run it async just in case.
	go c.bot.Stop()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("telegram stop timed out")
		case <-time.After(2 * time.Second):
			c.log.Warn("telegram stop grace expired")
		}
	}
	return nil
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &transport.Error{Op: op, Transient: true, Err: err}
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if err := c.wait(ctx, "send_text"); err != nil {
		return transport.MessageRef{}, err
	}
	sendOpt := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		sendOpt.ReplyMarkup = rm
	}
	msg, err := c.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpt)
	if err != nil {
		return transport.MessageRef{}, classify("send_text", err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (c *Client) CopyOriginal(ctx context.Context, to transport.ChatTarget, src post.SourceRef) (transport.MessageRef, error) {
	if err := c.wait(ctx, "copy_original"); err != nil {
		return transport.MessageRef{}, err
	}
	stored := tele.StoredMessage{
		MessageID: strconv.Itoa(src.MessageID),
		ChatID:    src.ChatID,
	}
	msg, err := c.bot.Copy(&tele.Chat{ID: to.ChatID}, stored)
	if err != nil {
		return transport.MessageRef{}, classify("copy_original", err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (c *Client) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if err := c.wait(ctx, "edit_text"); err != nil {
		return err
	}
	sendOpt := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		sendOpt.ReplyMarkup = rm
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := c.bot.Edit(m, text, sendOpt); err != nil {
		return classify("edit_text", err)
	}
	return nil
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := c.wait(ctx, "answer_callback"); err != nil {
		return err
	}
	err := c.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	if err != nil {
		return classify("answer_callback", err)
	}
	return nil
}

// classify wraps telebot errors into transport.Error with a transient flag.
func classify(op string, err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.Error{Op: op, Transient: true, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return &transport.Error{Op: op, Transient: te.Code >= 500, Err: err}
	}
	// Anything else is client-side (network, context): retryable.
	return &transport.Error{Op: op, Transient: true, Err: err}
}
