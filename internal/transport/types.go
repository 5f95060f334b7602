// Package transport defines the narrow chat-transport boundary the engine
// talks through. The Telegram implementation lives in transport/telegram.
package transport

import (
	"context"

	"postbot/internal/post"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is an incoming submission. Text carries either the message text or
// the media caption; FileID is the platform handle of attached media.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	ContentKind  post.ContentKind
	FileID       string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Client is the chat-transport collaborator.
//
// Send failures are wrapped in *Error so callers can distinguish transient
// conditions (retry) from permanent rejections.
type Client interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendMedia delivers a locally retained media file with a caption.
	// Only captionable kinds are valid here.
	SendMedia(ctx context.Context, to ChatTarget, kind post.ContentKind, path, caption string) (MessageRef, error)
	// CopyOriginal re-sends the original message content to the target
	// without a forward header.
	CopyOriginal(ctx context.Context, to ChatTarget, src post.SourceRef) (MessageRef, error)
	// ResolveAttachment downloads the media behind fileID into the local
	// media dir and returns its path. Returns ErrAttachmentUnavailable when
	// the platform no longer serves the file.
	ResolveAttachment(ctx context.Context, fileID string, kind post.ContentKind) (string, error)

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
