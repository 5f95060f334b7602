package telegram

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/post"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

func (c *Client) SendMedia(ctx context.Context, to transport.ChatTarget, kind post.ContentKind, path, caption string) (transport.MessageRef, error) {
	if err := c.wait(ctx, "send_media"); err != nil {
		return transport.MessageRef{}, err
	}

	var what any
	file := tele.FromDisk(path)
	switch kind {
	case post.KindPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case post.KindVideo:
		what = &tele.Video{File: file, Caption: caption}
	case post.KindAnimation:
		what = &tele.Animation{File: file, Caption: caption}
	case post.KindDocument:
		what = &tele.Document{File: file, Caption: caption, FileName: filepath.Base(path)}
	default:
		return transport.MessageRef{}, &transport.Error{
			Op: "send_media", Transient: false,
			Err: errors.New("kind has no caption model: " + string(kind)),
		}
	}

	msg, err := c.bot.Send(&tele.Chat{ID: to.ChatID}, what)
	if err != nil {
		return transport.MessageRef{}, classify("send_media", err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

// ResolveAttachment downloads the media behind fileID into the media dir,
// reusing an existing local copy when present.
func (c *Client) ResolveAttachment(ctx context.Context, fileID string, kind post.ContentKind) (string, error) {
	if fileID == "" {
		return "", transport.ErrAttachmentUnavailable
	}
	dir := c.cfg.MediaDir
	if dir == "" {
		dir = "media"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fileID+mediaExt(kind))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := c.wait(ctx, "resolve_attachment"); err != nil {
		return "", err
	}
	if err := c.bot.Download(&tele.File{FileID: fileID}, path); err != nil {
		var te *tele.Error
		if errors.As(err, &te) && te.Code < 500 {
			// Expired/oversized file handles surface as 4xx; recoverable.
			c.log.Warn("attachment not served by platform", logx.String("file_id", fileID), logx.Err(err))
			return "", transport.ErrAttachmentUnavailable
		}
		return "", classify("resolve_attachment", err)
	}
	return path, nil
}

func mediaExt(kind post.ContentKind) string {
	switch kind {
	case post.KindPhoto:
		return ".jpg"
	case post.KindVideo, post.KindAnimation, post.KindVideoNote:
		return ".mp4"
	case post.KindVoice:
		return ".ogg"
	default:
		return ".bin"
	}
}
