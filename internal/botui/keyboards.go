package botui

import (
	"fmt"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/engine"
	"postbot/internal/post"
	"postbot/pkg/tgui"
)

// Callback actions carried in inline button payloads ("action:post_id[:arg]").
const (
	actDest   = "dest"
	actNow    = "now"
	actWhen   = "when"
	actCustom = "custom"
	actEdit   = "edit"
	actCancel = "cancel"
	actView   = "view"
)

// destinationKeyboard offers every configured target, two per row.
func destinationKeyboard(postID int64, dests []engine.Destination) *tele.ReplyMarkup {
	btns := make([]tele.Btn, 0, len(dests))
	for _, d := range dests {
		if data := tgui.Data(actDest, postID, d.Name); data != "" {
			btns = append(btns, tgui.Btn(d.Name, data))
		}
	}
	return tgui.Grid(2, btns)
}

// timingKeyboard is shown once a destination is picked: publish now, quick
// delays, custom time, plus edit/cancel.
func timingKeyboard(postID int64, presetMinutes []int) *tele.ReplyMarkup {
	if len(presetMinutes) == 0 {
		presetMinutes = []int{5, 10, 20, 30, 60}
	}
	kb := tgui.NewInline()
	kb.Row(tgui.Btn("Post now", tgui.Data(actNow, postID, "")))

	var delay []tele.Btn
	for _, m := range presetMinutes {
		delay = append(delay, tgui.Btn(
			fmt.Sprintf("+%d min", m),
			tgui.Data(actWhen, postID, fmt.Sprintf("%dm", m)),
		))
		if len(delay) == 3 {
			kb.Row(delay...)
			delay = nil
		}
	}
	if len(delay) > 0 {
		kb.Row(delay...)
	}

	kb.Row(tgui.Btn("Custom time", tgui.Data(actCustom, postID, "")))
	kb.Row(
		tgui.Btn("Edit text", tgui.Data(actEdit, postID, "")),
		tgui.Btn("Cancel", tgui.Data(actCancel, postID, "")),
	)
	return kb.Markup()
}

// postKeyboard renders the actions valid for the post's current status.
func postKeyboard(p *post.Post, presetMinutes []int) *tele.ReplyMarkup {
	switch p.Status {
	case post.StatusDraft:
		if p.Destination == 0 {
			return nil // destination keyboard is attached by the caller
		}
		return timingKeyboard(p.ID, presetMinutes)
	case post.StatusScheduled:
		kb := tgui.NewInline()
		kb.Row(
			tgui.Btn("Edit text", tgui.Data(actEdit, p.ID, "")),
			tgui.Btn("Cancel", tgui.Data(actCancel, p.ID, "")),
		)
		return kb.Markup()
	default:
		return nil
	}
}

// listKeyboard attaches one view button per listed post.
func listKeyboard(posts []post.Post) *tele.ReplyMarkup {
	btns := make([]tele.Btn, 0, len(posts))
	for _, p := range posts {
		btns = append(btns, tgui.Btn(fmt.Sprintf("#%d", p.ID), tgui.Data(actView, p.ID, "")))
	}
	return tgui.Grid(4, btns)
}
