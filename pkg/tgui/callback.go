package tgui

import (
	"errors"
	"strconv"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
// NOTE: This is the length of the full "action:post_id[:arg]" string.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Callback is a decoded inline-button payload.
type Callback struct {
	Action string
	PostID int64
	Arg    string
}

// Data formats callback data as "action:post_id" or "action:post_id:arg".
// Returns "" when the result would exceed Telegram's limit.
func Data(action string, postID int64, arg string) string {
	s := action + ":" + strconv.FormatInt(postID, 10)
	if arg != "" {
		s += ":" + arg
	}
	if len(s) > MaxCallbackDataLen {
		return ""
	}
	return s
}

// Parse decodes "action:post_id[:arg]". The arg part may itself contain
// colons; everything after the second separator is kept verbatim.
func Parse(data string) (Callback, error) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return Callback{}, errors.New("tgui: malformed callback data")
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Callback{}, errors.New("tgui: malformed callback post id")
	}
	cb := Callback{Action: parts[0], PostID: id}
	if len(parts) == 3 {
		cb.Arg = parts[2]
	}
	return cb, nil
}
