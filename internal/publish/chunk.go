package publish

import "strings"

// Default protocol size limits (message text / media caption).
const (
	DefaultTextLimit    = 4096
	DefaultCaptionLimit = 1024
)

// chunkRunes splits s into fixed-length rune slices, preserving order.
// Boundaries are deliberately dumb: this models the protocol size limit,
// not readability. Empty input yields no chunks.
func chunkRunes(s string, limit int) []string {
	if s == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); start += limit {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		out = append(out, string(rs[start:end]))
	}
	return out
}

// splitCaption cuts s into a caption not exceeding captionLimit plus trailing
// overflow chunks bounded by textLimit.
func splitCaption(s string, captionLimit, textLimit int) (caption string, overflow []string) {
	if captionLimit <= 0 {
		captionLimit = DefaultCaptionLimit
	}
	rs := []rune(s)
	if len(rs) <= captionLimit {
		return s, nil
	}
	return string(rs[:captionLimit]), chunkRunes(string(rs[captionLimit:]), textLimit)
}

// render appends the configured footer to the body at publish time.
func render(body, footer string) string {
	body = strings.TrimRight(body, "\n")
	if footer == "" {
		return body
	}
	if body == "" {
		return footer
	}
	return body + "\n\n" + footer
}
