// Package caption turns the recognizer's revisable hypothesis stream into a
// live caption line and an append-only transcript.
package caption

import (
	"strings"
	"unicode/utf8"

	"subtitle/transcriber"
)

const (
	// PauseGap is the silence between two segments that counts as a
	// sentence boundary even without punctuation.
	PauseGap = 0.6

	tailMaxSegments = 20
	tailMaxChars    = 160
)

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '?', '!', '。', '？', '！', '…':
		return true
	}
	return false
}

// ExtractTrailingSentence returns the sentence the utterance is currently
// in: the text after the last punctuation or pause boundary, or a bounded
// tail when the utterance has no boundary yet.
func ExtractTrailingSentence(r transcriber.Result) string {
	full := r.Transcript
	segs := r.Segments
	if len(segs) == 0 {
		return strings.TrimSpace(full)
	}
	spans := locate(full, segs)

	last := -1
	for i := 0; i < len(segs)-1; i++ {
		gap := segs[i+1].Start - segs[i].End()
		if endsSentence(spans[i].text(full, segs[i])) || gap >= PauseGap {
			last = spans[i].end
		}
	}
	if last >= 0 {
		return strings.TrimSpace(full[last:])
	}

	// No boundary: walk back from the end so a long run-on utterance shows
	// its tail, not its beginning.
	start := len(full)
	for i, used := len(segs)-1, 0; i >= 0 && used < tailMaxSegments; i, used = i-1, used+1 {
		off := spans[i].start
		if used > 0 && utf8.RuneCountInString(full[off:]) > tailMaxChars {
			break
		}
		start = off
	}
	return strings.TrimSpace(full[start:])
}

// span is a segment's byte range in the transcript, clamped to rune
// boundaries.
type span struct{ start, end int }

func (s span) text(full string, seg transcriber.Segment) string {
	if s.end > s.start {
		return full[s.start:s.end]
	}
	return seg.Text
}

// locate resolves every segment to a range. Recognizer ranges are used when
// present; otherwise the segment text is searched for after the previous
// segment, and a segment that cannot be found sits at the cursor.
func locate(full string, segs []transcriber.Segment) []span {
	spans := make([]span, len(segs))
	cursor := 0
	for i, seg := range segs {
		if hasRange(full, seg) {
			spans[i] = span{clampOffset(full, seg.Offset), clampOffset(full, seg.Offset+seg.Length)}
		} else if j := strings.Index(full[cursor:], seg.Text); seg.Text != "" && j >= 0 {
			spans[i] = span{cursor + j, cursor + j + len(seg.Text)}
		} else {
			spans[i] = span{cursor, cursor}
		}
		cursor = max(cursor, spans[i].end)
	}
	return spans
}

func hasRange(full string, seg transcriber.Segment) bool {
	if seg.Length == 0 && seg.Text != "" {
		return false
	}
	return seg.Offset >= 0 && seg.Length >= 0 && seg.Offset+seg.Length <= len(full)
}

func endsSentence(text string) bool {
	r, size := utf8.DecodeLastRuneInString(text)
	return size > 0 && isSentenceEnd(r)
}

// clampOffset keeps a recognizer-supplied offset inside the transcript and
// on a rune boundary.
func clampOffset(full string, off int) int {
	if off <= 0 {
		return 0
	}
	if off >= len(full) {
		return len(full)
	}
	for off > 0 && !utf8.RuneStart(full[off]) {
		off--
	}
	return off
}
