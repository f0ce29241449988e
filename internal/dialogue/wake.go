package dialogue

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const wakeTrim = " ,.!?;:-\"'`~、。！？「」"

// WakeDetector gates turns on a leading wake phrase. A nil detector or one
// without phrases lets everything through.
type WakeDetector struct {
	Phrases []string
	// Window is how many leading words may precede the phrase. Zero means
	// the transcript must start with it.
	Window int
}

func NewWakeDetector(phrases []string, window int) *WakeDetector {
	norm := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = normalizeWake(p); p != "" {
			norm = append(norm, p)
		}
	}
	return &WakeDetector{Phrases: norm, Window: window}
}

// Enabled reports whether the gate filters anything.
func (w *WakeDetector) Enabled() bool { return w != nil && len(w.Phrases) > 0 }

func normalizeWake(s string) string {
	n, _ := normalizeMapped(s)
	return n
}

// normalizeMapped lowercases s, collapses whitespace runs and trims wake
// punctuation. offs[i] is the byte offset in s of normalized byte i, with
// one extra entry marking the end of the normalized text.
func normalizeMapped(s string) (string, []int) {
	var b strings.Builder
	offs := make([]int, 0, len(s)+1)
	pendingSpace := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			offs = append(offs, i)
			pendingSpace = false
		}
		lr := unicode.ToLower(r)
		for k := utf8.RuneLen(lr); k > 0; k-- {
			offs = append(offs, i)
		}
		b.WriteRune(lr)
	}
	norm := b.String()
	offs = append(offs, len(s))

	lo := len(norm) - len(strings.TrimLeft(norm, wakeTrim))
	hi := len(strings.TrimRight(norm, wakeTrim))
	if lo >= hi {
		return "", nil
	}
	return norm[lo:hi], offs[lo : hi+1]
}

func trimWake(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(wakeTrim, r)
	})
}

// Detect returns (matched, stripped) where stripped is the part of text
// following the phrase, in its original form. A disabled detector matches
// everything and returns text unchanged.
func (w *WakeDetector) Detect(text string) (bool, string) {
	if !w.Enabled() {
		return true, text
	}
	s, offs := normalizeMapped(text)
	if s == "" {
		return false, ""
	}
	for _, wp := range w.Phrases {
		if s == wp {
			return true, ""
		}
		if strings.HasPrefix(s, wp) {
			r, _ := utf8.DecodeRuneInString(s[len(wp):])
			// unspaced scripts have no word boundary after the phrase
			if !isWordRune(r) || !isSpacedScript(wp) {
				return true, trimWake(text[offs[len(wp)]:])
			}
		}
		if w.Window > 0 {
			if end, ok := matchWindow(s, wp, w.Window); ok {
				return true, trimWake(text[offs[end]:])
			}
		}
	}
	return false, ""
}

type windowWord struct {
	text string
	end  int
}

// matchWindow finds wp as whole words among the first window+len(wp) words
// of s and returns the byte offset in s just past the match.
func matchWindow(s, wp string, window int) (int, bool) {
	var words []windowWord
	pos := 0
	for _, f := range strings.Split(s, " ") {
		words = append(words, windowWord{text: f, end: pos + len(f)})
		pos += len(f) + 1
	}
	wpWords := strings.Fields(wp)
	limit := window + len(wpWords)
	for i := 0; i+len(wpWords) <= len(words) && i+len(wpWords) <= limit; i++ {
		match := true
		for j := range wpWords {
			if strings.Trim(words[i+j].text, wakeTrim) != wpWords[j] {
				match = false
				break
			}
		}
		if match {
			return words[i+len(wpWords)-1].end, true
		}
	}
	return 0, false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isSpacedScript(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII && unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
