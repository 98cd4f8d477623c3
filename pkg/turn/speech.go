package turn

import (
	"sort"
	"strings"
)

const (
	DefaultMaxReplySentences = 3
	DefaultMaxReplyChars     = 420
)

// ReplyShaper keeps model replies short and speakable on a phone line.
type ReplyShaper struct {
	maxSentences int
	maxChars     int
	// replacements are applied longest key first so overlapping phrases
	// resolve the same way every time.
	keys         []string
	replacements map[string]string
}

func NewReplyShaper(maxSentences, maxChars int, replacements map[string]string) *ReplyShaper {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxReplySentences
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxReplyChars
	}
	s := &ReplyShaper{
		maxSentences: maxSentences,
		maxChars:     maxChars,
		replacements: make(map[string]string, len(replacements)),
	}
	for from, to := range replacements {
		if from == "" {
			continue
		}
		s.replacements[from] = to
		s.keys = append(s.keys, from)
	}
	sort.Slice(s.keys, func(i, j int) bool {
		if len(s.keys[i]) != len(s.keys[j]) {
			return len(s.keys[i]) > len(s.keys[j])
		}
		return s.keys[i] < s.keys[j]
	})
	return s
}

// Shape strips markup, applies pronunciation replacements and truncates
// to the sentence and character caps.
func (s *ReplyShaper) Shape(text string) string {
	text = stripMarkup(text)
	for _, from := range s.keys {
		text = strings.ReplaceAll(text, from, s.replacements[from])
	}
	text = truncateSentences(text, s.maxSentences)
	if len(text) > s.maxChars {
		cut := text[:s.maxChars]
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		text = strings.TrimSpace(cut)
	}
	return text
}

var markupReplacer = strings.NewReplacer(
	"**", "",
	"__", "",
	"`", "",
	"#", "",
	"\n- ", " ",
	"\n* ", " ",
	"\n", " ",
)

func stripMarkup(text string) string {
	text = markupReplacer.Replace(strings.TrimSpace(text))
	text = strings.TrimLeft(text, "-* ")
	return strings.Join(strings.Fields(text), " ")
}

func truncateSentences(text string, maxSentences int) string {
	var out strings.Builder
	count := 0
	for i, r := range text {
		out.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// "10.30" and "Dr.Smith" are not sentence ends.
		if next := i + 1; next < len(text) && text[next] != ' ' {
			continue
		}
		count++
		if count >= maxSentences {
			break
		}
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return text
	}
	return result
}
