package agent

import (
	"strings"
	"unicode"
)

// DefaultVoiceNames are tried in order before falling back to locale matching.
var DefaultVoiceNames = []string{
	"Google US English",
	"Samantha",
	"Microsoft Aria",
	"Microsoft Jenny",
	"Alex",
}

// SelectVoice picks a voice by preference: a named match, then a local voice
// for lang, then any voice for lang, then the first available voice.
func SelectVoice(voices []Voice, preferred []string, lang string) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}
	for _, name := range preferred {
		want := strings.ToLower(name)
		for _, v := range voices {
			if strings.Contains(strings.ToLower(v.Name), want) {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if sameLocale(v.Lang, lang) && v.LocalService {
			return v, true
		}
	}
	for _, v := range voices {
		if sameLocale(v.Lang, lang) {
			return v, true
		}
	}
	return voices[0], true
}

// sameLocale compares BCP 47 tags loosely: "en_US" matches "en-US".
func sameLocale(a, b string) bool {
	norm := func(s string) string { return strings.ToLower(strings.ReplaceAll(s, "_", "-")) }
	return norm(a) == norm(b)
}

// containsEndPhrase reports whether text contains any phrase on word
// boundaries, ignoring case and punctuation.
func containsEndPhrase(text string, phrases []string) bool {
	hay := " " + normalizeWords(text) + " "
	if strings.TrimSpace(hay) == "" {
		return false
	}
	for _, p := range phrases {
		needle := normalizeWords(p)
		if needle == "" {
			continue
		}
		if strings.Contains(hay, " "+needle+" ") {
			return true
		}
	}
	return false
}

func normalizeWords(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return strings.Join(fields, " ")
}
