package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectVoice(t *testing.T) {
	voices := []Voice{
		{Name: "Daniel", Lang: "en-GB"},
		{Name: "Remote English", Lang: "en-US"},
		{Name: "Local English", Lang: "en_US", LocalService: true},
		{Name: "Microsoft Aria Online", Lang: "en-US"},
	}
	cases := []struct {
		name      string
		voices    []Voice
		preferred []string
		lang      string
		want      string
		ok        bool
	}{
		{"named match wins", voices, DefaultVoiceNames, "en-US", "Microsoft Aria Online", true},
		{"local voice for locale", voices, []string{"Nobody"}, "en-US", "Local English", true},
		{"any voice for locale", voices, nil, "en-GB", "Daniel", true},
		{"first voice otherwise", voices, nil, "fr-FR", "Daniel", true},
		{"no voices", nil, DefaultVoiceNames, "en-US", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := SelectVoice(tc.voices, tc.preferred, tc.lang)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got.Name)
		})
	}
}

func TestContainsEndPhrase(t *testing.T) {
	phrases := []string{"goodbye", "end the call", "hang up"}
	cases := []struct {
		text string
		want bool
	}{
		{"Goodbye!", true},
		{"ok, you can END the call now", true},
		{"please hang   up", true},
		{"I'm hungry", false},
		{"goodbyes are hard", false},
		{"", false},
		{"   ", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, containsEndPhrase(tc.text, phrases), tc.text)
	}
	assert.False(t, containsEndPhrase("goodbye", []string{"", "  "}))
}
