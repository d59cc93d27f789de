package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voicecall/internal/agent"
)

var _ agent.PromptSource = (*Source)(nil)

func TestDefaultPools(t *testing.T) {
	src := Default()
	p := src.Pools()
	require.NoError(t, p.Validate())
	assert.Equal(t, "Ava", src.Persona())
	assert.Len(t, p.Farewells, 5)
	assert.Contains(t, p.EndPhrases, "goodbye")
	assert.Contains(t, p.EndPhrases, "end the call")
	assert.Contains(t, p.EndPhrases, "hang up")

	for i := 0; i < 20; i++ {
		assert.Contains(t, p.Nudges, src.Nudge())
		assert.Contains(t, p.Farewells, src.Farewell())
		assert.Contains(t, p.Fallbacks, src.Fallback())
	}
}

func TestSourcePicksWithRandomizer(t *testing.T) {
	src := New(Pools{Nudges: []string{"a", "b", "c"}})
	src.pick = func(n int) int { return n - 1 }
	assert.Equal(t, "c", src.Nudge())
	assert.Equal(t, "", src.Farewell())
}

func TestEndPhrasesIsACopy(t *testing.T) {
	src := New(Pools{EndPhrases: []string{"goodbye"}})
	got := src.EndPhrases()
	got[0] = "mutated"
	assert.Equal(t, []string{"goodbye"}, src.EndPhrases())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	body := "persona: Max\nsystem_prompt: |\n  You are Max.\nnudges:\n  - \"  \"\n  - You there?\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	src, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Max", src.Persona())
	assert.Equal(t, "You are Max.", src.SystemPrompt())
	assert.Equal(t, []string{"You there?"}, src.Pools().Nudges)
	assert.Equal(t, Default().Pools().Farewells, src.Pools().Farewells)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nudges: [unterminated"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	src, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, src.SystemPrompt())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system-prompt: You are Max.\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system-prompt")

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	src, err := Load(empty)
	require.NoError(t, err)
	assert.Equal(t, Default().SystemPrompt(), src.SystemPrompt())
}

func TestValidateReportsEmptyPools(t *testing.T) {
	err := Pools{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system_prompt")
	assert.Contains(t, err.Error(), "fallbacks")
}
