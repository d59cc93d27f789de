package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voicecall/internal/agent"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, warnings, err := FromEnv(envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.Equal(t, "cerebras/gpt-oss-120b", cfg.LLMModel)
	assert.Equal(t, EngineBrowser, cfg.Recognition)
	assert.Equal(t, EngineBrowser, cfg.Synthesis)
	assert.Equal(t, "en-US", cfg.Lang)
	assert.True(t, cfg.BargeIn)
	assert.Equal(t, agent.DefaultTimings(), cfg.Timings)
	assert.Equal(t, "aura-2-thalia-en", cfg.DeepgramModel)
	assert.Empty(t, cfg.HistoryDB)

	joined := strings.Join(warnings, "\n")
	assert.Contains(t, joined, "cerebras")
	assert.Contains(t, joined, "recordings are disabled")
	assert.Contains(t, joined, "AUTH_PASSWORD")
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, warnings, err := FromEnv(envMap(map[string]string{
		"HTTP_ADDRESS":              ":9000",
		"AUTH_PASSWORD":             "pw",
		"LLM_MODEL":                 "gemini/gemini-2.0-flash",
		"GOOGLE_API_KEY":            "g-key",
		"SILENCE_TIMEOUT":           "8s",
		"INACTIVITY_TIMEOUT":        "2m",
		"BARGE_IN":                  "off",
		"VOICE_NAMES":               "Samantha, ,Alex",
		"SUPABASE_URL":              "https://x.supabase.co",
		"SUPABASE_SERVICE_ROLE_KEY": "svc",
		"HISTORY_DB":                "data/calls.db",
	}))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, ":9000", cfg.HTTPAddress)
	assert.Equal(t, "g-key", cfg.LLMKey("gemini"))
	assert.Equal(t, 8*time.Second, cfg.Timings.Silence)
	assert.Equal(t, 2*time.Minute, cfg.Timings.Inactivity)
	assert.False(t, cfg.BargeIn)
	assert.Equal(t, []string{"Samantha", "Alex"}, cfg.VoiceNames)
	assert.Equal(t, "data/calls.db", cfg.HistoryDB)
}

func TestFromEnv_EnginesCanBeDisabled(t *testing.T) {
	cfg, _, err := FromEnv(envMap(map[string]string{
		"RECOGNITION_ENGINE": "none",
		"SYNTHESIS_ENGINE":   "None",
	}))
	require.NoError(t, err)
	assert.Equal(t, EngineNone, cfg.Recognition)
	assert.Equal(t, EngineNone, cfg.Synthesis)
}

func TestFromEnv_ServerEnginesWarnWithoutKeys(t *testing.T) {
	_, warnings, err := FromEnv(envMap(map[string]string{
		"RECOGNITION_ENGINE": "AssemblyAI",
		"SYNTHESIS_ENGINE":   "deepgram",
	}))
	require.NoError(t, err)
	joined := strings.Join(warnings, "\n")
	assert.Contains(t, joined, "ASSEMBLYAI_API_KEY")
	assert.Contains(t, joined, "DEEPGRAM_API_KEY")
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":      {"SILENCE_TIMEOUT": "soon"},
		"negative duration": {"HANGUP_DELAY": "-1s"},
		"bad bool":          {"BARGE_IN": "maybe"},
		"bad recognizer":    {"RECOGNITION_ENGINE": "whisper"},
		"bad synthesizer":   {"SYNTHESIS_ENGINE": "espeak"},
		"bad model":         {"LLM_MODEL": "gpt-4o"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := FromEnv(envMap(env))
			require.Error(t, err)
		})
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "127.0.0.1:7000")
	t.Setenv("DIALOGUE_URL", "http://localhost:3000/api/chat")
	cfg, warnings, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.HTTPAddress)
	for _, w := range warnings {
		assert.NotContains(t, w, "LLM provider")
	}
}
