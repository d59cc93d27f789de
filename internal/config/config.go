package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/llm"
)

// Speech engine selections.
const (
	EngineBrowser    = "browser"
	EngineAssemblyAI = "assemblyai"
	EngineDeepgram   = "deepgram"
	EngineNone       = "none"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	AuthPassword string

	// LLMModel is "provider/model", e.g. "cerebras/gpt-oss-120b".
	LLMModel     string
	LLMBaseURL   string
	CerebrasKey  string
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
	// DialogueURL points sessions at a remote /api/chat. Empty answers in process.
	DialogueURL string

	Recognition   string
	Synthesis     string
	AssemblyAIKey string
	DeepgramKey   string
	DeepgramModel string

	Lang        string
	VoiceNames  []string
	BargeIn     bool
	PromptsFile string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	// HistoryDB is the SQLite call log path. Empty disables the log.
	HistoryDB string

	Timings agent.Timings
}

// Load reads .env (if present) and the environment. Warnings describe
// features that will be disabled; the error reports malformed values.
func Load() (Config, []string, error) {
	var warnings []string
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		warnings = append(warnings, fmt.Sprintf("load .env: %v", err))
	}
	cfg, more, err := FromEnv(os.Getenv)
	return cfg, append(warnings, more...), err
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (Config, []string, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
	cfg := Config{
		HTTPAddress:            get("HTTP_ADDRESS", ":8080"),
		AuthPassword:           getenv("AUTH_PASSWORD"),
		LLMModel:               get("LLM_MODEL", "cerebras/gpt-oss-120b"),
		LLMBaseURL:             getenv("LLM_BASE_URL"),
		CerebrasKey:            getenv("CEREBRAS_API_KEY"),
		OpenAIKey:              getenv("OPENAI_API_KEY"),
		AnthropicKey:           getenv("ANTHROPIC_API_KEY"),
		GeminiKey:              get("GEMINI_API_KEY", getenv("GOOGLE_API_KEY")),
		DialogueURL:            getenv("DIALOGUE_URL"),
		Recognition:            strings.ToLower(get("RECOGNITION_ENGINE", EngineBrowser)),
		Synthesis:              strings.ToLower(get("SYNTHESIS_ENGINE", EngineBrowser)),
		AssemblyAIKey:          getenv("ASSEMBLYAI_API_KEY"),
		DeepgramKey:            getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:          get("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		Lang:                   get("CALL_LANG", "en-US"),
		PromptsFile:            getenv("PROMPTS_FILE"),
		SupabaseURL:            getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         get("SUPABASE_BUCKET", "voice-recording"),
		HistoryDB:              getenv("HISTORY_DB"),
		Timings:                agent.DefaultTimings(),
	}
	if v := getenv("VOICE_NAMES"); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.VoiceNames = append(cfg.VoiceNames, name)
			}
		}
	}

	var err error
	if cfg.BargeIn, err = parseBool(get("BARGE_IN", "true")); err != nil {
		return cfg, nil, fmt.Errorf("BARGE_IN: %w", err)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SILENCE_TIMEOUT", &cfg.Timings.Silence},
		{"RESTART_BACKOFF", &cfg.Timings.RestartBackoff},
		{"INACTIVITY_TIMEOUT", &cfg.Timings.Inactivity},
		{"HANGUP_DELAY", &cfg.Timings.HangupDelay},
		{"LIVENESS_INTERVAL", &cfg.Timings.Liveness},
		{"SETTLE_DELAY", &cfg.Timings.Settle},
		{"WARMUP_DELAY", &cfg.Timings.WarmUp},
		{"RESUME_DELAY", &cfg.Timings.Resume},
		{"DIALOGUE_TIMEOUT", &cfg.Timings.FetchTimeout},
	}
	for _, d := range durations {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return cfg, nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if parsed <= 0 {
			return cfg, nil, fmt.Errorf("%s: must be positive, got %s", d.key, v)
		}
		*d.dst = parsed
	}

	switch cfg.Recognition {
	case EngineBrowser, EngineAssemblyAI, EngineNone:
	default:
		return cfg, nil, fmt.Errorf("RECOGNITION_ENGINE: unknown engine %q", cfg.Recognition)
	}
	switch cfg.Synthesis {
	case EngineBrowser, EngineDeepgram, EngineNone:
	default:
		return cfg, nil, fmt.Errorf("SYNTHESIS_ENGINE: unknown engine %q", cfg.Synthesis)
	}
	provider, _, err := llm.ParseModel(cfg.LLMModel)
	if err != nil {
		return cfg, nil, fmt.Errorf("LLM_MODEL: %w", err)
	}

	return cfg, cfg.validate(provider), nil
}

func (c Config) validate(provider string) []string {
	var warnings []string
	if c.DialogueURL == "" && c.LLMKey(provider) == "" {
		warnings = append(warnings, fmt.Sprintf("no API key for LLM provider %q - every reply will be a fallback line", provider))
	}
	if c.Recognition == EngineAssemblyAI && c.AssemblyAIKey == "" {
		warnings = append(warnings, "ASSEMBLYAI_API_KEY not set - server-side recognition will not work")
	}
	if c.Synthesis == EngineDeepgram && c.DeepgramKey == "" {
		warnings = append(warnings, "DEEPGRAM_API_KEY not set - server-side synthesis will not work")
	}
	if c.SupabaseURL == "" || c.SupabaseServiceRoleKey == "" {
		warnings = append(warnings, "SUPABASE_URL/SUPABASE_SERVICE_ROLE_KEY not set - call recordings are disabled")
	}
	if c.AuthPassword == "" {
		warnings = append(warnings, "AUTH_PASSWORD not set - /call is open to anyone")
	}
	return warnings
}

// LLMKey returns the API key configured for provider.
func (c Config) LLMKey(provider string) string {
	switch provider {
	case "cerebras":
		return c.CerebrasKey
	case "openai":
		return c.OpenAIKey
	case "anthropic":
		return c.AnthropicKey
	case "gemini":
		return c.GeminiKey
	default:
		return ""
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	return strconv.ParseBool(v)
}
