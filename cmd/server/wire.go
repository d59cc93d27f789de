package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/config"
	"github.com/chadiek/voicecall/internal/dialogue"
	"github.com/chadiek/voicecall/internal/history"
	"github.com/chadiek/voicecall/internal/httpserver"
	"github.com/chadiek/voicecall/internal/llm"
	"github.com/chadiek/voicecall/internal/prompts"
	"github.com/chadiek/voicecall/internal/rtc"
	"github.com/chadiek/voicecall/internal/storage"
)

type app struct {
	calls    *rtc.Handler
	http     *httpserver.Server
	dialogue agent.DialogueClient
	uploads  storage.Uploader
	history  *history.SQLiteStore
}

// close releases resources opened by build.
func (a *app) close() error {
	if a.history != nil {
		return a.history.Close()
	}
	return nil
}

func build(cfg config.Config, log *zap.Logger) (*app, error) {
	persona, err := prompts.Load(cfg.PromptsFile)
	if err != nil {
		return nil, err
	}

	provider, model, err := llm.ParseModel(cfg.LLMModel)
	if err != nil {
		return nil, err
	}
	var opts []llm.Option
	if cfg.LLMBaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.LLMBaseURL))
	}
	chat, err := llm.NewClient(provider, cfg.LLMKey(provider), model, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}

	var dlg agent.DialogueClient = dialogue.NewLLMClient(chat)
	if cfg.DialogueURL != "" {
		dlg = dialogue.NewHTTPClient(cfg.DialogueURL, cfg.AuthPassword)
	}

	var uploads storage.Uploader
	sb, err := storage.NewSupabase(storage.Config{
		URL:            cfg.SupabaseURL,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
		Bucket:         cfg.SupabaseBucket,
	})
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
	case err != nil:
		return nil, err
	default:
		uploads = sb
	}

	calls := rtc.NewHandler(rtc.ConfigFrom(cfg), dlg, persona, log)
	deps := httpserver.Deps{
		Calls:      calls,
		LLM:        chat,
		Recordings: uploads,
		Logger:     log,
	}
	var store *history.SQLiteStore
	if cfg.HistoryDB != "" {
		store, err = history.NewSQLiteStore(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		calls.WithHistory(store)
		deps.History = store
	}
	srv := httpserver.New(cfg, deps)
	log.Info("persona loaded", zap.String("persona", persona.Persona()))
	return &app{calls: calls, http: srv, dialogue: dlg, uploads: uploads, history: store}, nil
}
