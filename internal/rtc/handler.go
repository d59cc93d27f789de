package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/config"
	"github.com/chadiek/voicecall/internal/history"
	"github.com/chadiek/voicecall/internal/transcript"
	"github.com/chadiek/voicecall/internal/tts"
)

const maxMessageSize = 1 << 20

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin for demo use; restrict in production
		return true
	},
}

// Config selects engines and tunes the sessions hosted by a Handler.
type Config struct {
	AuthPassword  string
	Recognition   string
	Synthesis     string
	AssemblyAIKey string
	DeepgramKey   string
	DeepgramModel string
	Lang          string
	VoiceNames    []string
	BargeIn       bool
	Timings       agent.Timings
}

// ConfigFrom copies the call settings out of the service config.
func ConfigFrom(c config.Config) Config {
	return Config{
		AuthPassword:  c.AuthPassword,
		Recognition:   c.Recognition,
		Synthesis:     c.Synthesis,
		AssemblyAIKey: c.AssemblyAIKey,
		DeepgramKey:   c.DeepgramKey,
		DeepgramModel: c.DeepgramModel,
		Lang:          c.Lang,
		VoiceNames:    c.VoiceNames,
		BargeIn:       c.BargeIn,
		Timings:       c.Timings,
	}
}

// Handler hosts one CallSession per WebSocket connection.
type Handler struct {
	cfg      Config
	dialogue agent.DialogueClient
	prompts  agent.PromptSource
	history  history.Log
	log      *zap.Logger

	mu    sync.Mutex
	conns map[*Bridge]struct{}
}

func NewHandler(cfg Config, dialogue agent.DialogueClient, prompts agent.PromptSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		dialogue: dialogue,
		prompts:  prompts,
		log:      logger.Named("rtc"),
		conns:    make(map[*Bridge]struct{}),
	}
}

// WithHistory records every call's turns to l.
func (h *Handler) WithHistory(l history.Log) *Handler {
	h.history = l
	return h
}

// ServeHTTP upgrades to WebSocket and runs a call until the socket closes.
// Without header or query credentials the first frame must be an auth message.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	callID := uuid.NewString()
	log := h.log.With(zap.String("call_id", callID))
	b := newBridge(conn, log)
	go b.writeLoop()
	defer b.close()

	if !AuthOK(r, h.cfg.AuthPassword) {
		if err := h.awaitAuth(conn); err != nil {
			log.Info("ws auth rejected", zap.Error(err))
			b.sendError(err)
			b.flush()
			return
		}
	}

	h.track(b)
	defer h.untrack(b)

	var (
		elapsed atomic.Value
		ended   atomic.Bool
		journal *history.Journal
	)
	elapsed.Store(agent.FormatDuration(0))
	if h.history != nil {
		journal = history.NewJournal(h.history, callID, log)
		defer func() {
			reason := history.ReasonDisconnect
			if ended.Load() {
				reason = history.ReasonHangup
			}
			journal.Close(elapsed.Load().(string), reason)
		}()
	}

	sess := agent.NewCallSession(agent.Options{
		Recognizers:    h.recognizers(b, log),
		Synthesizer:    h.synthesizer(b, log),
		Dialogue:       h.dialogue,
		Prompts:        h.prompts,
		Timings:        h.cfg.Timings,
		Lang:           h.cfg.Lang,
		VoiceNames:     h.cfg.VoiceNames,
		DisableBargeIn: !h.cfg.BargeIn,
		Logger:         log,
		OnEndCall: func() {
			ended.Store(true)
			b.send(Message{Type: TypeEnd})
		},
		OnStatus: func(st agent.Status) {
			if st.Active {
				elapsed.Store(st.Elapsed)
			}
			rec := b.Recording()
			b.send(Message{Type: TypeStatus, Status: &st, Recording: &rec})
		},
		OnTurn: func(role, text string) {
			if journal != nil {
				journal.Turn(role, text)
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := sess.Start(ctx)
	if err != nil {
		log.Error("session start failed", zap.Error(err))
		b.sendError(err)
		b.flush()
		return
	}
	defer stop()

	log.Info("call connected", zap.String("remote", r.RemoteAddr))
	b.send(Message{Type: TypeReady, CallID: callID})
	h.readLoop(b, sess)
	log.Info("call disconnected")
}

func (h *Handler) awaitAuth(conn *websocket.Conn) error {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return errors.New("auth required")
	}
	if mt != websocket.TextMessage {
		return errors.New("invalid auth frame")
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil || strings.ToLower(m.Type) != TypeAuth || m.Password != h.cfg.AuthPassword {
		return errors.New("unauthorized")
	}
	return nil
}

func (h *Handler) readLoop(b *Bridge, sess *agent.CallSession) {
	for {
		mt, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			b.feedAudio(data)
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			b.sendError(fmt.Errorf("invalid message: %w", err))
			continue
		}
		switch strings.ToLower(m.Type) {
		case TypeCall:
			if m.Active != nil {
				sess.SetActive(*m.Active)
			}
		case TypeMute:
			if m.Muted != nil {
				sess.SetMuted(*m.Muted)
			}
		case TypeRecording:
			if m.Recording != nil {
				b.setRecording(*m.Recording)
				b.log.Info("recording toggled", zap.Bool("recording", *m.Recording))
			}
		case TypeVoices:
			b.synth.setVoices(m.Voices)
		case TypeRecognitionResult:
			if rec := b.recognizer(); rec != nil {
				rec.result(m.ID, m.Text, m.Final)
			}
		case TypeRecognitionError:
			if rec := b.recognizer(); rec != nil {
				rec.fail(m.ID, m.Error)
			}
		case TypeRecognitionEnd:
			if rec := b.recognizer(); rec != nil {
				rec.ended(m.ID)
			}
		case TypeSynthesisStart:
			b.synth.started(m.ID)
		case TypeSynthesisEnd:
			b.synth.finished(m.ID, "")
		case TypeSynthesisError:
			reason := m.Error
			if reason == "" {
				reason = "synthesis-failed"
			}
			b.synth.finished(m.ID, reason)
		case TypeHangup:
			sess.Hangup()
		case TypeAuth:
		default:
			b.sendError(fmt.Errorf("unknown message type %q", m.Type))
		}
	}
}

// recognizers returns nil for EngineNone: the call never listens and only
// the inactivity timer ends it.
func (h *Handler) recognizers(b *Bridge, log *zap.Logger) agent.RecognizerFactory {
	switch h.cfg.Recognition {
	case config.EngineNone:
		return nil
	case config.EngineAssemblyAI:
		return func(lang string, ev agent.RecognitionEvents) (agent.SpeechRecognizer, error) {
			r := transcript.New(transcript.Options{APIKey: h.cfg.AssemblyAIKey, Logger: log}, ev)
			b.setAudioTarget(r)
			return r, nil
		}
	}
	return func(lang string, ev agent.RecognitionEvents) (agent.SpeechRecognizer, error) {
		return b.newRecognizer(lang, ev), nil
	}
}

func (h *Handler) synthesizer(b *Bridge, log *zap.Logger) agent.SpeechSynthesizer {
	switch h.cfg.Synthesis {
	case config.EngineNone:
		return nil
	case config.EngineDeepgram:
		return tts.NewSynthesizer(tts.Options{APIKey: h.cfg.DeepgramKey, Model: h.cfg.DeepgramModel, Logger: log}, b)
	default:
		return b.synth
	}
}

func (h *Handler) track(b *Bridge) {
	h.mu.Lock()
	h.conns[b] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(b *Bridge) {
	h.mu.Lock()
	delete(h.conns, b)
	h.mu.Unlock()
}

// Active returns the number of connected calls.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every connected call. Hijacked connections are not closed by
// http.Server.Shutdown.
func (h *Handler) Close() {
	h.mu.Lock()
	conns := make([]*Bridge, 0, len(h.conns))
	for b := range h.conns {
		conns = append(conns, b)
	}
	h.mu.Unlock()
	for _, b := range conns {
		b.close()
	}
}

// AuthOK accepts the password from the query string, a bearer token or
// X-Auth-Token. An empty password disables auth.
func AuthOK(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
