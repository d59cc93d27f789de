package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	"go.uber.org/zap"

	"github.com/chadiek/voicecall/internal/agent"
)

const DefaultModel = "aura-2-thalia-en"

// AudioSink receives synthesized 16-bit little-endian mono PCM.
type AudioSink interface {
	WritePCM(pcm []byte) error
	// Reset drops audio queued for playback.
	Reset()
}

// streamFunc synthesizes text and hands audio to onAudio until done or ctx ends.
type streamFunc func(ctx context.Context, model, text string, onAudio func([]byte)) error

type Options struct {
	APIKey     string
	Model      string
	SampleRate int
	// IdleWindow ends an utterance once no audio arrived for this long.
	IdleWindow  time.Duration
	MaxDuration time.Duration
	Logger      *zap.Logger
}

// Synthesizer speaks through Deepgram Aura streaming TTS. Audio goes to the
// sink as it arrives; completion is reported once the audio has had time to play.
type Synthesizer struct {
	opts   Options
	sink   AudioSink
	log    *zap.Logger
	stream streamFunc

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	speaking bool
}

func NewSynthesizer(opts Options, sink AudioSink) *Synthesizer {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 48000
	}
	if opts.IdleWindow == 0 {
		opts.IdleWindow = 400 * time.Millisecond
	}
	if opts.MaxDuration == 0 {
		opts.MaxDuration = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synthesizer{opts: opts, sink: sink, log: logger.Named("deepgram")}
	s.stream = s.deepgramStream
	return s
}

// auraVoices are the English Aura 2 voices offered to the session.
var auraVoices = []agent.Voice{
	{Name: "aura-2-thalia-en", Lang: "en-US", Default: true},
	{Name: "aura-2-andromeda-en", Lang: "en-US"},
	{Name: "aura-2-helena-en", Lang: "en-US"},
	{Name: "aura-2-apollo-en", Lang: "en-US"},
	{Name: "aura-2-arcas-en", Lang: "en-US"},
	{Name: "aura-2-aries-en", Lang: "en-US"},
	{Name: "aura-2-draco-en", Lang: "en-GB"},
	{Name: "aura-2-pandora-en", Lang: "en-GB"},
}

func (s *Synthesizer) Voices() []agent.Voice {
	out := make([]agent.Voice, len(auraVoices))
	copy(out, auraVoices)
	for i := range out {
		out[i].Default = out[i].Name == s.opts.Model
	}
	return out
}

// Speaking reports whether an utterance is streaming or still playing.
func (s *Synthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Speak starts an utterance, replacing any current one.
func (s *Synthesizer) Speak(req agent.SpeechRequest, ev agent.SynthesisEvents) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return errors.New("deepgram: empty text")
	}
	if s.opts.APIKey == "" {
		return errors.New("deepgram: API key missing")
	}
	model := s.opts.Model
	if strings.HasPrefix(req.Voice.Name, "aura") {
		model = req.Voice.Name
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.speaking = true
	s.mu.Unlock()

	go s.run(ctx, cancel, gen, model, text, ev)
	return nil
}

// Cancel stops the current utterance; its events report SynthesisInterrupted.
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.speaking = false
	s.mu.Unlock()
	s.sink.Reset()
}

func (s *Synthesizer) run(ctx context.Context, cancel context.CancelFunc, gen uint64, model, text string, ev agent.SynthesisEvents) {
	defer cancel()
	ev.OnStart()

	var sent atomic.Int64
	var firstAt atomic.Int64
	err := s.stream(ctx, model, text, func(pcm []byte) {
		if ctx.Err() != nil || len(pcm) == 0 {
			return
		}
		firstAt.CompareAndSwap(0, time.Now().UnixNano())
		sent.Add(int64(len(pcm)))
		if werr := s.sink.WritePCM(pcm); werr != nil {
			s.log.Debug("audio sink write failed", zap.Error(werr))
		}
	})
	if err == nil && ctx.Err() == nil && firstAt.Load() != 0 {
		played := time.Since(time.Unix(0, firstAt.Load()))
		if wait := s.playTime(sent.Load()) - played; wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
		}
	}

	interrupted := ctx.Err() != nil
	s.mu.Lock()
	if s.gen == gen {
		s.speaking = false
		s.cancel = nil
	}
	s.mu.Unlock()

	switch {
	case interrupted:
		ev.OnError(agent.SynthesisInterrupted)
	case err != nil:
		s.log.Warn("synthesis failed", zap.Error(err))
		ev.OnError(err.Error())
	default:
		ev.OnEnd()
	}
}

func (s *Synthesizer) playTime(bytes int64) time.Duration {
	perSecond := int64(s.opts.SampleRate) * 2
	return time.Duration(bytes * int64(time.Second) / perSecond)
}

// deepgramStream runs one Deepgram speak session. It returns once audio has
// stopped arriving for the idle window.
func (s *Synthesizer) deepgramStream(ctx context.Context, model, text string, onAudio func([]byte)) error {
	options := &clientinterfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: s.opts.SampleRate,
	}

	var lastRecv atomic.Int64
	cb := &speakCallback{log: s.log, onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		lastRecv.Store(time.Now().UnixNano())
		b := make([]byte, len(data))
		copy(b, data)
		onAudio(b)
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, s.opts.APIKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return errors.New("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		s.log.Debug("flush failed", zap.Error(err))
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(s.opts.MaxDuration)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if last := lastRecv.Load(); last != 0 && time.Since(time.Unix(0, last)) > s.opts.IdleWindow {
				return nil
			}
			if time.Now().After(deadline) {
				if lastRecv.Load() == 0 {
					return errors.New("deepgram: no audio received")
				}
				return nil
			}
		}
	}
}

type speakCallback struct {
	log      *zap.Logger
	onBinary func([]byte) error
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(w *msginterfaces.WarningResponse) error {
	s.log.Debug("deepgram warning", zap.Any("warning", w))
	return nil
}
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	s.log.Warn("deepgram error", zap.Any("error", e))
	return nil
}
func (s *speakCallback) UnhandledEvent([]byte) error { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
