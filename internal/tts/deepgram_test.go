package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chadiek/voicecall/internal/agent"
)

var _ agent.SpeechSynthesizer = (*Synthesizer)(nil)

type memSink struct {
	mu     sync.Mutex
	bytes  int
	resets int
}

func (m *memSink) WritePCM(p []byte) error {
	m.mu.Lock()
	m.bytes += len(p)
	m.mu.Unlock()
	return nil
}

func (m *memSink) Reset() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

type outcome struct {
	mu      sync.Mutex
	started bool
	ended   bool
	errs    []string
	done    chan struct{}
}

func newOutcome() *outcome { return &outcome{done: make(chan struct{})} }

func (o *outcome) events() agent.SynthesisEvents {
	return agent.SynthesisEvents{
		OnStart: func() { o.mu.Lock(); o.started = true; o.mu.Unlock() },
		OnEnd:   func() { o.mu.Lock(); o.ended = true; o.mu.Unlock(); close(o.done) },
		OnError: func(reason string) { o.mu.Lock(); o.errs = append(o.errs, reason); o.mu.Unlock(); close(o.done) },
	}
}

func (o *outcome) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for synthesis outcome")
	}
}

func newTestSynth(sink AudioSink, stream streamFunc) *Synthesizer {
	s := NewSynthesizer(Options{APIKey: "key"}, sink)
	s.stream = stream
	return s
}

// 10ms of 48kHz mono PCM16
var chunk = make([]byte, 960)

func TestSynthesizer_SpeakStreamsThenEnds(t *testing.T) {
	defer goleak.VerifyNone(t)
	sink := &memSink{}
	var gotModel, gotText string
	s := newTestSynth(sink, func(ctx context.Context, model, text string, onAudio func([]byte)) error {
		gotModel, gotText = model, text
		for i := 0; i < 3; i++ {
			onAudio(chunk)
		}
		return nil
	})

	out := newOutcome()
	start := time.Now()
	require.NoError(t, s.Speak(agent.SpeechRequest{Text: " hello ", Voice: agent.Voice{Name: "aura-2-helena-en"}}, out.events()))
	assert.True(t, s.Speaking())
	out.wait(t)

	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond, "end waits for playback")
	assert.True(t, out.started)
	assert.True(t, out.ended)
	assert.Empty(t, out.errs)
	assert.False(t, s.Speaking())
	assert.Equal(t, "aura-2-helena-en", gotModel)
	assert.Equal(t, "hello", gotText)
	assert.Equal(t, 3*960, sink.bytes)
}

func TestSynthesizer_CancelReportsInterrupted(t *testing.T) {
	defer goleak.VerifyNone(t)
	sink := &memSink{}
	streaming := make(chan struct{})
	s := newTestSynth(sink, func(ctx context.Context, _, _ string, onAudio func([]byte)) error {
		onAudio(chunk)
		close(streaming)
		<-ctx.Done()
		return ctx.Err()
	})

	out := newOutcome()
	require.NoError(t, s.Speak(agent.SpeechRequest{Text: "a long story"}, out.events()))
	<-streaming
	s.Cancel()
	assert.False(t, s.Speaking())
	out.wait(t)
	assert.Equal(t, []string{agent.SynthesisInterrupted}, out.errs)
	assert.Equal(t, 1, sink.resets)
}

func TestSynthesizer_NewSpeechInterruptsOld(t *testing.T) {
	s := newTestSynth(&memSink{}, func(ctx context.Context, _, text string, onAudio func([]byte)) error {
		if text == "first" {
			<-ctx.Done()
			return ctx.Err()
		}
		onAudio(chunk)
		return nil
	})
	first, second := newOutcome(), newOutcome()
	require.NoError(t, s.Speak(agent.SpeechRequest{Text: "first"}, first.events()))
	require.NoError(t, s.Speak(agent.SpeechRequest{Text: "second"}, second.events()))
	first.wait(t)
	second.wait(t)
	assert.Equal(t, []string{agent.SynthesisInterrupted}, first.errs)
	assert.True(t, second.ended)
	assert.False(t, s.Speaking())
}

func TestSynthesizer_StreamErrorIsReported(t *testing.T) {
	s := newTestSynth(&memSink{}, func(context.Context, string, string, func([]byte)) error {
		return errors.New("deepgram: connect failed")
	})
	out := newOutcome()
	require.NoError(t, s.Speak(agent.SpeechRequest{Text: "hi"}, out.events()))
	out.wait(t)
	assert.Equal(t, []string{"deepgram: connect failed"}, out.errs)
}

func TestSynthesizer_RejectsBadRequests(t *testing.T) {
	s := NewSynthesizer(Options{}, &memSink{})
	require.Error(t, s.Speak(agent.SpeechRequest{Text: "hi"}, agent.SynthesisEvents{}))

	s = newTestSynth(&memSink{}, nil)
	require.Error(t, s.Speak(agent.SpeechRequest{Text: "   "}, agent.SynthesisEvents{}))
	assert.False(t, s.Speaking())
}

func TestSynthesizer_Voices(t *testing.T) {
	s := NewSynthesizer(Options{APIKey: "k", Model: "aura-2-apollo-en"}, &memSink{})
	voices := s.Voices()
	require.NotEmpty(t, voices)
	var defaults []string
	for _, v := range voices {
		if v.Default {
			defaults = append(defaults, v.Name)
		}
	}
	assert.Equal(t, []string{"aura-2-apollo-en"}, defaults)

	v, ok := agent.SelectVoice(voices, nil, "en-GB")
	require.True(t, ok)
	assert.Equal(t, "aura-2-draco-en", v.Name)
}
