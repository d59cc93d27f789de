package agent

import (
	"context"
	"fmt"
	"time"
)

// TurnState says whose turn it is in the conversation.
type TurnState int

const (
	Idle TurnState = iota
	Listening
	Processing
	Speaking
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Utterance is a transcript fragment produced by a recognizer.
type Utterance struct {
	Text    string
	IsFinal bool
}

// Recognition error kinds reported through RecognitionEvents.OnError.
// RecognitionStartFailed means the run never started; no OnEnd follows it.
const (
	RecognitionAborted     = "aborted"
	RecognitionNoSpeech    = "no-speech"
	RecognitionStartFailed = "start-failed"
)

// SynthesisInterrupted is the synthesis error reason reported when speech is
// cancelled mid-utterance.
const SynthesisInterrupted = "interrupted"

// RecognitionEvents are the callbacks a recognizer reports through.
// Implementations may invoke them from any goroutine.
type RecognitionEvents struct {
	OnResult func(u Utterance)
	OnError  func(kind string)
	OnEnd    func()
}

// SpeechRecognizer is a continuous, interim-results speech-to-text session.
// Start must return an error if the recognizer is already running.
type SpeechRecognizer interface {
	Start() error
	Stop()
}

// RecognizerFactory creates a fresh recognizer for a call. A new recognizer is
// built every time a call starts so no handler outlives its call.
type RecognizerFactory func(lang string, ev RecognitionEvents) (SpeechRecognizer, error)

// Voice describes one synthesis voice offered by the engine.
type Voice struct {
	Name         string `json:"name"`
	Lang         string `json:"lang"`
	LocalService bool   `json:"localService"`
	Default      bool   `json:"default"`
}

// SpeechRequest is a single utterance handed to the synthesizer.
type SpeechRequest struct {
	Text  string
	Voice Voice
	Lang  string
	Rate  float64
	Pitch float64
}

// SynthesisEvents are the callbacks a synthesizer reports through for one
// SpeechRequest. Implementations may invoke them from any goroutine.
type SynthesisEvents struct {
	OnStart func()
	OnEnd   func()
	OnError func(reason string)
}

// SpeechSynthesizer is a text-to-speech engine with a queryable voice list.
type SpeechSynthesizer interface {
	Voices() []Voice
	// Speak queues text for synthesis. An error means the utterance never started.
	Speak(req SpeechRequest, ev SynthesisEvents) error
	// Cancel stops the active utterance. The engine reports SynthesisInterrupted for it.
	Cancel()
	// Speaking reports whether the engine is currently producing audio.
	Speaking() bool
}

// Message is one chat message sent to the dialogue backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DialogueClient turns a conversation into the assistant's next reply.
type DialogueClient interface {
	Reply(ctx context.Context, messages []Message) (string, error)
}

// PromptSource supplies persona content. Pool accessors return one
// pseudo-randomly chosen entry per call.
type PromptSource interface {
	SystemPrompt() string
	Nudge() string
	Farewell() string
	Fallback() string
	EndPhrases() []string
}

// Status is a snapshot of the call for the status card.
type Status struct {
	Active     bool          `json:"active"`
	Muted      bool          `json:"muted"`
	State      TurnState     `json:"-"`
	StateName  string        `json:"state"`
	Listening  bool          `json:"listening"`
	Speaking   bool          `json:"speaking"`
	Processing bool          `json:"processing"`
	Duration   time.Duration `json:"-"`
	Elapsed    string        `json:"duration"`
}

// FormatDuration renders an elapsed call time as mm:ss.
func FormatDuration(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
