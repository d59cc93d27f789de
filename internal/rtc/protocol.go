package rtc

import "github.com/chadiek/voicecall/internal/agent"

// Client → server message types.
const (
	TypeAuth              = "auth"
	TypeCall              = "call"
	TypeMute              = "mute"
	TypeRecording         = "recording"
	TypeVoices            = "voices"
	TypeRecognitionResult = "recognition.result"
	TypeRecognitionError  = "recognition.error"
	TypeRecognitionEnd    = "recognition.end"
	TypeSynthesisStart    = "synthesis.start"
	TypeSynthesisEnd      = "synthesis.end"
	TypeSynthesisError    = "synthesis.error"
	TypeHangup            = "hangup"
)

// Server → client message types.
const (
	TypeReady            = "ready"
	TypeRecognitionStart = "recognition.start"
	TypeRecognitionStop  = "recognition.stop"
	TypeSpeak            = "speak"
	TypeSpeakCancel      = "speak.cancel"
	TypeStatus           = "status"
	TypeEnd              = "end"
	TypeError            = "error"
)

// Message is the JSON text frame exchanged with the browser. Only the fields
// relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	CallID    string        `json:"callId,omitempty"`
	Password  string        `json:"password,omitempty"`
	Active    *bool         `json:"active,omitempty"`
	Muted     *bool         `json:"muted,omitempty"`
	Recording *bool         `json:"recording,omitempty"`
	Voices    []agent.Voice `json:"voices,omitempty"`

	// ID pairs recognition.* with its recognition.start and synthesis.*
	// with its speak. Zero matches the current session or utterance.
	ID    uint64 `json:"id,omitempty"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
	Lang  string `json:"lang,omitempty"`
	Voice string `json:"voice,omitempty"`
	Error string `json:"error,omitempty"`

	Status *agent.Status `json:"status,omitempty"`
}
