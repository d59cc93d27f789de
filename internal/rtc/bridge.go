package rtc

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/voicecall/internal/agent"
)

const writeTimeout = 10 * time.Second

var errRecognitionRunning = errors.New("rtc: recognition already started")

type outFrame struct {
	binary  bool
	data    []byte
	flushed chan struct{}
}

// Bridge relays one call between the session and the browser. It implements
// the browser-backed recognizer and synthesizer and is the audio sink for
// server-side synthesis.
type Bridge struct {
	conn *websocket.Conn
	log  *zap.Logger
	out  chan outFrame
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	rec       *browserRecognizer
	audio     interface{ Write(pcm []byte) }
	recSeq    uint64
	synth     *browserSynthesizer
	recording bool
}

func newBridge(conn *websocket.Conn, log *zap.Logger) *Bridge {
	b := &Bridge{
		conn: conn,
		log:  log,
		out:  make(chan outFrame, 256),
		done: make(chan struct{}),
	}
	b.synth = &browserSynthesizer{b: b, pending: make(map[uint64]agent.SynthesisEvents)}
	return b
}

func (b *Bridge) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case f := <-b.out:
			if f.flushed != nil {
				close(f.flushed)
				continue
			}
			mt := websocket.TextMessage
			if f.binary {
				mt = websocket.BinaryMessage
			}
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := b.conn.WriteMessage(mt, f.data); err != nil {
				b.log.Debug("ws write failed", zap.Error(err))
				b.close()
				return
			}
		}
	}
}

func (b *Bridge) close() {
	b.once.Do(func() {
		close(b.done)
		_ = b.conn.Close()
	})
}

func (b *Bridge) enqueue(f outFrame) {
	select {
	case b.out <- f:
	case <-b.done:
	}
}

// flush waits until frames queued so far are written.
func (b *Bridge) flush() {
	done := make(chan struct{})
	b.enqueue(outFrame{flushed: done})
	select {
	case <-done:
	case <-b.done:
	case <-time.After(writeTimeout):
	}
}

func (b *Bridge) send(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		b.log.Error("marshal message", zap.String("type", m.Type), zap.Error(err))
		return
	}
	b.enqueue(outFrame{data: data})
}

func (b *Bridge) sendError(err error) {
	b.send(Message{Type: TypeError, Error: err.Error()})
}

// WritePCM forwards synthesized audio as a binary frame.
func (b *Bridge) WritePCM(pcm []byte) error {
	select {
	case <-b.done:
		return errors.New("rtc: connection closed")
	default:
	}
	b.enqueue(outFrame{binary: true, data: pcm})
	return nil
}

// Reset tells the browser to drop queued synthesized audio.
func (b *Bridge) Reset() {
	b.send(Message{Type: TypeSpeakCancel})
}

func (b *Bridge) setRecording(on bool) {
	b.mu.Lock()
	b.recording = on
	b.mu.Unlock()
}

func (b *Bridge) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recording
}

// newRecognizer replaces the call's browser recognizer.
func (b *Bridge) newRecognizer(lang string, ev agent.RecognitionEvents) *browserRecognizer {
	r := &browserRecognizer{b: b, lang: lang, ev: ev}
	b.mu.Lock()
	b.rec = r
	b.mu.Unlock()
	return r
}

func (b *Bridge) setAudioTarget(w interface{ Write(pcm []byte) }) {
	b.mu.Lock()
	b.audio = w
	b.mu.Unlock()
}

func (b *Bridge) feedAudio(pcm []byte) {
	b.mu.Lock()
	w := b.audio
	b.mu.Unlock()
	if w != nil {
		w.Write(pcm)
	}
}

func (b *Bridge) recognizer() *browserRecognizer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec
}

func (b *Bridge) nextRecognitionID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recSeq++
	return b.recSeq
}

// browserRecognizer drives the browser's continuous speech recognition.
// Stop reports OnEnd itself; the browser's later end for that run is ignored.
type browserRecognizer struct {
	b    *Bridge
	lang string
	ev   agent.RecognitionEvents

	mu      sync.Mutex
	running bool
	id      uint64
}

func (r *browserRecognizer) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errRecognitionRunning
	}
	r.running = true
	r.id = r.b.nextRecognitionID()
	id := r.id
	r.mu.Unlock()
	r.b.send(Message{Type: TypeRecognitionStart, ID: id, Lang: r.lang})
	return nil
}

func (r *browserRecognizer) Stop() {
	r.mu.Lock()
	was := r.running
	r.running = false
	id := r.id
	r.mu.Unlock()
	if !was {
		return
	}
	r.b.send(Message{Type: TypeRecognitionStop, ID: id})
	r.ev.OnEnd()
}

func (r *browserRecognizer) current(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id == 0 || id == r.id
}

func (r *browserRecognizer) result(id uint64, text string, final bool) {
	if !r.current(id) {
		return
	}
	r.ev.OnResult(agent.Utterance{Text: text, IsFinal: final})
}

func (r *browserRecognizer) fail(id uint64, kind string) {
	r.mu.Lock()
	live := id == 0 || id == r.id
	if live && kind == agent.RecognitionStartFailed {
		r.running = false
	}
	r.mu.Unlock()
	if live {
		r.ev.OnError(kind)
	}
}

func (r *browserRecognizer) ended(id uint64) {
	r.mu.Lock()
	live := r.running && (id == 0 || id == r.id)
	if live {
		r.running = false
	}
	r.mu.Unlock()
	if live {
		r.ev.OnEnd()
	}
}

// browserSynthesizer drives the browser's speech synthesis.
type browserSynthesizer struct {
	b *Bridge

	mu      sync.Mutex
	voices  []agent.Voice
	seq     uint64
	current uint64
	pending map[uint64]agent.SynthesisEvents
}

func (s *browserSynthesizer) setVoices(v []agent.Voice) {
	s.mu.Lock()
	s.voices = append([]agent.Voice(nil), v...)
	s.mu.Unlock()
}

func (s *browserSynthesizer) Voices() []agent.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Voice(nil), s.voices...)
}

func (s *browserSynthesizer) Speak(req agent.SpeechRequest, ev agent.SynthesisEvents) error {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.current = id
	s.pending[id] = ev
	s.mu.Unlock()
	s.b.send(Message{Type: TypeSpeak, ID: id, Text: req.Text, Voice: req.Voice.Name, Lang: req.Lang})
	return nil
}

// Cancel reports SynthesisInterrupted at once; the browser's own report for
// the cancelled id is ignored.
func (s *browserSynthesizer) Cancel() {
	s.mu.Lock()
	id := s.current
	s.current = 0
	ev, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if id != 0 {
		s.b.send(Message{Type: TypeSpeakCancel, ID: id})
	}
	if ok && ev.OnError != nil {
		ev.OnError(agent.SynthesisInterrupted)
	}
}

func (s *browserSynthesizer) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != 0
}

func (s *browserSynthesizer) resolve(id uint64) uint64 {
	if id == 0 {
		return s.current
	}
	return id
}

func (s *browserSynthesizer) started(id uint64) {
	s.mu.Lock()
	ev, ok := s.pending[s.resolve(id)]
	s.mu.Unlock()
	if ok && ev.OnStart != nil {
		ev.OnStart()
	}
}

func (s *browserSynthesizer) finished(id uint64, reason string) {
	s.mu.Lock()
	id = s.resolve(id)
	ev, ok := s.pending[id]
	delete(s.pending, id)
	if s.current == id {
		s.current = 0
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if reason == "" {
		ev.OnEnd()
		return
	}
	ev.OnError(reason)
}
