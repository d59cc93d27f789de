package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timings controls every deadline the call session schedules.
type Timings struct {
	Silence        time.Duration // user silence before the AI nudges
	RestartBackoff time.Duration // retry after a failed or blocked recognition start
	Inactivity     time.Duration // no activity before the AI says goodbye
	HangupDelay    time.Duration // farewell end to OnEndCall
	Liveness       time.Duration // recognition liveness probe period
	Settle         time.Duration // AI speech end to listening
	WarmUp         time.Duration // call start to first listen
	Resume         time.Duration // unmute to listening
	FetchTimeout   time.Duration
	Tick           time.Duration // duration counter resolution
}

// DefaultTimings returns the production deadlines.
func DefaultTimings() Timings {
	return Timings{
		Silence:        12 * time.Second,
		RestartBackoff: 3 * time.Second,
		Inactivity:     5 * time.Minute,
		HangupDelay:    time.Second,
		Liveness:       2 * time.Second,
		Settle:         500 * time.Millisecond,
		WarmUp:         time.Second,
		Resume:         500 * time.Millisecond,
		FetchTimeout:   20 * time.Second,
		Tick:           time.Second,
	}
}

// Options wires a CallSession to its engines and host.
type Options struct {
	Recognizers RecognizerFactory
	// Synthesizer may be nil when speech output is unavailable.
	Synthesizer SpeechSynthesizer
	Dialogue    DialogueClient
	Prompts     PromptSource
	Timings     Timings
	Lang        string
	VoiceNames  []string
	// DisableBargeIn stops recognition while the AI talks instead of letting
	// the user interrupt.
	DisableBargeIn bool
	Logger         *zap.Logger
	// OnEndCall is invoked once when the session ends the call on its own.
	OnEndCall func()
	// OnStatus is invoked on the session loop whenever the status changes.
	OnStatus func(Status)
	// OnTurn receives each final user utterance and each line the AI speaks,
	// on the session loop. It must not block.
	OnTurn func(role, text string)
}

type speechKind int

const (
	speechNone speechKind = iota
	speechReply
	speechNudge
	speechFarewell
)

var errAlreadyStarted = errors.New("agent: call session already started")

// CallSession runs one voice conversation between a user and the AI persona.
// All state transitions happen on a single loop goroutine; engine callbacks,
// timers and host calls are queued onto it.
type CallSession struct {
	opts   Options
	t      Timings
	log    *zap.Logger
	inbox  *mailbox
	timers timerSet

	ctx         context.Context
	call        uint64
	active      bool
	muted       bool
	state       TurnState
	rec         SpeechRecognizer
	recRunning  bool
	stopsInFly  int
	restartable bool
	speechID    uint64
	speechKind  speechKind
	ending      bool
	endNotified bool
	elapsed     time.Duration
	fetchCancel context.CancelFunc

	statusMu sync.Mutex
	status   Status

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewCallSession constructs a CallSession. Zero timings take their defaults.
func NewCallSession(opts Options) *CallSession {
	def := DefaultTimings()
	t := opts.Timings
	fill := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	fill(&t.Silence, def.Silence)
	fill(&t.RestartBackoff, def.RestartBackoff)
	fill(&t.Inactivity, def.Inactivity)
	fill(&t.HangupDelay, def.HangupDelay)
	fill(&t.Liveness, def.Liveness)
	fill(&t.Settle, def.Settle)
	fill(&t.WarmUp, def.WarmUp)
	fill(&t.Resume, def.Resume)
	fill(&t.FetchTimeout, def.FetchTimeout)
	fill(&t.Tick, def.Tick)
	if opts.Lang == "" {
		opts.Lang = "en-US"
	}
	if opts.VoiceNames == nil {
		opts.VoiceNames = DefaultVoiceNames
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CallSession{
		opts:  opts,
		t:     t,
		log:   logger,
		inbox: newMailbox(),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.timers.post = s.inbox.post
	s.status = Status{StateName: Idle.String(), Elapsed: FormatDuration(0)}
	return s
}

// Start runs the session loop until ctx is done or the returned stop function
// is called. Stop tears the call down and waits for the loop to exit.
func (s *CallSession) Start(ctx context.Context) (func(), error) {
	if s.opts.Dialogue == nil || s.opts.Prompts == nil {
		return nil, errors.New("agent: dialogue client and prompt source are required")
	}
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return nil, errAlreadyStarted
	}
	s.ctx = ctx
	go s.run(ctx)
	stop := func() {
		s.stopOnce.Do(func() { close(s.quit) })
		<-s.done
	}
	return stop, nil
}

// SetActive mirrors the host's call-active flag.
func (s *CallSession) SetActive(on bool) {
	s.inbox.post(func() {
		if on {
			s.activate()
		} else {
			s.deactivate()
		}
	})
}

// SetMuted mirrors the host's microphone-muted flag.
func (s *CallSession) SetMuted(on bool) {
	s.inbox.post(func() { s.setMuted(on) })
}

// Hangup says a farewell and ends the call.
func (s *CallSession) Hangup() {
	s.inbox.post(s.farewell)
}

// Status returns the latest status snapshot.
func (s *CallSession) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *CallSession) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case <-s.quit:
			s.teardown()
			return
		case <-s.inbox.notify:
			for _, e := range s.inbox.drain() {
				e()
			}
		}
	}
}

// inspect runs fn on the loop and waits for it.
func (s *CallSession) inspect(fn func()) {
	ran := make(chan struct{})
	s.inbox.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-s.done:
	}
}

// lifecycle

func (s *CallSession) activate() {
	if s.active {
		return
	}
	s.call++
	s.active = true
	s.ending = false
	s.endNotified = false
	s.elapsed = 0
	s.state = Idle
	s.stopsInFly = 0
	s.initRecognizer()
	s.timers.schedule(clockTimer, s.t.Tick, s.tick)
	s.timers.schedule(livenessTimer, s.t.Liveness, s.probe)
	s.resetInactivity()
	if !s.muted {
		s.timers.schedule(restartTimer, s.t.WarmUp, s.startRecognition)
	}
	s.log.Info("call started", zap.Uint64("call", s.call), zap.Bool("muted", s.muted))
	s.publish()
}

func (s *CallSession) initRecognizer() {
	s.rec = nil
	s.recRunning = false
	if s.opts.Recognizers == nil {
		return
	}
	call := s.call
	ev := RecognitionEvents{
		OnResult: func(u Utterance) { s.inbox.post(func() { s.onResult(call, u) }) },
		OnError:  func(kind string) { s.inbox.post(func() { s.onRecognitionError(call, kind) }) },
		OnEnd:    func() { s.inbox.post(func() { s.onRecognitionEnd(call) }) },
	}
	rec, err := s.opts.Recognizers(s.opts.Lang, ev)
	if err != nil {
		s.log.Warn("speech recognition unavailable", zap.Error(err))
		return
	}
	s.rec = rec
}

func (s *CallSession) deactivate() {
	if !s.active {
		return
	}
	s.teardown()
	s.log.Info("call stopped by host", zap.String("duration", FormatDuration(s.elapsed)))
	s.publish()
}

// teardown is the hard cancel: no timer, recognition or speech survives it.
func (s *CallSession) teardown() {
	s.active = false
	s.timers.clearAll()
	s.cancelFetch()
	s.stopRecognition()
	s.rec = nil
	s.cancelSpeech()
	s.state = Idle
	s.ending = false
}

func (s *CallSession) setMuted(on bool) {
	if s.muted == on {
		return
	}
	s.muted = on
	if s.active && !s.ending {
		if on {
			s.timers.clear(restartTimer)
			s.stopRecognition()
		} else {
			s.timers.schedule(restartTimer, s.t.Resume, s.startRecognition)
		}
	}
	s.publish()
}

func (s *CallSession) tick() {
	s.elapsed += s.t.Tick
	s.timers.schedule(clockTimer, s.t.Tick, s.tick)
	s.publish()
}

// turn control

func (s *CallSession) canListen() bool {
	return s.active && !s.muted && !s.ending && s.rec != nil &&
		s.state != Speaking && s.state != Processing
}

func (s *CallSession) startRecognition() {
	if s.rec == nil || !s.active || s.muted || s.ending {
		return
	}
	if s.recRunning {
		// Left running through the AI's turn; just hand the turn back.
		if s.state == Idle {
			s.state = Listening
			s.resetSilence()
			s.publish()
		}
		return
	}
	if s.state == Speaking || s.state == Processing {
		s.timers.schedule(restartTimer, s.t.RestartBackoff, s.startRecognition)
		return
	}
	s.restartable = true
	if err := s.rec.Start(); err != nil {
		s.log.Warn("recognition start failed, retrying", zap.Error(err), zap.Duration("backoff", s.t.RestartBackoff))
		s.timers.schedule(restartTimer, s.t.RestartBackoff, s.startRecognition)
		return
	}
	s.recRunning = true
	s.state = Listening
	s.resetSilence()
	s.log.Debug("listening")
	s.publish()
}

// stopRecognition clears restartable first so the engine's end callback
// does not bring recognition straight back.
func (s *CallSession) stopRecognition() {
	s.restartable = false
	s.timers.clear(silenceTimer)
	if s.rec != nil && s.recRunning {
		s.stopsInFly++
		s.rec.Stop()
	}
	s.recRunning = false
	if s.state == Listening {
		s.state = Idle
	}
}

func (s *CallSession) onRecognitionEnd(call uint64) {
	if call != s.call {
		return
	}
	if s.stopsInFly > 0 {
		s.stopsInFly--
		if s.recRunning {
			// end of a session we already stopped and replaced
			return
		}
	}
	s.recRunning = false
	if !s.active {
		return
	}
	if s.state == Listening {
		s.state = Idle
		s.timers.clear(silenceTimer)
	}
	if s.restartable && s.canListen() {
		s.timers.schedule(restartTimer, s.t.Settle, s.startRecognition)
	}
	s.publish()
}

func (s *CallSession) onRecognitionError(call uint64, kind string) {
	if call != s.call || !s.active {
		return
	}
	switch kind {
	case RecognitionAborted:
		s.log.Debug("recognition aborted")
	case RecognitionNoSpeech:
		s.log.Debug("recognition heard no speech")
		if s.state == Listening {
			s.onSilence()
		}
	case RecognitionStartFailed:
		// the engine accepted Start but never came up
		s.log.Warn("recognition failed to start, retrying", zap.Duration("backoff", s.t.RestartBackoff))
		s.recRunning = false
		if s.state == Listening {
			s.state = Idle
			s.timers.clear(silenceTimer)
		}
		if s.canListen() {
			s.timers.schedule(restartTimer, s.t.RestartBackoff, s.startRecognition)
		}
		s.publish()
	default:
		s.log.Warn("recognition error", zap.String("kind", kind))
	}
}

func (s *CallSession) onResult(call uint64, u Utterance) {
	if call != s.call || !s.active || s.ending {
		return
	}
	text := strings.TrimSpace(u.Text)
	if s.state == Speaking {
		if text == "" {
			return
		}
		s.interrupt()
	}
	if s.state == Processing {
		s.log.Debug("ignoring speech while processing", zap.String("text", text))
		return
	}
	if !u.IsFinal {
		if text != "" {
			s.resetSilence()
		}
		return
	}
	if text == "" {
		return
	}
	s.log.Info("heard(final)", zap.String("text", text))
	s.turn("user", text)
	s.timers.clear(silenceTimer)
	s.resetInactivity()
	if containsEndPhrase(text, s.opts.Prompts.EndPhrases()) {
		s.log.Info("ending phrase detected")
		s.farewell()
		return
	}
	s.submit(text)
}

// interrupt cancels the AI mid-utterance. The engine's resulting
// "interrupted" error carries a stale speech id and is ignored.
func (s *CallSession) interrupt() {
	s.log.Info("barge-in: cancelling speech")
	s.cancelSpeech()
	s.state = Listening
	s.publish()
}

func (s *CallSession) cancelSpeech() {
	s.speechID++
	s.speechKind = speechNone
	if s.opts.Synthesizer != nil && (s.state == Speaking || s.opts.Synthesizer.Speaking()) {
		s.opts.Synthesizer.Cancel()
	}
	if s.state == Speaking {
		s.state = Idle
	}
}

// remote dialogue

func (s *CallSession) submit(text string) {
	if s.opts.DisableBargeIn {
		s.stopRecognition()
	}
	s.timers.clear(silenceTimer)
	s.state = Processing
	ctx, cancel := context.WithTimeout(s.ctx, s.t.FetchTimeout)
	s.fetchCancel = cancel
	call := s.call
	msgs := []Message{
		{Role: "system", Content: s.opts.Prompts.SystemPrompt()},
		{Role: "user", Content: text},
	}
	go func() {
		defer cancel()
		reply, err := s.opts.Dialogue.Reply(ctx, msgs)
		s.inbox.post(func() { s.onReply(call, reply, err) })
	}()
	s.publish()
}

func (s *CallSession) cancelFetch() {
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
}

func (s *CallSession) onReply(call uint64, reply string, err error) {
	if call != s.call || !s.active || s.ending || s.state != Processing {
		return
	}
	s.fetchCancel = nil
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		s.log.Warn("dialogue fetch failed, using fallback", zap.Error(err))
		reply = s.opts.Prompts.Fallback()
	}
	s.speak(reply, speechReply)
}

// synthesis

func (s *CallSession) speak(text string, kind speechKind) {
	synth := s.opts.Synthesizer
	s.timers.clear(silenceTimer)
	if synth == nil {
		s.log.Warn("speech synthesis unavailable", zap.String("text", text))
		s.state = Idle
		s.finishSpeech(kind)
		return
	}
	if s.opts.DisableBargeIn {
		s.stopRecognition()
	}
	s.speechID++
	id := s.speechID
	s.speechKind = kind
	s.state = Speaking
	if kind != speechFarewell {
		s.resetInactivity()
	}
	voice, _ := SelectVoice(synth.Voices(), s.opts.VoiceNames, s.opts.Lang)
	ev := SynthesisEvents{
		OnStart: func() { s.inbox.post(func() { s.onSpeechStart(id) }) },
		OnEnd:   func() { s.inbox.post(func() { s.onSpeechEnd(id) }) },
		OnError: func(reason string) { s.inbox.post(func() { s.onSpeechError(id, reason) }) },
	}
	s.log.Info("speaking", zap.String("text", text), zap.String("voice", voice.Name))
	s.turn("assistant", text)
	s.publish()
	req := SpeechRequest{Text: text, Voice: voice, Lang: s.opts.Lang, Rate: 1, Pitch: 1}
	if err := synth.Speak(req, ev); err != nil {
		s.onSpeechError(id, err.Error())
	}
}

func (s *CallSession) onSpeechStart(id uint64) {
	if id != s.speechID || s.ending {
		return
	}
	s.resetInactivity()
}

func (s *CallSession) onSpeechEnd(id uint64) {
	if id != s.speechID || s.state != Speaking {
		return
	}
	s.finishSpeech(s.speechKind)
}

func (s *CallSession) onSpeechError(id uint64, reason string) {
	if reason == SynthesisInterrupted {
		s.log.Debug("speech interrupted")
	} else {
		s.log.Warn("speech synthesis error", zap.String("reason", reason))
	}
	if id != s.speechID || s.state != Speaking {
		return
	}
	s.finishSpeech(s.speechKind)
}

func (s *CallSession) finishSpeech(kind speechKind) {
	s.speechKind = speechNone
	if s.state == Speaking {
		s.state = Idle
	}
	if kind == speechFarewell {
		s.timers.schedule(callEndTimer, s.t.HangupDelay, s.endCall)
	} else if s.active && !s.muted && !s.ending {
		s.timers.schedule(restartTimer, s.t.Settle, s.startRecognition)
	}
	s.publish()
}

// watchdogs

func (s *CallSession) resetSilence() {
	s.timers.clear(silenceTimer)
	if !s.active || s.ending || s.state != Listening {
		return
	}
	s.timers.schedule(silenceTimer, s.t.Silence, s.onSilence)
}

func (s *CallSession) onSilence() {
	if !s.active || s.ending || s.muted || s.state == Speaking || s.state == Processing {
		return
	}
	s.log.Info("user silent, prompting")
	s.speak(s.opts.Prompts.Nudge(), speechNudge)
}

func (s *CallSession) resetInactivity() {
	if !s.active || s.ending {
		return
	}
	s.timers.schedule(callEndTimer, s.t.Inactivity, s.onInactivity)
}

func (s *CallSession) onInactivity() {
	s.log.Info("no activity, ending call", zap.Duration("after", s.t.Inactivity))
	s.farewell()
}

// probe restarts recognition that died without an end event and cancels
// speech the engine is still producing after the AI's turn ended.
func (s *CallSession) probe() {
	s.timers.schedule(livenessTimer, s.t.Liveness, s.probe)
	if synth := s.opts.Synthesizer; synth != nil && s.state != Speaking && synth.Speaking() {
		s.log.Warn("speech still playing outside the AI turn, cancelling")
		s.speechID++
		synth.Cancel()
	}
	if s.canListen() && !s.recRunning && !s.timers.pending(restartTimer) {
		s.log.Debug("recognition not running, restarting")
		s.startRecognition()
	}
}

// call ending

func (s *CallSession) farewell() {
	if !s.active || s.ending {
		return
	}
	s.ending = true
	s.timers.clear(silenceTimer)
	s.timers.clear(restartTimer)
	s.timers.clear(callEndTimer)
	s.cancelFetch()
	s.stopRecognition()
	s.cancelSpeech()
	s.state = Idle
	if s.opts.Synthesizer == nil || s.muted {
		s.endCall()
		return
	}
	s.speak(s.opts.Prompts.Farewell(), speechFarewell)
}

func (s *CallSession) endCall() {
	if s.endNotified {
		return
	}
	s.endNotified = true
	s.teardown()
	s.log.Info("call ended", zap.String("duration", FormatDuration(s.elapsed)))
	s.publish()
	if s.opts.OnEndCall != nil {
		s.opts.OnEndCall()
	}
}

func (s *CallSession) turn(role, text string) {
	if s.opts.OnTurn != nil {
		s.opts.OnTurn(role, text)
	}
}

func (s *CallSession) publish() {
	st := Status{
		Active:     s.active,
		Muted:      s.muted,
		State:      s.state,
		StateName:  s.state.String(),
		Listening:  s.state == Listening,
		Speaking:   s.state == Speaking,
		Processing: s.state == Processing,
		Duration:   s.elapsed,
		Elapsed:    FormatDuration(s.elapsed),
	}
	s.statusMu.Lock()
	changed := st != s.status
	s.status = st
	s.statusMu.Unlock()
	if changed && s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}
