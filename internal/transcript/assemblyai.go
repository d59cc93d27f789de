package transcript

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/voicecall/internal/agent"
)

const defaultURL = "wss://streaming.assemblyai.com/v3/ws"

// Default finalization windows. An utterance is final once neither new text
// nor voice energy has arrived for SilenceThreshold (longer when the last word
// suggests the speaker will continue) and no update lands during the grace.
const (
	SilenceThreshold      = 700 * time.Millisecond
	ContinuationExtension = 1200 * time.Millisecond
	StabilizationGrace    = 250 * time.Millisecond
)

const audioWriteTimeout = 2 * time.Second

var errAlreadyStarted = errors.New("assemblyai: recognition already started")

type Options struct {
	APIKey       string
	URL          string
	SampleRate   int
	Silence      time.Duration
	Continuation time.Duration
	Grace        time.Duration
	Logger       *zap.Logger
}

// Recognizer streams 16-bit PCM to AssemblyAI and reports interim and final
// utterances. Each Start opens a fresh streaming session.
type Recognizer struct {
	opts Options
	ev   agent.RecognitionEvents
	log  *zap.Logger

	mu  sync.Mutex
	cur *stream
}

// AssemblyAI message types
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	TurnOrder     *int   `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func New(opts Options, ev agent.RecognitionEvents) *Recognizer {
	if opts.URL == "" {
		opts.URL = defaultURL
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	if opts.Silence == 0 {
		opts.Silence = SilenceThreshold
	}
	if opts.Continuation == 0 {
		opts.Continuation = ContinuationExtension
	}
	if opts.Grace == 0 {
		opts.Grace = StabilizationGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recognizer{opts: opts, ev: ev, log: logger.Named("assemblyai")}
}

// Start opens a streaming session. Connection failures are reported through
// OnError("network") followed by OnEnd.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return errAlreadyStarted
	}
	if r.opts.APIKey == "" {
		return errors.New("assemblyai: api key is empty")
	}
	st := &stream{
		r:        r,
		stopCh:   make(chan struct{}),
		audio:    make(chan []byte, 1000),
		turn:     -1,
		doneTurn: -1,
	}
	r.cur = st
	go st.run()
	return nil
}

// Stop ends the session, flushing any pending words as a final result.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	st := r.cur
	r.cur = nil
	r.mu.Unlock()
	if st != nil {
		st.stop()
	}
}

// Write queues microphone audio (16-bit little-endian mono). Audio written
// while no session is running is dropped.
func (r *Recognizer) Write(pcm []byte) {
	r.mu.Lock()
	st := r.cur
	r.mu.Unlock()
	if st != nil {
		st.push(pcm)
	}
}

func (r *Recognizer) detach(st *stream) {
	r.mu.Lock()
	if r.cur == st {
		r.cur = nil
	}
	r.mu.Unlock()
}

func (r *Recognizer) endpoint() (string, error) {
	u, err := url.Parse(r.opts.URL)
	if err != nil {
		return "", fmt.Errorf("assemblyai url: %w", err)
	}
	params := u.Query()
	params.Set("sample_rate", strconv.Itoa(r.opts.SampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// stream is one streaming session.
type stream struct {
	r        *Recognizer
	stopCh   chan struct{}
	audio    chan []byte
	stopOnce sync.Once
	endOnce  sync.Once
	// set before stopCh closes; the audio sender sends Terminate on its way out
	terminate bool

	// connMu guards the conn pointer only. sendAudio is the sole writer.
	connMu sync.Mutex
	conn   *websocket.Conn

	// utterance accumulation
	accMu      sync.Mutex
	closed     bool
	turn       int // turn_order of latest, -1 when the service does not number turns
	doneTurn   int // highest turn_order already closed by end_of_turn
	latest     string
	committed  string
	lastUpdate time.Time
	lastVoice  time.Time
	timer      *time.Timer
}

func (st *stream) run() {
	log := st.r.log
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-st.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	wsURL, err := st.r.endpoint()
	if err != nil {
		st.fail(err)
		return
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := http.Header{"Authorization": {st.r.opts.APIKey}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Warn("connection rejected", zap.Int("status", resp.StatusCode))
		}
		st.fail(fmt.Errorf("failed to connect to AssemblyAI: %w", err))
		return
	}

	st.connMu.Lock()
	select {
	case <-st.stopCh:
		st.connMu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	st.conn = conn
	st.connMu.Unlock()

	now := time.Now()
	st.accMu.Lock()
	st.lastUpdate, st.lastVoice = now, now
	st.accMu.Unlock()

	go st.sendAudio(conn)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-st.stopCh:
			default:
				log.Warn("stream read failed", zap.Error(err))
				if delta := st.commit(); delta != "" {
					st.r.ev.OnResult(agent.Utterance{Text: delta, IsFinal: true})
				}
				st.r.ev.OnError("network")
				st.shutdown(false)
			}
			st.finish()
			return
		}
		st.handle(message)
	}
}

func (st *stream) fail(err error) {
	select {
	case <-st.stopCh:
		return
	default:
	}
	st.r.log.Warn("recognition stream failed", zap.Error(err))
	st.r.ev.OnError("network")
	st.shutdown(false)
	st.finish()
}

// finish reports the end of this session exactly once.
func (st *stream) finish() {
	st.endOnce.Do(func() {
		st.accMu.Lock()
		st.closed = true
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.accMu.Unlock()
		st.r.detach(st)
		st.r.ev.OnEnd()
	})
}

// stop flushes pending words as a final result, then ends the session.
func (st *stream) stop() {
	if delta := st.commit(); delta != "" {
		st.r.ev.OnResult(agent.Utterance{Text: delta, IsFinal: true})
	}
	st.shutdown(true)
	st.finish()
}

// shutdown closes the session once and never blocks on the socket. With
// terminate the audio sender asks the service to end cleanly, then closes.
func (st *stream) shutdown(terminate bool) {
	st.stopOnce.Do(func() {
		st.terminate = terminate
		close(st.stopCh)
		st.connMu.Lock()
		conn := st.conn
		st.connMu.Unlock()
		if conn != nil && !terminate {
			_ = conn.Close()
		}
	})
}

func (st *stream) push(pcm []byte) {
	select {
	case <-st.stopCh:
		return
	default:
	}
	st.detectVoiceActivity(pcm)
	select {
	case st.audio <- pcm:
	default:
		st.r.log.Debug("audio buffer full, dropping frame")
	}
}

func (st *stream) sendAudio(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		select {
		case <-st.stopCh:
			if st.terminate {
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
			}
			return
		case pcm := <-st.audio:
			_ = conn.SetWriteDeadline(time.Now().Add(audioWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				st.r.log.Debug("audio send failed", zap.Error(err))
				return
			}
		}
	}
}

func (st *stream) handle(message []byte) {
	log := st.r.log
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Warn("bad message", zap.Error(err))
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			log.Debug("session began", zap.String("id", msg.ID), zap.Time("expires", time.Unix(msg.ExpiresAt, 0)))
		}
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		st.onTurn(msg)
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			log.Debug("session terminated",
				zap.Float64("audio_seconds", msg.AudioDurationSeconds),
				zap.Float64("session_seconds", msg.SessionDurationSeconds))
		}
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			log.Warn("service error", zap.String("error", msg.Error))
		}
		st.r.ev.OnError("network")
	default:
		log.Debug("unknown message type", zap.String("type", base.Type))
	}
}

// onTurn folds one Turn update into the current utterance. Each turn's
// transcript starts fresh, so a new turn_order or a closed turn resets what
// was committed; text left over from the previous turn is delivered first.
func (st *stream) onTurn(msg turnMessage) {
	st.accMu.Lock()
	if st.closed {
		st.accMu.Unlock()
		return
	}
	var finals []string
	if msg.TurnOrder != nil {
		order := *msg.TurnOrder
		if order <= st.doneTurn {
			st.accMu.Unlock()
			return
		}
		if order != st.turn {
			if d := st.closeTurnLocked(); d != "" {
				finals = append(finals, d)
			}
			st.turn = order
		}
	}
	if msg.Transcript != "" {
		st.latest = msg.Transcript
		st.lastUpdate = time.Now()
	}
	var interim string
	switch {
	case msg.EndOfTurn:
		if d := st.closeTurnLocked(); d != "" {
			finals = append(finals, d)
		}
		if msg.TurnOrder != nil {
			st.doneTurn = *msg.TurnOrder
		}
	case msg.Transcript != "":
		interim = pendingDelta(st.latest, st.committed)
		st.resetTimerLocked(st.r.opts.Silence)
	}
	st.accMu.Unlock()

	for _, text := range finals {
		st.r.ev.OnResult(agent.Utterance{Text: text, IsFinal: true})
	}
	if interim != "" {
		st.r.ev.OnResult(agent.Utterance{Text: interim})
	}
}

// closeTurnLocked ends the current turn and returns its undelivered words.
func (st *stream) closeTurnLocked() string {
	delta := pendingDelta(st.latest, st.committed)
	st.latest, st.committed = "", ""
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	return delta
}

// commitLocked marks everything heard so far as delivered and returns what
// was new. Without turn numbering a silence commit also closes the turn.
func (st *stream) commitLocked() string {
	delta := pendingDelta(st.latest, st.committed)
	if st.turn < 0 {
		st.latest, st.committed = "", ""
	} else {
		st.committed = st.latest
	}
	return delta
}

func (st *stream) threshold() time.Duration {
	if isContinuationLikely(st.latest) {
		return st.r.opts.Silence + st.r.opts.Continuation
	}
	return st.r.opts.Silence
}

func (st *stream) resetTimerLocked(d time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(d, st.onSilence)
}

// onSilence runs after the silence window. It re-arms while text or voice is
// still recent, then waits out the grace before finalizing.
func (st *stream) onSilence() {
	st.accMu.Lock()
	defer st.accMu.Unlock()
	if st.closed {
		return
	}
	now := time.Now()
	threshold := st.threshold()
	sinceText, sinceVoice := now.Sub(st.lastUpdate), now.Sub(st.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold - min(sinceText, sinceVoice)
		st.resetTimerLocked(max(wait, 10*time.Millisecond))
		return
	}
	mark := st.lastUpdate
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(st.r.opts.Grace, func() { st.afterGrace(mark) })
}

func (st *stream) afterGrace(mark time.Time) {
	st.accMu.Lock()
	if st.closed {
		st.accMu.Unlock()
		return
	}
	if st.lastUpdate.After(mark) {
		st.resetTimerLocked(st.threshold())
		st.accMu.Unlock()
		return
	}
	st.timer = nil
	delta := st.commitLocked()
	st.accMu.Unlock()
	if delta != "" {
		st.r.ev.OnResult(agent.Utterance{Text: delta, IsFinal: true})
	}
}

func (st *stream) commit() string {
	st.accMu.Lock()
	defer st.accMu.Unlock()
	return st.commitLocked()
}

// detectVoiceActivity updates lastVoice when the frame's RMS crosses the
// voice threshold. Expects 16-bit little-endian mono PCM.
func (st *stream) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 1
	if len(pcm) > 3200 {
		step = 2
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		st.accMu.Lock()
		st.lastVoice = time.Now()
		st.accMu.Unlock()
	}
}

// pendingDelta returns the part of latest not yet committed. The service
// resends the whole turn on every update, so the committed text is normally a prefix.
func pendingDelta(latest, committed string) string {
	if latest == committed {
		return ""
	}
	delta := strings.TrimSpace(strings.TrimPrefix(latest, committed))
	if delta == "" && committed != "" {
		if idx := strings.LastIndex(latest, committed); idx >= 0 {
			delta = strings.TrimSpace(latest[idx+len(committed):])
		}
	}
	return delta
}

// isContinuationLikely reports whether the last word suggests the speaker
// will keep going (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
