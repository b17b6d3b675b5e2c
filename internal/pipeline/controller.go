package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/protocol"
	"github.com/antoniostano/voxline/internal/reliability"
	"github.com/antoniostano/voxline/internal/transcript"
)

// Turn states.
const (
	StateIdle       = "idle"
	StateListening  = "listening"
	StateCommitted  = "committed"
	StateGenerating = "generating"
	StateSpeaking   = "speaking"
	StateDraining   = "draining"
)

const (
	defaultApology     = "Sorry, I ran into a problem answering that. Could you say it again?"
	ttsFinalizeTimeout = 12 * time.Second
	outboundSpoolSize  = 1024
)

// Config holds per-session turn arbitration settings.
type Config struct {
	SessionID    string
	SilenceHold  time.Duration
	STTFinalWait time.Duration
	CancelWait   time.Duration
	Greeting     string
	SystemPrompt string
	ApologyText  string
}

// Controller arbitrates speaking turns for one session. A single decision
// loop goroutine owns all turn state; audio ingestion, transcription,
// generation and synthesis run beside it and communicate only through the
// event channel.
type Controller struct {
	cfg        Config
	stt        STTProvider
	tts        TTSProvider
	llm        LanguageModel
	vad        VAD
	sttProfile STTProfile
	ttsProfile TTSProfile
	sink       *transcript.Sink
	metrics    *observability.Metrics
	log        *zap.Logger

	machine *fsm.FSM
	events  chan event
	runDone chan struct{}

	// spool decouples the decision loop from the transport; a forwarder
	// goroutine owns the outbound channel.
	spool         chan any
	endpointReset chan struct{}

	chatMu sync.Mutex
	chat   []ChatTurn

	// Loop-owned turn bookkeeping.
	utt          utterance
	genCounter   uint64
	commitTimer  *time.Timer
	turnToken    int64
	turnCancel   context.CancelFunc
	pendingToken int64
	deferred     []pendingCommit
	cancelAt     time.Time
	commitAt     time.Time

	interruptions atomic.Int64
	stateHook     func(from, to string)
}

func NewController(
	cfg Config,
	stt STTProvider,
	tts TTSProvider,
	llm LanguageModel,
	vad VAD,
	sttProfile STTProfile,
	ttsProfile TTSProfile,
	sink *transcript.Sink,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SilenceHold <= 0 {
		cfg.SilenceHold = 600 * time.Millisecond
	}
	if cfg.STTFinalWait <= 0 {
		cfg.STTFinalWait = time.Second
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = 1500 * time.Millisecond
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = defaultApology
	}

	c := &Controller{
		cfg:           cfg,
		stt:           stt,
		tts:           tts,
		llm:           llm,
		vad:           vad,
		sttProfile:    sttProfile,
		ttsProfile:    ttsProfile,
		sink:          sink,
		metrics:       metrics,
		log:           log,
		events:        make(chan event, 256),
		runDone:       make(chan struct{}),
		spool:         make(chan any, outboundSpoolSize),
		endpointReset: make(chan struct{}, 1),
	}
	if cfg.SystemPrompt != "" {
		c.chat = append(c.chat, ChatTurn{Role: RoleSystem, Content: cfg.SystemPrompt, CreatedAt: time.Now().UTC()})
	}
	c.machine = fsm.NewFSM(StateIdle, fsm.Events{
		{Name: "listen", Src: []string{StateIdle, StateCommitted, StateGenerating, StateSpeaking}, Dst: StateListening},
		{Name: "commit", Src: []string{StateListening}, Dst: StateCommitted},
		{Name: "generate", Src: []string{StateIdle, StateCommitted}, Dst: StateGenerating},
		{Name: "speak", Src: []string{StateGenerating}, Dst: StateSpeaking},
		{Name: "drain", Src: []string{StateIdle, StateListening, StateCommitted, StateGenerating, StateSpeaking}, Dst: StateDraining},
	}, fsm.Callbacks{})
	return c
}

// SetStateHook registers a callback invoked on every state change. Must be
// set before Run.
func (c *Controller) SetStateHook(hook func(from, to string)) { c.stateHook = hook }

// State returns the current turn state.
func (c *Controller) State() string { return c.machine.Current() }

// Context returns a snapshot of the session's chat context.
func (c *Controller) Context() []ChatTurn {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	out := make([]ChatTurn, len(c.chat))
	copy(out, c.chat)
	return out
}

// InterruptionCount reports how many barge-ins this session has had.
func (c *Controller) InterruptionCount() int64 { return c.interruptions.Load() }

// RequestInterrupt asks the loop to treat an explicit client control as a
// barge-in.
func (c *Controller) RequestInterrupt() {
	c.post(event{kind: evControl, action: protocol.ActionInterrupt})
}

// RequestCommit asks the loop to close the current utterance without
// waiting for trailing silence.
func (c *Controller) RequestCommit() {
	c.post(event{kind: evControl, action: protocol.ActionCommit})
}

// Run drives the session until ctx is cancelled or the STT stream cannot be
// opened. It consumes audio frames and emits protocol messages on outbound.
func (c *Controller) Run(ctx context.Context, frames <-chan audio.Frame, outbound chan<- any) error {
	defer close(c.runDone)

	sttStream, err := c.stt.Open(ctx, c.sttProfile)
	if err != nil {
		c.providerError("stt", "open", err)
		return fmt.Errorf("open stt stream: %w", err)
	}
	defer sttStream.Close()

	pumpCtx, cancelPumps := context.WithCancel(ctx)
	defer cancelPumps()
	go c.pumpFrames(pumpCtx, frames, sttStream)
	go c.pumpSTT(pumpCtx, sttStream.Events())
	go c.forwardOutbound(pumpCtx, outbound)

	if c.cfg.Greeting != "" {
		c.startAgentTurn(ctx, c.cfg.Greeting)
	} else {
		c.transition("listen")
	}

	for {
		select {
		case <-ctx.Done():
			c.stopCommitTimer()
			c.transition("drain")
			if c.turnCancel != nil {
				c.turnCancel()
				c.turnCancel = nil
			}
			return nil
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evVAD:
		c.handleVAD(ctx, ev.vad)
	case evSTT:
		c.handleSTT(ctx, ev.stt)
	case evControl:
		c.handleControl(ctx, ev.action)
	case evCommitTimeout:
		if ev.gen != c.utt.gen || !c.utt.active || !c.utt.silenceDone || c.utt.haveFinal {
			return
		}
		c.tryCommit(ctx, true)
	case evAgentStarted:
		if ev.token == c.turnToken && c.State() == StateGenerating {
			c.transition("speak")
		}
	case evAgentDone:
		c.handleAgentDone(ctx, ev)
	}
}

func (c *Controller) handleVAD(ctx context.Context, ev VADEvent) {
	switch ev.Type {
	case VADSpeechOnset:
		switch c.State() {
		case StateSpeaking, StateGenerating:
			c.bargeIn()
			c.beginUtterance(ev.At)
		case StateIdle:
			c.transition("listen")
			c.beginUtterance(ev.At)
		case StateListening:
			if !c.utt.active {
				c.beginUtterance(ev.At)
			}
		}
	case VADEndOfUtterance:
		if c.State() != StateListening || !c.utt.active || c.utt.silenceDone {
			return
		}
		c.utt.silenceDone = true
		c.tryCommit(ctx, false)
	}
}

func (c *Controller) handleSTT(ctx context.Context, ev STTEvent) {
	switch ev.Type {
	case STTEventPartial:
		if !c.utt.active {
			st := c.State()
			if st != StateIdle && st != StateListening {
				return
			}
			// Transcription can land before the VAD flips; start tracking.
			if st == StateIdle {
				c.transition("listen")
			}
			c.beginUtterance(ev.Timestamp)
		}
		c.utt.lastPartial = ev.Text
		c.utt.confidence = ev.Confidence
		c.send(protocol.STTPartial{
			Type:        protocol.TypeSTTPartial,
			SessionID:   c.cfg.SessionID,
			UtteranceID: c.utt.id,
			Text:        ev.Text,
			Confidence:  ev.Confidence,
			TSMs:        ev.Timestamp.UnixMilli(),
		}, false)

	case STTEventFinal:
		if !c.utt.active {
			return
		}
		c.utt.finalText = ev.Text
		c.utt.haveFinal = true
		if c.utt.silenceDone {
			c.stopCommitTimer()
			c.commit(ctx, ev.Text, c.utt.degraded)
		}

	case STTEventError:
		c.providerError("stt", ev.Code, fmt.Errorf("%s", ev.Detail))
		c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.cfg.SessionID,
			Code:      ev.Code,
			Source:    "stt",
			Retryable: ev.Retryable,
			Detail:    ev.Detail,
		}, false)
		if !c.utt.active || c.utt.haveFinal {
			return
		}
		// No final is coming for this utterance anymore. Commit what we
		// heard, flagged degraded, or abandon an empty segment.
		c.utt.degraded = true
		c.stopCommitTimer()
		if strings.TrimSpace(c.utt.lastPartial) == "" {
			c.resetUtterance()
			return
		}
		c.metricsIndicator("commit_degraded_stt_error")
		c.commit(ctx, c.utt.lastPartial, true)
	}
}

func (c *Controller) handleControl(ctx context.Context, action string) {
	switch action {
	case protocol.ActionInterrupt:
		if st := c.State(); st == StateSpeaking || st == StateGenerating {
			c.bargeIn()
		}
	case protocol.ActionCommit:
		if c.State() == StateListening && c.utt.active && !c.utt.silenceDone {
			c.utt.silenceDone = true
			// Re-arm the endpointer so the next speech frame fires a
			// fresh onset even with no silence between segments.
			select {
			case c.endpointReset <- struct{}{}:
			default:
			}
			c.tryCommit(ctx, false)
		}
	}
}

// tryCommit runs once both halves of the commit condition have a chance to
// hold. Tie-break: a final that arrived first waits for silence; silence
// first arms a bounded timer for the final, falling back to the last
// partial flagged low-confidence.
func (c *Controller) tryCommit(ctx context.Context, fromTimeout bool) {
	if c.utt.haveFinal {
		c.commit(ctx, c.utt.finalText, c.utt.degraded)
		return
	}
	if fromTimeout {
		c.metrics.ObserveTurnIndicator("commit_fallback_partial")
		if strings.TrimSpace(c.utt.lastPartial) == "" {
			c.resetUtterance()
			return
		}
		c.commit(ctx, c.utt.lastPartial, true)
		return
	}
	gen := c.utt.gen
	c.stopCommitTimer()
	c.commitTimer = time.AfterFunc(c.cfg.STTFinalWait, func() {
		c.post(event{kind: evCommitTimeout, gen: gen})
	})
}

func (c *Controller) commit(ctx context.Context, text string, degraded bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		c.resetUtterance()
		return
	}
	c.stopCommitTimer()

	d := pendingCommit{text: text, degraded: degraded, utteranceID: c.utt.id, startedAt: c.utt.startedAt}
	if c.pendingToken != 0 {
		// The interrupted turn's acknowledgment is still outstanding; its
		// vocalized prefix must enter the context before these user turns.
		// Every commit landing in the window is queued; none may be lost.
		c.deferred = append(c.deferred, d)
		c.resetUtterance()
		return
	}
	c.doCommit(ctx, d)
	c.resetUtterance()
}

func (c *Controller) doCommit(ctx context.Context, d pendingCommit) {
	c.transition("commit")
	c.commitAt = c.recordUserTurn(d)
	c.startAgentTurn(ctx, "")
}

// recordUserTurn appends a committed user turn to the chat context, logs it
// and announces it to the client.
func (c *Controller) recordUserTurn(d pendingCommit) time.Time {
	now := time.Now()
	c.appendChat(RoleUser, d.text)
	if c.sink != nil {
		c.sink.Enqueue(transcript.LogEntry{
			Timestamp:   now,
			Speaker:     transcript.SpeakerUser,
			Text:        d.text,
			UtteranceID: d.utteranceID,
			Degraded:    d.degraded,
			Critical:    true,
		})
	}
	c.send(protocol.STTCommitted{
		Type:        protocol.TypeSTTCommitted,
		SessionID:   c.cfg.SessionID,
		UtteranceID: d.utteranceID,
		Text:        d.text,
		Degraded:    d.degraded,
		TSMs:        now.UnixMilli(),
	}, true)

	c.metricsEvent("utterance_committed")
	if !d.startedAt.IsZero() {
		c.metrics.ObserveTurnStage("partial_to_commit", now.Sub(d.startedAt))
	}
	return now
}

func (c *Controller) bargeIn() {
	c.interruptions.Add(1)
	c.metrics.ObserveTurnIndicator("barge_in")
	c.metricsEvent("barge_in")

	// Local transition first; providers are cancelled behind it with a
	// bounded acknowledgment wait.
	c.transition("listen")
	if c.turnCancel != nil {
		c.cancelAt = time.Now()
		c.pendingToken = c.turnToken
		c.turnCancel()
		c.turnCancel = nil
	}
	c.send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.cfg.SessionID,
		Code:      "barge_in",
	}, false)
}

func (c *Controller) handleAgentDone(ctx context.Context, ev event) {
	isCurrent := ev.token == c.turnToken && c.pendingToken == 0
	isPending := ev.token == c.pendingToken && c.pendingToken != 0
	if !isCurrent && !isPending {
		return
	}
	res := ev.agent

	text := res.fullText
	if res.reason == protocol.TurnEndInterrupted {
		text = res.spokenText
	}
	if text = strings.TrimSpace(text); text != "" {
		c.appendChat(RoleAgent, text)
		if c.sink != nil {
			c.sink.Enqueue(transcript.LogEntry{
				Timestamp: time.Now(),
				Speaker:   transcript.SpeakerAgent,
				Text:      text,
				Critical:  true,
			})
		}
	}
	c.send(protocol.AgentTurnEnd{
		Type:      protocol.TypeAgentTurnEnd,
		SessionID: c.cfg.SessionID,
		TurnID:    res.turnID,
		Reason:    res.reason,
	}, true)
	c.metricsEvent("agent_turn_" + res.reason)

	if isPending {
		c.metrics.ObserveTurnStage("cancel_latency", time.Since(c.cancelAt))
		c.pendingToken = 0
		if n := len(c.deferred); n > 0 {
			queued := c.deferred
			c.deferred = nil
			// Older queued turns enter the context and transcript as they
			// were heard; the newest one drives the next agent turn.
			for _, d := range queued[:n-1] {
				c.recordUserTurn(d)
			}
			c.doCommit(ctx, queued[n-1])
		}
		return
	}

	c.turnCancel = nil
	if !c.commitAt.IsZero() {
		c.metrics.ObserveTurnStage("turn_total", time.Since(c.commitAt))
		c.commitAt = time.Time{}
	}
	switch c.State() {
	case StateCommitted, StateGenerating, StateSpeaking:
		c.transition("listen")
	}
}

func (c *Controller) startAgentTurn(ctx context.Context, canned string) {
	turnCtx, cancel := context.WithCancel(ctx)
	c.turnCancel = cancel
	c.turnToken++
	token := c.turnToken
	turnID := uuid.NewString()
	turns := c.Context()
	c.transition("generate")
	go c.runAgentTurn(turnCtx, turnID, token, turns, canned)
}

// runAgentTurn streams LLM tokens through the chunker into TTS and tracks
// which chunks were actually vocalized. It always posts exactly one
// evAgentDone, bounded even under cancellation.
func (c *Controller) runAgentTurn(ctx context.Context, turnID string, token int64, turns []ChatTurn, canned string) {
	startedAt := time.Now()
	result := agentResult{turnID: turnID, reason: protocol.TurnEndCompleted}
	defer func() {
		c.post(event{kind: evAgentDone, token: token, agent: result})
	}()

	var stream TokenStream
	if canned != "" {
		stream = newStaticTokenStream(canned)
	} else {
		var err error
		stream, err = c.llm.Generate(ctx, turns)
		if err != nil {
			c.providerError("llm", "generate", err)
			c.metrics.ObserveTurnIndicator("llm_apology")
			stream = newStaticTokenStream(c.cfg.ApologyText)
			result.reason = protocol.TurnEndApology
		}
	}
	defer stream.Close()

	ttsStream, err := c.tts.Open(ctx, c.ttsProfile)
	if err != nil {
		c.providerError("tts", "open", err)
		// Deliver the turn as text only rather than hanging or failing the
		// session.
		result.fullText = c.collectTokens(ctx, stream, turnID)
		result.spokenText = ""
		result.reason = protocol.TurnEndTTSFailed
		return
	}
	// Close can wedge on a broken provider; run it off to the side so the
	// turn-done acknowledgment stays bounded by CancelWait.
	var closeOnce sync.Once
	closeStream := func() {
		closeOnce.Do(func() {
			go func() { _ = ttsStream.Close() }()
		})
	}

	spoken := &spokenTracker{}
	firstToken := true
	var firstAudioOnce sync.Once
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ttsStream.Events():
				if !ok {
					return
				}
				switch ev.Type {
				case TTSEventAudio:
					firstAudioOnce.Do(func() {
						c.metrics.ObserveFirstAudioLatency(time.Since(startedAt))
						c.post(event{kind: evAgentStarted, token: token})
					})
					c.send(protocol.AgentAudioChunk{
						Type:        protocol.TypeAgentAudioChunk,
						SessionID:   c.cfg.SessionID,
						TurnID:      turnID,
						Seq:         int(ev.Frame.Seq),
						Format:      "pcm16",
						SampleRate:  ev.Frame.SampleRate,
						AudioBase64: base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(ev.Frame.PCM)),
					}, false)
				case TTSEventChunkDone:
					spoken.markDone(ev.ChunkSeq)
				case TTSEventFinal:
					return
				case TTSEventError:
					c.providerError("tts", ev.Code, fmt.Errorf("%s", ev.Detail))
					if !ev.Retryable {
						return
					}
				}
			}
		}
	}()

	chunker := newSpeechChunker()
	chunkSeq := 0
	sendSegment := func(text string) {
		if err := ttsStream.SendChunk(ctx, chunkSeq, text); err != nil {
			if ctx.Err() == nil {
				c.providerError("tts", "send_chunk", err)
			}
			return
		}
		spoken.add(chunkSeq, text)
		chunkSeq++
	}

	var full strings.Builder
tokenLoop:
	for {
		select {
		case <-ctx.Done():
			break tokenLoop
		case tok, ok := <-stream.Tokens():
			if !ok {
				break tokenLoop
			}
			full.WriteString(tok)
			if firstToken {
				firstToken = false
				c.metrics.ObserveTurnStage("commit_to_first_token", time.Since(startedAt))
			}
			c.send(protocol.AgentTextDelta{
				Type:      protocol.TypeAgentTextDelta,
				SessionID: c.cfg.SessionID,
				TurnID:    turnID,
				TextDelta: tok,
			}, false)
			for _, seg := range chunker.Push(tok) {
				sendSegment(seg)
			}
		}
	}

	if serr := stream.Err(); serr != nil && ctx.Err() == nil {
		c.providerError("llm", "stream", serr)
		if full.Len() == 0 && canned == "" {
			c.metrics.ObserveTurnIndicator("llm_apology")
			result.reason = protocol.TurnEndApology
			full.WriteString(c.cfg.ApologyText)
			for _, seg := range chunker.Push(c.cfg.ApologyText) {
				sendSegment(seg)
			}
		}
	}
	if ctx.Err() == nil {
		for _, seg := range chunker.Finalize() {
			sendSegment(seg)
		}
		_ = ttsStream.CloseInput(ctx)
	}

	select {
	case <-forwarderDone:
	case <-ctx.Done():
		// Cooperative cancellation with a deadline: release the provider and
		// give the forwarder a bounded window to wind down.
		closeStream()
		select {
		case <-forwarderDone:
		case <-time.After(c.cfg.CancelWait):
			c.metrics.ObserveTurnIndicator("cancel_force_release")
		}
	case <-time.After(ttsFinalizeTimeout):
		c.providerError("tts", "finalize", &reliability.TimeoutError{Stage: "tts_finalize", Wait: ttsFinalizeTimeout})
		result.reason = protocol.TurnEndTTSFailed
	}
	closeStream()

	result.fullText = strings.TrimSpace(full.String())
	if ctx.Err() != nil {
		result.reason = protocol.TurnEndInterrupted
		result.spokenText = spoken.Text()
	} else {
		result.spokenText = result.fullText
	}
}

// collectTokens drains an LLM stream as text deltas when synthesis is
// unavailable.
func (c *Controller) collectTokens(ctx context.Context, stream TokenStream, turnID string) string {
	var full strings.Builder
	for {
		select {
		case <-ctx.Done():
			return strings.TrimSpace(full.String())
		case tok, ok := <-stream.Tokens():
			if !ok {
				return strings.TrimSpace(full.String())
			}
			full.WriteString(tok)
			c.send(protocol.AgentTextDelta{
				Type:      protocol.TypeAgentTextDelta,
				SessionID: c.cfg.SessionID,
				TurnID:    turnID,
				TextDelta: tok,
			}, false)
		}
	}
}

func (c *Controller) pumpFrames(ctx context.Context, frames <-chan audio.Frame, stt STTStream) {
	ep := newEndpointer(c.cfg.SilenceHold)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			at := f.Timestamp
			if at.IsZero() {
				at = time.Now().UTC()
			}
			select {
			case <-c.endpointReset:
				// An explicit commit closed the segment already.
				ep.ForceEnd(at)
			default:
			}
			speech := c.vad.Classify(f)
			if ev, fired := ep.Push(speech, at); fired {
				c.post(event{kind: evVAD, vad: ev})
			}
			if err := stt.SendFrame(ctx, f); err != nil && ctx.Err() == nil {
				c.post(event{kind: evSTT, stt: STTEvent{
					Type:      STTEventError,
					Code:      "send_frame",
					Detail:    err.Error(),
					Retryable: !reliability.IsFatal(err),
					Timestamp: at,
				}})
			}
		}
	}
}

func (c *Controller) pumpSTT(ctx context.Context, events <-chan STTEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.post(event{kind: evSTT, stt: ev})
		}
	}
}

// forwardOutbound relays spooled messages to the transport. It is the only
// writer on outbound, so a stalled socket parks here and never the loop.
func (c *Controller) forwardOutbound(ctx context.Context, outbound chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.spool:
			select {
			case outbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) beginUtterance(at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.genCounter++
	c.utt = utterance{
		id:        uuid.NewString(),
		gen:       c.genCounter,
		active:    true,
		startedAt: at,
	}
}

func (c *Controller) resetUtterance() {
	c.stopCommitTimer()
	c.genCounter++
	c.utt = utterance{gen: c.genCounter}
}

func (c *Controller) stopCommitTimer() {
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		c.commitTimer = nil
	}
}

func (c *Controller) appendChat(role Role, content string) {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	c.chat = append(c.chat, ChatTurn{Role: role, Content: content, CreatedAt: time.Now().UTC()})
}

func (c *Controller) transition(name string) {
	from := c.machine.Current()
	if err := c.machine.Event(context.Background(), name); err != nil {
		c.log.Warn("turn transition rejected",
			zap.String("event", name),
			zap.String("from", from),
			zap.Error(err))
		return
	}
	to := c.machine.Current()
	c.log.Debug("turn state", zap.String("from", from), zap.String("to", to))
	if c.stateHook != nil && from != to {
		c.stateHook(from, to)
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.runDone:
	}
}

// send spools a protocol message for the transport forwarder without ever
// blocking the caller. Non-critical traffic is shed once the spool is half
// full so committed transcripts and turn ends keep headroom.
func (c *Controller) send(msg any, critical bool) {
	if !critical && len(c.spool) >= cap(c.spool)/2 {
		c.dropOutbound(msg)
		return
	}
	select {
	case c.spool <- msg:
	default:
		if critical {
			c.log.Warn("outbound spool full, dropping critical message",
				zap.String("type", string(protocol.MessageTypeOf(msg))))
		}
		c.dropOutbound(msg)
	}
}

func (c *Controller) dropOutbound(msg any) {
	if c.metrics != nil {
		c.metrics.WSMessages.WithLabelValues("outbound_dropped", string(protocol.MessageTypeOf(msg))).Inc()
	}
}

func (c *Controller) providerError(provider, code string, err error) {
	if err == nil {
		return
	}
	c.log.Warn("provider error",
		zap.String("provider", provider),
		zap.String("code", code),
		zap.Error(err))
	if c.metrics != nil {
		c.metrics.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
}

func (c *Controller) metricsEvent(name string) {
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

func (c *Controller) metricsIndicator(name string) {
	if c.metrics != nil {
		c.metrics.ObserveTurnIndicator(name)
	}
}

// spokenTracker records which TTS chunks were confirmed vocalized. Text
// returns the contiguous done prefix, which is exactly what an interrupted
// agent turn contributes to the chat context.
type spokenTracker struct {
	mu     sync.Mutex
	chunks []string
	done   map[int]bool
}

func (t *spokenTracker) add(seq int, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.chunks) <= seq {
		t.chunks = append(t.chunks, "")
	}
	t.chunks[seq] = text
}

func (t *spokenTracker) markDone(seq int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		t.done = make(map[int]bool)
	}
	t.done[seq] = true
}

func (t *spokenTracker) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var parts []string
	for i := 0; i < len(t.chunks); i++ {
		if !t.done[i] {
			break
		}
		if t.chunks[i] != "" {
			parts = append(parts, t.chunks[i])
		}
	}
	return strings.Join(parts, " ")
}
