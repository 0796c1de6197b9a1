package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-speech/pkg/core/audio"
	"github.com/vango-go/vai-speech/pkg/core/responder"
	"github.com/vango-go/vai-speech/pkg/core/stt"
	"github.com/vango-go/vai-speech/pkg/core/tts"
	"github.com/vango-go/vai-speech/pkg/core/vas"
	"github.com/vango-go/vai-speech/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
)

const maxExtensionFrames = 250

// coordinator is the per-session turn state machine. Every field is owned by
// the loop goroutine; turn tasks report back through the event channels and
// their results are matched to the current turn by id, so results of a
// superseded turn are discarded.
type coordinator struct {
	s   *LiveSession
	ctx context.Context

	started    bool
	lang       string
	decoder    *audio.Decoder
	seg        *vas.Segmenter
	limiter    *inboundAudioLimiter
	recognizer *stt.Adapter
	synth      *tts.Synthesizer
	history    *historyManager

	turn       *turn
	turnSeq    int
	violations int

	finals    chan finalEvent
	tokens    chan tokenEvent
	synthDone chan synthEvent
}

func newCoordinator(s *LiveSession, ctx context.Context) *coordinator {
	return &coordinator{
		s:         s,
		ctx:       ctx,
		history:   newHistoryManager(s.cfg.HistoryTurns),
		limiter:   newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds),
		finals:    make(chan finalEvent, 4),
		tokens:    make(chan tokenEvent, 64),
		synthDone: make(chan synthEvent, 4),
	}
}

func (c *coordinator) loop(inbound <-chan inboundFrame) error {
	startTimer := time.NewTimer(c.s.cfg.StartTimeout)
	defer startTimer.Stop()

	var sessionTimer *time.Timer
	if c.s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(c.s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}
	startTimerCh := func() <-chan time.Time {
		if c.started {
			return nil
		}
		return startTimer.C
	}

	for {
		var err error
		select {
		case <-c.ctx.Done():
			return nil
		case frame, ok := <-inbound:
			if !ok || frame.err != nil {
				if frame.err != nil && !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.s.logger.Debug("live read ended", "error", frame.err)
				}
				return nil
			}
			switch frame.messageType {
			case websocket.TextMessage:
				err = c.handleText(frame.data)
			case websocket.BinaryMessage:
				err = c.handleBinary(frame.data)
			}
		case ev := <-c.finals:
			err = c.onFinal(ev)
		case ev := <-c.tokens:
			err = c.onToken(ev)
		case ev := <-c.synthDone:
			err = c.onSynthDone(ev)
		case <-c.turnDeadline():
			err = c.onTurnTimeout()
		case <-startTimerCh():
			return c.fatal(protocol.CodeProtocolViolation, "session_start not received in time",
				newError(ProtocolViolation, "", errors.New("session_start timeout")))
		case <-sessionTimerCh():
			return c.fatal(protocol.CodeSessionExpired, "maximum session duration reached", nil)
		}
		if err != nil {
			return err
		}
	}
}

// shutdown releases every per-session resource. It runs once the loop
// returns, whatever the reason.
func (c *coordinator) shutdown() {
	c.s.onState(sessions.StateClosing)
	if t := c.turn; t != nil {
		if t.synthesis != nil {
			t.synthesis.Cancel()
		}
		t.cancel()
		c.endSpan(t, "closed")
		c.turn = nil
	}
	if c.recognizer != nil {
		_ = c.recognizer.Close()
	}
	c.s.emitter.Close()
}

func (c *coordinator) send(v any) error {
	if err := c.s.enqueueJSON(v); err != nil {
		return newError(TransportWriteFailure, "", err)
	}
	return nil
}

func (c *coordinator) sendError(code, message, turnID string) error {
	return c.send(protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message, TurnID: turnID})
}

// fatal tells the client why the session is closing and ends the loop. The
// writer flushes queued control messages before closing the socket.
func (c *coordinator) fatal(code, message string, cause error) error {
	c.s.logger.Warn("closing live session", "code", code, "reason", message)
	_ = c.s.enqueueJSON(protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message, Fatal: true})
	return cause
}

func (c *coordinator) violation(reason string) error {
	c.violations++
	c.s.metrics.ProtocolViolation()
	c.s.logger.Warn("protocol violation", "kind", ProtocolViolation.String(), "reason", reason, "count", c.violations)
	if c.violations >= c.s.cfg.MaxProtocolViolations {
		return c.fatal(protocol.CodeProtocolViolation, errTooManyViolations.Error(),
			newError(ProtocolViolation, "", errTooManyViolations))
	}
	return c.sendError(protocol.CodeProtocolViolation, reason, "")
}

func (c *coordinator) handleText(data []byte) error {
	msg, decErr := protocol.DecodeClientMessage(data)
	if decErr != nil {
		code := protocol.CodeBadRequest
		var de *protocol.DecodeError
		if errors.As(decErr, &de) {
			code = de.Code
		}
		if !c.started {
			return c.fatal(code, decErr.Error(), newError(ProtocolViolation, "", decErr))
		}
		return c.violation(decErr.Error())
	}

	if !c.started {
		start, ok := msg.(protocol.SessionStart)
		if !ok {
			return c.fatal(protocol.CodeProtocolViolation, "first message must be session_start",
				newError(ProtocolViolation, "", fmt.Errorf("unexpected %T before session_start", msg)))
		}
		return c.startSession(start)
	}

	switch m := msg.(type) {
	case protocol.SessionStart:
		return c.violation("session already started")
	case protocol.AudioEnd:
		if c.turn != nil && c.turn.state == TurnListening {
			c.seg.Reset()
			c.beginFinalize(c.turn)
			return nil
		}
		if c.turn != nil && c.turn.state == TurnFinalizing && c.turn.extend {
			// The extension ends here; onFinal finalizes it right away.
			c.seg.Reset()
			c.turn.extendEnded = true
			return nil
		}
		// speech_end already won the race, or there is nothing to finalize.
		c.s.logger.Debug("audio_end ignored", "turn_state", c.turnState().String())
		return nil
	case protocol.Interrupt:
		if c.turn == nil {
			return c.violation("interrupt without an active turn")
		}
		c.seg.Reset()
		return c.interrupt("client")
	case protocol.TextInput:
		if c.turn != nil {
			return c.violation("text_input while a turn is active")
		}
		t := c.newTurn()
		t.transcript = m.Text
		c.startGenerating(t)
		return nil
	case protocol.SessionEnd:
		return errSessionEnded
	default:
		return c.violation("unsupported message")
	}
}

func (c *coordinator) startSession(m protocol.SessionStart) error {
	cfg := c.s.cfg
	c.lang = m.Lang
	if c.lang == "" {
		c.lang = cfg.DefaultLanguage
	}

	dec, err := audio.NewDecoder(m.Audio, cfg.CanonicalRate)
	if err != nil {
		return c.fatal(protocol.CodeUnsupported, err.Error(), newError(ProtocolViolation, "", err))
	}
	vadCfg := applyVADOverrides(cfg.VAD, m.VAD)
	vadCfg.SampleRate = cfg.CanonicalRate
	if err := vadCfg.Validate(); err != nil {
		return c.fatal(protocol.CodeBadRequest, "session_start.vad: "+err.Error(), newError(ProtocolViolation, "", err))
	}

	outRate := cfg.OutputRate
	if m.Output != nil && m.Output.SampleRate > 0 {
		outRate = m.Output.SampleRate
	}

	sttCfg := c.s.deps.STTConfig
	sttCfg.Language = c.lang
	sttCfg.SampleRate = cfg.CanonicalRate
	ttsCfg := c.s.deps.TTSConfig
	ttsCfg.OutputRate = outRate
	ttsCfg.Language = c.lang
	if m.Voice != "" {
		ttsCfg.Voice = m.Voice
	}

	c.decoder = dec
	c.seg = vas.New(vadCfg)
	c.recognizer = stt.NewAdapter(c.s.deps.STT, sttCfg, c.s.logger)
	c.synth = tts.New(c.s.deps.TTS, ttsCfg, c.s.logger)
	c.started = true

	c.s.logger.Info("live session started",
		"lang", c.lang,
		"audio_in", m.Audio,
		"output_rate", outRate,
		"stt", c.s.deps.STT.Name(),
		"tts", c.synth.EngineName(),
		"responder", c.s.deps.Responder.Name(),
	)
	c.s.onState(sessions.StateActive)
	return c.send(protocol.SessionReady{
		Type:      protocol.TypeSessionReady,
		SessionID: c.s.sessionID,
		AudioOut:  audio.Canonical(outRate),
	})
}

func applyVADOverrides(base vas.Config, o *protocol.VADOverrides) vas.Config {
	if o == nil {
		return base
	}
	if o.StartThreshold != nil {
		base.StartThreshold = *o.StartThreshold
		if o.ReleaseThreshold == nil && base.ReleaseThreshold > base.StartThreshold {
			base.ReleaseThreshold = base.StartThreshold * 0.6
		}
	}
	if o.ReleaseThreshold != nil {
		base.ReleaseThreshold = *o.ReleaseThreshold
	}
	if o.StartDwellMS != nil {
		base.StartDwell = time.Duration(*o.StartDwellMS) * time.Millisecond
	}
	if o.SilenceMS != nil {
		base.SilenceTimeout = time.Duration(*o.SilenceMS) * time.Millisecond
	}
	if o.PreRollMS != nil {
		base.PreRoll = time.Duration(*o.PreRollMS) * time.Millisecond
	}
	return base
}

func (c *coordinator) handleBinary(data []byte) error {
	if !c.started {
		return c.fatal(protocol.CodeProtocolViolation, "first message must be session_start",
			newError(ProtocolViolation, "", errors.New("audio before session_start")))
	}
	if len(data) > c.s.cfg.MaxAudioFrameBytes {
		c.dropFrame("oversize", fmt.Errorf("%w: %d bytes exceeds %d", audio.ErrMalformedAudio, len(data), c.s.cfg.MaxAudioFrameBytes))
		return nil
	}
	if !c.limiter.Allow(len(data)) {
		c.dropFrame("rate_limited", nil)
		return nil
	}
	frame, err := c.decoder.Decode(data)
	if err != nil {
		c.dropFrame("malformed", err)
		return nil
	}
	if len(frame.Data) == 0 {
		return nil
	}

	t := c.turn
	if t != nil && t.state == TurnListening {
		if err := c.submit(t, frame); err != nil {
			return err
		}
	}
	if t != nil && t.state == TurnFinalizing && t.extend && !t.extendEnded {
		if len(t.pending) < maxExtensionFrames {
			t.pending = append(t.pending, frame)
		}
	}

	ev := c.seg.Feed(frame)
	switch ev.Kind {
	case vas.EventSpeechStart:
		return c.onSpeechStart(ev)
	case vas.EventSpeechEnd:
		return c.onSpeechEnd()
	}
	return nil
}

func (c *coordinator) dropFrame(reason string, err error) {
	c.s.metrics.FrameDropped(reason)
	if err != nil {
		c.s.logger.Debug("dropping inbound audio frame", "kind", MalformedAudio.String(), "reason", reason, "error", err)
		return
	}
	c.s.logger.Debug("dropping inbound audio frame", "reason", reason)
}

func (c *coordinator) onSpeechStart(ev vas.Event) error {
	t := c.turn
	switch {
	case t == nil:
		return c.startListening(ev.PreRoll)
	case t.state == TurnFinalizing:
		// The user kept talking: the pending final is extended, not replaced.
		t.extend = true
		t.extendEnded = false
		t.pending = append(t.pending[:0], ev.PreRoll...)
		return nil
	case t.state == TurnGenerating || t.state == TurnSpeaking:
		if err := c.interrupt("speech"); err != nil {
			return err
		}
		return c.startListening(ev.PreRoll)
	default:
		return nil
	}
}

func (c *coordinator) onSpeechEnd() error {
	t := c.turn
	if t == nil {
		return nil
	}
	switch t.state {
	case TurnListening:
		c.beginFinalize(t)
	case TurnFinalizing:
		if t.extend {
			t.extendEnded = true
		}
	}
	return nil
}

func (c *coordinator) newTurn() *turn {
	c.turnSeq++
	t := &turn{
		id:      fmt.Sprintf("t_%d", c.turnSeq),
		created: c.s.now(),
		phrases: tts.NewPhraseBuffer(c.s.cfg.PhraseMinWords),
	}
	t.ctx, t.cancel = context.WithCancel(c.ctx)
	_, t.span = c.s.tracer.Start(c.ctx, "speech.turn", trace.WithAttributes(
		attribute.String("session.id", c.s.sessionID),
		attribute.String("turn.id", t.id),
	))
	c.turn = t
	return t
}

func (c *coordinator) startListening(preRoll []audio.Frame) error {
	t := c.newTurn()
	t.state = TurnListening
	if err := c.recognizer.Begin(c.ctx, t.id); err != nil {
		// A stale recognizer turn can only be left behind by a bug; drop it
		// rather than wedge the session.
		c.s.logger.Error("recognizer turn still open", "turn_id", t.id, "error", err)
		c.recognizer.Abort()
		if err := c.recognizer.Begin(c.ctx, t.id); err != nil {
			return err
		}
	}
	for _, fr := range preRoll {
		if err := c.submit(t, fr); err != nil {
			return err
		}
	}
	return nil
}

func (c *coordinator) submit(t *turn, fr audio.Frame) error {
	interims, err := c.recognizer.Submit(fr)
	if err != nil {
		c.s.logger.Debug("recognizer submit failed", "turn_id", t.id, "error", err)
		return nil
	}
	for _, tr := range interims {
		if tr.Text == "" {
			continue
		}
		if err := c.send(protocol.ASRPartial{
			Type:   protocol.TypeASRPartial,
			TurnID: t.id,
			Text:   joinText(t.transcript, tr.Text),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *coordinator) beginFinalize(t *turn) {
	t.state = TurnFinalizing
	rec := c.recognizer
	id := t.id
	c.spawn(t, func() {
		tr, err := rec.Finalize(c.ctx)
		select {
		case c.finals <- finalEvent{turnID: id, transcript: tr, err: err}:
		case <-c.ctx.Done():
		}
	})
}

func (c *coordinator) onFinal(ev finalEvent) error {
	t := c.turn
	if t == nil || t.id != ev.turnID || t.state != TurnFinalizing {
		return nil
	}
	if ev.err != nil {
		if errors.Is(ev.err, context.Canceled) {
			return nil
		}
		c.s.metrics.EngineFailure("stt")
		c.s.logger.Error("recognition failed",
			"kind", RecognitionEngineFailure.String(),
			"turn_id", t.id,
			"engine", c.s.deps.STT.Name(),
			"error", ev.err,
		)
		t.span.RecordError(ev.err)
	}
	text := joinText(t.transcript, ev.transcript.Text)

	if t.extend {
		t.transcript = text
		t.extend = false
		pending := t.pending
		t.pending = nil
		t.state = TurnListening
		if err := c.recognizer.Begin(c.ctx, t.id); err != nil {
			return err
		}
		for _, fr := range pending {
			if err := c.submit(t, fr); err != nil {
				return err
			}
		}
		if t.extendEnded {
			t.extendEnded = false
			c.beginFinalize(t)
		}
		return nil
	}

	t.transcript = text
	if err := c.send(protocol.ASRFinal{Type: protocol.TypeASRFinal, TurnID: t.id, Text: text}); err != nil {
		return err
	}
	if text == "" {
		c.finishTurn(t, outcomeEmpty)
		return nil
	}
	c.startGenerating(t)
	return nil
}

func (c *coordinator) startGenerating(t *turn) {
	t.state = TurnGenerating
	t.genStart = c.s.now()
	t.deadline = time.NewTimer(c.s.cfg.TurnTimeout)

	rctx, cancel := context.WithCancel(t.ctx)
	t.respCancel = cancel
	req := responder.Request{
		SessionID:  c.s.sessionID,
		TurnID:     t.id,
		Language:   c.lang,
		Transcript: t.transcript,
		History:    c.history.snapshot(),
	}
	c.spawn(t, func() { c.respond(rctx, req) })
}

// respond streams one reply into the loop. It never touches turn state.
func (c *coordinator) respond(ctx context.Context, req responder.Request) {
	emit := func(ev tokenEvent) bool {
		ev.turnID = req.TurnID
		select {
		case c.tokens <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	stream, err := c.s.deps.Responder.Respond(ctx, req)
	if err != nil {
		emit(tokenEvent{err: err})
		return
	}
	defer stream.Close()
	for {
		tok, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			emit(tokenEvent{done: true})
			return
		}
		if err != nil {
			emit(tokenEvent{err: err})
			return
		}
		if !emit(tokenEvent{token: tok}) {
			return
		}
	}
}

func (c *coordinator) onToken(ev tokenEvent) error {
	t := c.turn
	if t == nil || t.id != ev.turnID || t.respDone {
		return nil
	}
	if t.state != TurnGenerating && t.state != TurnSpeaking {
		return nil
	}

	switch {
	case ev.err != nil:
		t.respDone = true
		if errors.Is(ev.err, context.Canceled) {
			return nil
		}
		c.s.metrics.EngineFailure("responder")
		c.s.logger.Error("responder failed",
			"kind", ResponderFailure.String(),
			"turn_id", t.id,
			"responder", c.s.deps.Responder.Name(),
			"error", ev.err,
		)
		t.span.RecordError(ev.err)
		if err := c.sendError(protocol.CodeResponderFailure, "response generation failed", t.id); err != nil {
			return err
		}
		if t.synthesis != nil {
			t.outcome = outcomeResponderFailure
			t.synthesis.Stop()
			return nil
		}
		c.finishTurn(t, outcomeResponderFailure)
		return nil

	case ev.done:
		t.respDone = true
		if rest := t.phrases.Flush(); rest != "" {
			c.speak(t, rest)
		}
		if err := c.send(protocol.ResponseEnd{Type: protocol.TypeResponseEnd, TurnID: t.id}); err != nil {
			return err
		}
		if t.synthesis == nil {
			c.finishTurn(t, outcomeCompleted)
			return nil
		}
		t.synthesis.Close()
		return nil

	default:
		t.response.WriteString(ev.token)
		if c.s.cfg.SurfaceTokens {
			if err := c.send(protocol.ResponseToken{Type: protocol.TypeResponseToken, TurnID: t.id, Token: ev.token}); err != nil {
				return err
			}
		}
		c.ensureSynthesis(t)
		if phrase := t.phrases.Add(ev.token); phrase != "" {
			c.speak(t, phrase)
		}
		return nil
	}
}

// ensureSynthesis opens the turn's synthesis on the first response fragment.
func (c *coordinator) ensureSynthesis(t *turn) {
	if t.synthesis != nil {
		return
	}
	sy := c.synth.Open(t.ctx, t.id, c.lang)
	t.synthesis = sy
	t.state = TurnSpeaking
	started := t.genStart
	c.spawn(t, func() { c.pump(t.ctx, t.id, sy, started) })
}

func (c *coordinator) speak(t *turn, text string) {
	c.ensureSynthesis(t)
	if err := t.synthesis.Push(text); err != nil {
		c.s.logger.Debug("synthesis push after close", "turn_id", t.id, "error", err)
	}
}

// pump moves synthesized chunks into the emitter and reports the end of the
// synthesis.
func (c *coordinator) pump(ctx context.Context, turnID string, sy *tts.Synthesis, started time.Time) {
	first := true
	for chunk := range sy.Chunks() {
		if err := c.s.emitter.Enqueue(ctx, chunk); err != nil {
			// Flushed or shutting down: stop the engine and drain.
			sy.Cancel()
			continue
		}
		if first {
			first = false
			c.s.metrics.FirstAudio(c.s.now().Sub(started))
		}
	}
	select {
	case c.synthDone <- synthEvent{turnID: turnID, err: sy.Err()}:
	case <-c.ctx.Done():
	}
}

func (c *coordinator) onSynthDone(ev synthEvent) error {
	t := c.turn
	if t == nil || t.id != ev.turnID || t.state != TurnSpeaking {
		return nil
	}
	if ev.err != nil {
		c.s.metrics.EngineFailure("tts")
		c.s.logger.Error("synthesis failed",
			"kind", SynthesisEngineFailure.String(),
			"turn_id", t.id,
			"engine", c.synth.EngineName(),
			"error", ev.err,
		)
		t.span.RecordError(ev.err)
		if t.respCancel != nil {
			t.respCancel()
		}
		if err := c.sendError(protocol.CodeSynthesisFailure, "speech synthesis failed", t.id); err != nil {
			return err
		}
		c.finishTurn(t, outcomeSynthesisFailure)
		return nil
	}
	outcome := t.outcome
	if outcome == "" {
		outcome = outcomeCompleted
	}
	c.finishTurn(t, outcome)
	return nil
}

func (c *coordinator) turnDeadline() <-chan time.Time {
	t := c.turn
	if t == nil || t.deadline == nil || t.timedOut {
		return nil
	}
	return t.deadline.C
}

// onTurnTimeout stops generation. Audio already synthesized ends with a
// fade-out rather than a cut.
func (c *coordinator) onTurnTimeout() error {
	t := c.turn
	t.timedOut = true
	t.outcome = outcomeTimeout
	t.respDone = true
	if t.respCancel != nil {
		t.respCancel()
	}
	c.s.logger.Warn("turn timed out", "turn_id", t.id, "state", t.state.String(), "timeout", c.s.cfg.TurnTimeout)
	if err := c.sendError(protocol.CodeTurnTimeout, "turn timed out", t.id); err != nil {
		return err
	}
	if t.synthesis != nil {
		t.synthesis.Stop()
		return nil
	}
	c.finishTurn(t, outcomeTimeout)
	return nil
}

func (c *coordinator) finishTurn(t *turn, outcome string) {
	if t.deadline != nil {
		t.deadline.Stop()
	}
	t.state = TurnDone
	t.cancel()
	c.history.appendExchange(t.transcript, t.response.String(), false)
	c.s.metrics.TurnFinished(outcome)
	c.endSpan(t, outcome)
	c.s.logger.Info("turn finished",
		"turn_id", t.id,
		"outcome", outcome,
		"duration", c.s.now().Sub(t.created),
	)
	if c.turn == t {
		c.turn = nil
	}
}

// interrupt cancels the current turn: its tasks are cancelled, its queued
// audio is flushed and the client is told. Tasks that outlive the grace
// period are logged; their late results are discarded by turn id.
func (c *coordinator) interrupt(cause string) error {
	t := c.turn
	if t == nil {
		return nil
	}
	prev := t.state
	t.state = TurnInterrupted
	if t.deadline != nil {
		t.deadline.Stop()
	}
	if prev == TurnListening || prev == TurnFinalizing {
		c.recognizer.Abort()
	}
	if t.synthesis != nil {
		t.synthesis.Cancel()
	}
	t.cancel()
	dropped := c.s.emitter.Flush(t.id)
	c.watch(t)

	if prev == TurnGenerating || prev == TurnSpeaking {
		c.history.appendExchange(t.transcript, t.response.String(), true)
	}
	c.s.metrics.Interruption(cause)
	c.s.metrics.TurnFinished(outcomeInterrupted)
	t.span.SetAttributes(attribute.String("turn.interrupt_cause", cause))
	c.endSpan(t, outcomeInterrupted)
	c.s.logger.Info("turn interrupted",
		"turn_id", t.id,
		"cause", cause,
		"state", prev.String(),
		"dropped_chunks", dropped,
	)
	c.turn = nil
	return c.send(protocol.Interrupted{Type: protocol.TypeInterrupted, TurnID: t.id, Cause: cause})
}

func (c *coordinator) watch(t *turn) {
	grace := c.s.cfg.InterruptGrace
	logger := c.s.logger
	go func() {
		done := make(chan struct{})
		go func() {
			t.tasks.Wait()
			close(done)
		}()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			logger.Warn("turn tasks still running after interrupt grace", "turn_id", t.id, "grace", grace)
		}
	}()
}

// spawn runs fn as a task of t and of the session.
func (c *coordinator) spawn(t *turn, fn func()) {
	t.tasks.Add(1)
	c.s.tasks.Add(1)
	go func() {
		defer c.s.tasks.Done()
		defer t.tasks.Done()
		fn()
	}()
}

func (c *coordinator) endSpan(t *turn, outcome string) {
	if t.span == nil {
		return
	}
	t.span.SetAttributes(attribute.String("turn.outcome", outcome))
	switch outcome {
	case outcomeSynthesisFailure, outcomeResponderFailure, outcomeTimeout:
		t.span.SetStatus(codes.Error, outcome)
	}
	t.span.End()
	t.span = nil
}

func (c *coordinator) turnState() TurnState {
	if c.turn == nil {
		return TurnIdle
	}
	return c.turn.state
}
