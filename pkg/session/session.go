package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/auralis-ai/auralis/pkg/realtime"
	"github.com/auralis-ai/auralis/pkg/vad"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultTurnTimeout      = 30 * time.Second
	defaultCancelAckTimeout = 2 * time.Second
	defaultStopGrace        = 3 * time.Second
	sendTimeout             = 5 * time.Second

	defaultVADEnter   = 0.02
	defaultVADExit    = 0.012
	defaultVADSilence = 500 * time.Millisecond

	echoGuardWindow    = 250 * time.Millisecond
	echoGuardThreshold = 0.35
)

// Session owns one conversation with the remote model: the transport
// connection, the capture→VAD→transport pipeline, the transport→playback
// pipeline, and the turn state machine that arbitrates between them.
//
// All state transitions happen on a single dispatch goroutine fed by one
// inbound queue, so capture, playback, and the transport read loop never
// race each other even though they run in parallel. Outbound audio
// bypasses the queue through the transport's own non-blocking buffer.
type Session struct {
	id        string
	cfg       Config
	transport Transport
	capture   CaptureSource
	playback  PlaybackSink
	tools     ToolRunner
	log       *zap.Logger

	detector *vad.Detector
	guard    *vad.EchoGuard

	handshakeTimeout time.Duration
	turnTimeout      time.Duration
	cancelAckTimeout time.Duration
	stopGrace        time.Duration

	mu          sync.Mutex
	state       State
	everStarted bool
	fatalErr    error
	ctx         context.Context
	cancel      context.CancelFunc
	inbox       chan any
	runDone     chan struct{}
	captureDone chan struct{}

	// Owned by the run goroutine.
	sub            subState
	turnSeq        uint64
	userTurn       *Turn
	respondingTurn *Turn
	cancelledIDs   map[string]struct{}
	cancelUnbound  bool
	pendingSpeech  bool
	waiters        map[uint64]chan textResult
}

type textResult struct {
	text string
	err  error
}

// Inbound queue messages.
type vadStartMsg struct{}

type vadStopMsg struct{}

type endTurnMsg struct{}

type textReqMsg struct {
	text  string
	reply chan textResult
}

type cancelTimeoutMsg struct{ remoteID string }

type turnTimeoutMsg struct{ turnID uint64 }

type toolResultMsg struct {
	callID string
	output string
}

type deviceErrMsg struct{ err error }

// New creates a session controller with a nop logger and no tools.
func New(cfg Config, transport Transport, capture CaptureSource, playback PlaybackSink) *Session {
	return NewWithLogger(cfg, transport, capture, playback, nil, nil)
}

// NewWithTools creates a session controller that dispatches model
// function calls to the given runner.
func NewWithTools(cfg Config, transport Transport, capture CaptureSource, playback PlaybackSink, tools ToolRunner) *Session {
	return NewWithLogger(cfg, transport, capture, playback, tools, nil)
}

// NewWithLogger creates a fully wired session controller. A nil logger
// falls back to a nop logger.
func NewWithLogger(cfg Config, transport Transport, capture CaptureSource, playback PlaybackSink, tools ToolRunner, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		transport: transport,
		capture:   capture,
		playback:  playback,
		tools:     tools,
		log:       log,

		handshakeTimeout: defaultHandshakeTimeout,
		turnTimeout:      defaultTurnTimeout,
		cancelAckTimeout: defaultCancelAckTimeout,
		stopGrace:        defaultStopGrace,

		state: StateIdle,
	}
	if cfg.VADEnabled {
		s.guard = vad.NewEchoGuard(echoGuardWindow, echoGuardThreshold)
		s.detector = vad.New(defaultVADEnter, defaultVADExit, defaultVADSilence)
		s.detector.SetEchoGuard(s.guard)
	}
	return s
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that terminated the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Start validates the configuration, opens the transport, negotiates the
// session, and begins capture. It is an idempotent no-op when already
// active. The handshake is bounded; a slow remote fails with
// ErrConnection, absent configuration with ErrConfiguration.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateActive:
		s.mu.Unlock()
		s.log.Debug("start ignored, session already active", zap.String("session_id", s.id))
		return nil
	case StateConnecting, StateClosing:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrConnection, st)
	}
	s.state = StateConnecting
	s.fatalErr = nil
	s.mu.Unlock()

	if err := s.cfg.Validate(); err != nil {
		s.setState(StateIdle)
		return err
	}

	s.mu.Lock()
	s.everStarted = true
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	if err := s.transport.Dial(dialCtx); err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if err := s.transport.UpdateSession(dialCtx, s.sessionConfig()); err != nil {
		_ = s.transport.Close(dialCtx)
		s.setState(StateIdle)
		return fmt.Errorf("%w: session negotiation: %v", ErrConnection, err)
	}

	if err := s.capture.Start(ctx); err != nil {
		_ = s.transport.Close(dialCtx)
		s.setState(StateIdle)
		return fmt.Errorf("%w: capture: %v", ErrConnection, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = runCancel
	s.inbox = make(chan any, 256)
	s.runDone = make(chan struct{})
	s.captureDone = make(chan struct{})
	s.state = StateActive
	s.mu.Unlock()

	s.sub = subListening
	s.userTurn = nil
	s.respondingTurn = nil
	s.pendingSpeech = false
	s.cancelledIDs = make(map[string]struct{})
	s.cancelUnbound = false
	s.waiters = make(map[uint64]chan textResult)
	if s.detector != nil {
		s.detector.Reset()
	}

	go s.run(runCtx)
	go s.capturePump(runCtx)

	s.log.Info("session started",
		zap.String("session_id", s.id),
		zap.String("model", s.cfg.Model),
		zap.String("voice", s.cfg.Voice),
		zap.Bool("vad", s.cfg.VADEnabled))
	return nil
}

// Stop halts capture, flushes playback, and closes the transport with a
// close frame. Every step is bounded by the grace period: a hung device
// is abandoned and logged rather than waited on, so Stop never blocks
// indefinitely. The aggregated shutdown error is logged and returned for
// callers that care; the session always ends up idle.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	cancel := s.cancel
	runDone := s.runDone
	captureDone := s.captureDone
	s.mu.Unlock()

	graceCtx, graceCancel := context.WithTimeout(ctx, s.stopGrace)
	defer graceCancel()

	var errs error
	if err := s.capture.Stop(graceCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("capture stop: %w", err))
	}
	s.playback.Flush()
	if err := s.playback.Stop(graceCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("playback stop: %w", err))
	}
	if err := s.transport.Close(graceCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("transport close: %w", err))
	}

	cancel()
	for _, done := range []chan struct{}{runDone, captureDone} {
		select {
		case <-done:
		case <-graceCtx.Done():
			errs = multierr.Append(errs, fmt.Errorf("goroutine did not exit within grace period"))
		}
	}

	s.setState(StateIdle)
	if errs != nil {
		s.log.Warn("shutdown incomplete", zap.String("session_id", s.id), zap.Error(errs))
	} else {
		s.log.Info("session stopped", zap.String("session_id", s.id))
	}
	return errs
}

// SendText injects a synthetic user turn without audio and returns the
// assistant's text once its response completes. Valid only while active;
// fails with ErrTurnTimeout if no terminal event arrives in time.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	st := s.state
	ever := s.everStarted
	runCtx := s.ctx
	inbox := s.inbox
	s.mu.Unlock()

	if st != StateActive {
		if !ever {
			return "", fmt.Errorf("%w: session was never started", ErrConfiguration)
		}
		return "", fmt.Errorf("%w: session is %s", ErrConnection, st)
	}

	reply := make(chan textResult, 1)
	select {
	case inbox <- textReqMsg{text: text, reply: reply}:
	case <-runCtx.Done():
		return "", fmt.Errorf("%w: session closed", ErrConnection)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-reply:
		return res.text, res.err
	case <-runCtx.Done():
		return "", fmt.Errorf("%w: session closed", ErrConnection)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EndTurn is the explicit end-of-turn signal used when VAD is disabled:
// it commits whatever audio has been streamed and requests a response.
// With no open turn it is a logged no-op.
func (s *Session) EndTurn() {
	s.post(endTurnMsg{})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) sessionConfig() realtime.SessionConfig {
	cfg := realtime.SessionConfig{
		Voice:             s.cfg.Voice,
		Instructions:      s.cfg.SystemPrompt,
		OutputAudioFormat: "pcm16",
	}
	if s.cfg.VADEnabled {
		cfg.TurnDetection = &realtime.TurnDetection{Type: "server_vad"}
	} else {
		cfg.TurnDetection = &realtime.TurnDetection{Type: "none"}
	}
	if s.cfg.FunctionCallingEnabled && s.tools != nil {
		cfg.Tools = s.tools.Definitions()
		cfg.ToolChoice = "auto"
	}
	return cfg
}

// post delivers a message to the dispatch loop without blocking past
// session shutdown.
func (s *Session) post(m any) {
	s.mu.Lock()
	runCtx := s.ctx
	inbox := s.inbox
	s.mu.Unlock()
	if runCtx == nil || inbox == nil {
		return
	}
	select {
	case inbox <- m:
	case <-runCtx.Done():
	}
}

// capturePump forwards microphone frames to the transport and tees them
// through the VAD. It is the only goroutine touching the detector.
func (s *Session) capturePump(ctx context.Context) {
	defer close(s.captureDone)
	frames := s.capture.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				// The stream also ends during a graceful Stop; only an
				// active session treats it as a device failure.
				if ctx.Err() == nil && s.State() == StateActive {
					s.post(deviceErrMsg{err: fmt.Errorf("capture stream ended")})
				}
				return
			}
			if s.detector != nil {
				if evt := s.detector.Process(frame); evt != nil {
					switch evt.Type {
					case vad.SpeechStart:
						s.post(vadStartMsg{})
					case vad.SpeechEnd:
						s.post(vadStopMsg{})
					}
				}
			}
			if err := s.transport.AppendAudio(frame); err != nil {
				s.log.Debug("audio frame dropped", zap.Error(err))
			}
		}
	}
}

// run is the single point of serialization for all state transitions.
func (s *Session) run(ctx context.Context) {
	defer close(s.runDone)
	defer s.failAllWaiters(fmt.Errorf("%w: session closed", ErrConnection))

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			s.handleMessage(ctx, m)
		case evt, ok := <-events:
			if !ok {
				events = nil // terminal; a nil channel never fires again
				continue
			}
			s.handleTransportEvent(ctx, evt)
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, m any) {
	switch msg := m.(type) {
	case vadStartMsg:
		s.onSpeechStart(ctx, "vad")
	case vadStopMsg:
		s.onSpeechStop(ctx, "vad")
	case endTurnMsg:
		s.onEndTurn(ctx)
	case textReqMsg:
		s.onTextRequest(ctx, msg)
	case cancelTimeoutMsg:
		s.onCancelTimeout(msg.remoteID)
	case turnTimeoutMsg:
		s.onTurnTimeout(msg.turnID)
	case toolResultMsg:
		s.onToolResult(ctx, msg)
	case deviceErrMsg:
		s.onFatal(ctx, fmt.Errorf("device failure: %w", msg.err))
	default:
		s.log.Warn("unknown internal message", zap.Any("message", m))
	}
}

func (s *Session) handleTransportEvent(ctx context.Context, evt realtime.ServerEvent) {
	switch evt.Type {
	case realtime.TypeSpeechStarted:
		s.onSpeechStart(ctx, "remote")
	case realtime.TypeSpeechStopped:
		s.onSpeechStop(ctx, "remote")
	case realtime.TypeAudioDelta:
		s.onAudioDelta(evt)
	case realtime.TypeTextDone:
		s.onTextDone(evt)
	case realtime.TypeResponseDone:
		s.onResponseDone(ctx, evt)
	case realtime.TypeError:
		err := evt.Err
		if err == nil {
			err = fmt.Errorf("unspecified remote error")
		}
		s.onFatal(ctx, fmt.Errorf("%w: %v", ErrRemoteProtocol, err))
	default:
		s.log.Debug("ignoring transport event", zap.String("type", evt.Type))
	}
}

// onSpeechStart handles barge-in: if the assistant is mid-response, the
// local flush is authoritative and happens before the remote cancel is
// even sent; the remote acknowledgement is advisory bookkeeping.
func (s *Session) onSpeechStart(ctx context.Context, source string) {
	switch s.sub {
	case subListening:
		s.userTurn = s.newTurn(RoleUser, TurnOpen)
		s.transition(subUserSpeaking)
	case subAssistantResponding:
		s.playback.Flush()
		turn := s.respondingTurn
		turn.State = TurnCancelled
		if turn.RemoteID != "" {
			s.cancelledIDs[turn.RemoteID] = struct{}{}
		} else {
			// Cancelled before any server event bound an id: the next
			// unknown id belongs to this response, not a future turn.
			s.cancelUnbound = true
		}
		s.failWaiter(turn.ID, fmt.Errorf("%w: interrupted by speech", ErrTurnCancelled))
		s.sendCancel(ctx, turn.RemoteID)
		s.pendingSpeech = true
		s.transition(subCancelling)
		s.log.Info("barge-in",
			zap.String("session_id", s.id),
			zap.String("source", source),
			zap.String("remote_turn", turn.RemoteID))
		remoteID := turn.RemoteID
		time.AfterFunc(s.cancelAckTimeout, func() {
			s.post(cancelTimeoutMsg{remoteID: remoteID})
		})
	case subCancelling:
		s.pendingSpeech = true
	case subUserSpeaking, subUserCommitted:
		// Already the user's turn; nothing to arbitrate.
	}
}

func (s *Session) onSpeechStop(ctx context.Context, source string) {
	switch s.sub {
	case subUserSpeaking:
		s.commitUserTurn(ctx)
	case subCancelling:
		s.pendingSpeech = false
	default:
		s.log.Debug("speech stop ignored",
			zap.String("source", source),
			zap.String("sub_state", s.sub.String()))
	}
}

func (s *Session) onEndTurn(ctx context.Context) {
	switch s.sub {
	case subUserSpeaking:
		s.commitUserTurn(ctx)
	case subListening:
		// VAD-disabled mode: audio streamed without a speech-start edge.
		s.userTurn = s.newTurn(RoleUser, TurnOpen)
		s.commitUserTurn(ctx)
	default:
		s.log.Debug("end turn ignored", zap.String("sub_state", s.sub.String()))
	}
}

// commitUserTurn sends exactly one commit followed by exactly one
// response request, in that order.
func (s *Session) commitUserTurn(ctx context.Context) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.transport.CommitInput(opCtx); err != nil {
		s.log.Error("input commit failed", zap.Error(err))
	}
	if s.userTurn != nil {
		s.userTurn.State = TurnCommitted
	}
	s.transition(subUserCommitted)

	if err := s.transport.CreateResponse(opCtx); err != nil {
		s.log.Error("response request failed", zap.Error(err))
	}
	if s.userTurn != nil {
		s.userTurn.State = TurnComplete
		s.userTurn = nil
	}
	s.respondingTurn = s.newTurn(RoleAssistant, TurnResponding)
	if s.detector != nil {
		// Clear VAD state before the assistant starts speaking so lingering
		// noise doesn't trigger an immediate barge-in.
		s.detector.Reset()
	}
	s.transition(subAssistantResponding)
}

func (s *Session) onTextRequest(ctx context.Context, msg textReqMsg) {
	if s.sub != subListening {
		msg.reply <- textResult{err: fmt.Errorf("%w: sub-state is %s", ErrBusy, s.sub)}
		return
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	text := s.decorate(msg.text)
	if err := s.transport.CreateUserText(opCtx, text); err != nil {
		msg.reply <- textResult{err: fmt.Errorf("%w: %v", ErrConnection, err)}
		return
	}
	if err := s.transport.CreateResponse(opCtx, "text"); err != nil {
		msg.reply <- textResult{err: fmt.Errorf("%w: %v", ErrConnection, err)}
		return
	}

	turn := s.newTurn(RoleAssistant, TurnResponding)
	s.respondingTurn = turn
	s.waiters[turn.ID] = msg.reply
	s.transition(subAssistantResponding)

	turnID := turn.ID
	time.AfterFunc(s.turnTimeout, func() {
		s.post(turnTimeoutMsg{turnID: turnID})
	})
}

func (s *Session) onAudioDelta(evt realtime.ServerEvent) {
	turn := s.respondingTurn
	if turn == nil || turn.State != TurnResponding {
		s.log.Debug("stale audio delta dropped", zap.String("turn_id", evt.TurnID))
		return
	}
	if _, cancelled := s.cancelledIDs[evt.TurnID]; cancelled {
		s.log.Debug("cancelled-turn delta dropped", zap.String("turn_id", evt.TurnID))
		return
	}
	if turn.RemoteID == "" {
		if s.cancelUnbound {
			s.cancelUnbound = false
			s.cancelledIDs[evt.TurnID] = struct{}{}
			s.log.Debug("cancelled-turn delta dropped", zap.String("turn_id", evt.TurnID))
			return
		}
		turn.RemoteID = evt.TurnID
	} else if turn.RemoteID != evt.TurnID {
		s.log.Debug("mismatched-turn delta dropped",
			zap.String("turn_id", evt.TurnID),
			zap.String("responding", turn.RemoteID))
		return
	}
	if err := s.playback.Write(evt.Audio); err != nil {
		s.log.Warn("playback write failed", zap.Error(err))
		return
	}
	if s.guard != nil {
		s.guard.NotifyPlayed()
	}
}

func (s *Session) onTextDone(evt realtime.ServerEvent) {
	turn := s.respondingTurn
	if turn == nil {
		return
	}
	if turn.RemoteID == "" && turn.State == TurnResponding {
		if s.cancelUnbound {
			s.cancelUnbound = false
			s.cancelledIDs[evt.TurnID] = struct{}{}
			return
		}
		turn.RemoteID = evt.TurnID
	}
	if turn.RemoteID != evt.TurnID {
		return
	}
	if reply, ok := s.waiters[turn.ID]; ok {
		reply <- textResult{text: evt.Text}
		delete(s.waiters, turn.ID)
	}
}

func (s *Session) onResponseDone(ctx context.Context, evt realtime.ServerEvent) {
	if _, cancelled := s.cancelledIDs[evt.TurnID]; cancelled {
		delete(s.cancelledIDs, evt.TurnID)
		if s.sub == subCancelling {
			s.resolveCancellation("remote acknowledgement")
		}
		return
	}
	if s.cancelUnbound {
		// The cancelled response never got bound to an id; its terminal
		// event is the first done nothing else claims.
		if turn := s.respondingTurn; turn == nil || turn.RemoteID == "" || turn.RemoteID != evt.TurnID {
			s.cancelUnbound = false
			s.log.Debug("unbound cancelled response resolved", zap.String("turn_id", evt.TurnID))
			if s.sub == subCancelling {
				s.resolveCancellation("remote acknowledgement")
			}
			return
		}
	}

	turn := s.respondingTurn
	if turn == nil || turn.State != TurnResponding {
		return
	}
	if turn.RemoteID == "" {
		turn.RemoteID = evt.TurnID
	} else if turn.RemoteID != evt.TurnID && evt.TurnID != "" {
		s.log.Debug("response done for unknown turn", zap.String("turn_id", evt.TurnID))
		return
	}

	calls := functionCalls(evt.Output)
	if len(calls) > 0 && s.cfg.FunctionCallingEnabled && s.tools != nil {
		turn.State = TurnComplete
		for _, call := range calls {
			s.dispatchToolCall(ctx, call)
		}
		// The follow-up response opens a fresh assistant turn once the
		// tool result comes back; until then nobody is responding.
		s.respondingTurn = nil
		s.transition(subListening)
		return
	}

	if reply, ok := s.waiters[turn.ID]; ok {
		reply <- textResult{text: responseText(evt.Output)}
		delete(s.waiters, turn.ID)
	}
	turn.State = TurnComplete
	s.respondingTurn = nil
	s.transition(subListening)
}

func (s *Session) onCancelTimeout(remoteID string) {
	if s.sub != subCancelling {
		return
	}
	// The local flush already silenced playback; the machine never waits
	// on the remote past this point.
	delete(s.cancelledIDs, remoteID)
	s.resolveCancellation("timeout")
}

func (s *Session) resolveCancellation(reason string) {
	s.respondingTurn = nil
	if s.pendingSpeech {
		s.pendingSpeech = false
		s.userTurn = s.newTurn(RoleUser, TurnOpen)
		s.transition(subUserSpeaking)
	} else {
		s.transition(subListening)
	}
	s.log.Debug("cancellation resolved", zap.String("reason", reason))
}

func (s *Session) onTurnTimeout(turnID uint64) {
	reply, ok := s.waiters[turnID]
	if !ok {
		return
	}
	delete(s.waiters, turnID)
	reply <- textResult{err: ErrTurnTimeout}
	if s.respondingTurn != nil && s.respondingTurn.ID == turnID {
		s.respondingTurn.State = TurnCancelled
		s.respondingTurn = nil
		s.transition(subListening)
	}
}

func (s *Session) dispatchToolCall(ctx context.Context, call realtime.OutputItem) {
	name, callID, args := call.Name, call.CallID, call.Arguments
	go func() {
		out, err := s.tools.Invoke(ctx, name, json.RawMessage(args))
		payload := map[string]string{"result": out}
		if err != nil {
			payload = map[string]string{"error": err.Error()}
		}
		encoded, _ := json.Marshal(payload)
		s.post(toolResultMsg{callID: callID, output: string(encoded)})
	}()
}

func (s *Session) onToolResult(ctx context.Context, msg toolResultMsg) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.transport.SendFunctionOutput(opCtx, msg.callID, msg.output); err != nil {
		s.log.Error("function output send failed", zap.Error(err))
		return
	}
	if err := s.transport.CreateResponse(opCtx); err != nil {
		s.log.Error("follow-up response request failed", zap.Error(err))
		return
	}
	if s.sub == subListening {
		s.respondingTurn = s.newTurn(RoleAssistant, TurnResponding)
		s.transition(subAssistantResponding)
	}
}

// onFatal ends the session from inside the dispatch loop. Teardown runs
// on its own goroutine because Stop waits for this loop to exit.
func (s *Session) onFatal(ctx context.Context, err error) {
	s.log.Error("fatal session error", zap.String("session_id", s.id), zap.Error(err))
	s.mu.Lock()
	s.fatalErr = err
	s.mu.Unlock()
	s.failAllWaiters(err)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace+time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	}()
}

func (s *Session) sendCancel(ctx context.Context, remoteID string) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.transport.CancelResponse(opCtx, remoteID); err != nil {
		s.log.Warn("response cancel failed", zap.Error(err))
	}
}

func (s *Session) transition(to subState) {
	if s.sub == to {
		return
	}
	s.log.Debug("turn state",
		zap.String("from", s.sub.String()),
		zap.String("to", to.String()))
	s.sub = to
}

func (s *Session) newTurn(role TurnRole, state TurnState) *Turn {
	s.turnSeq++
	return &Turn{ID: s.turnSeq, Role: role, State: state}
}

func (s *Session) failWaiter(turnID uint64, err error) {
	if reply, ok := s.waiters[turnID]; ok {
		reply <- textResult{err: err}
		delete(s.waiters, turnID)
	}
}

func (s *Session) failAllWaiters(err error) {
	for id, reply := range s.waiters {
		reply <- textResult{err: err}
		delete(s.waiters, id)
	}
}

func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, sendTimeout)
}

// decorate appends the current date/time per the locale flags, matching
// what the assistant's text path has always sent.
func (s *Session) decorate(text string) string {
	now := time.Now()
	var parts []string
	if s.cfg.IncludeDate {
		parts = append(parts, "Date: "+now.Format("2006-01-02"))
	}
	if s.cfg.IncludeTime {
		parts = append(parts, "Time: "+now.Format("15:04:05"))
	}
	if len(parts) == 0 {
		return text
	}
	suffix := parts[0]
	for _, p := range parts[1:] {
		suffix += " | " + p
	}
	return text + " (" + suffix + ")"
}

func functionCalls(items []realtime.OutputItem) []realtime.OutputItem {
	var calls []realtime.OutputItem
	for _, item := range items {
		if item.Type == "function_call" {
			calls = append(calls, item)
		}
	}
	return calls
}

func responseText(items []realtime.OutputItem) string {
	for _, item := range items {
		if item.Type != "message" {
			continue
		}
		if item.Text != "" {
			return item.Text
		}
		for _, part := range item.Content {
			if part.Type == "text" && part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}
