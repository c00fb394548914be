// Package relay bridges one telephony media stream to one voice AI chat.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/voicebridge/internal/audio"
	"github.com/xiaot623/gogo/voicebridge/internal/domain"
	"github.com/xiaot623/gogo/voicebridge/internal/metrics"
	"github.com/xiaot623/gogo/voicebridge/internal/voiceai"
)

// ErrSessionClosed is returned when audio arrives after the session ended.
var ErrSessionClosed = errors.New("session closed")

// Close reasons sent to the telephony leg.
const (
	ReasonAIUnavailable = "voice AI unavailable"
	ReasonCallEnded     = "call ended"
)

// Sink is the telephony side of a session.
type Sink interface {
	SendAudio(mulaw []byte) error
	Clear() error
	Close(code int, reason string) error
}

// AIConn is one established voice AI connection.
type AIConn interface {
	SendAudio(pcm []byte) error
	SendAssistantInput(text string) error
	Receive() (voiceai.Event, error)
	ChatGroupID() string
	Close() error
}

// Connector opens voice AI connections.
type Connector interface {
	Connect(ctx context.Context, opts voiceai.SessionOptions) (AIConn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, opts voiceai.SessionOptions) (AIConn, error)

func (f ConnectorFunc) Connect(ctx context.Context, opts voiceai.SessionOptions) (AIConn, error) {
	return f(ctx, opts)
}

// EVIConnector returns a Connector backed by an EVI dialer.
func EVIConnector(d *voiceai.Dialer) Connector {
	return ConnectorFunc(func(ctx context.Context, opts voiceai.SessionOptions) (AIConn, error) {
		conn, err := d.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// ConversationLogger durably records transcript turns.
type ConversationLogger interface {
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) error
}

// CallRecorder tracks the call outcome outside the session.
type CallRecorder interface {
	MarkCallStarted(ctx context.Context, callSID, agentID, streamSID string, at time.Time) error
	MarkCallEnded(ctx context.Context, callSID string, status domain.CallStatus, chatGroupID string, at time.Time) error
}

// Directory is where live sessions are registered.
type Directory interface {
	Remove(callID string)
}

// Options tunes a session. Zero fields take the defaults below.
type Options struct {
	ConnectTimeout    time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryMaxAttempts  int
	InboundQueueSize  int
	OutboundQueueSize int
	QueuePushTimeout  time.Duration
	TurnFlushTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 8 * time.Second
	}
	if o.RetryMaxAttempts < 0 {
		o.RetryMaxAttempts = 0
	}
	if o.InboundQueueSize <= 0 {
		o.InboundQueueSize = 50
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = 200
	}
	if o.TurnFlushTimeout <= 0 {
		o.TurnFlushTimeout = 5 * time.Second
	}
	return o
}

// Deps are the collaborators of a session. Calls and Directory are optional.
type Deps struct {
	Telephony Sink
	Connector Connector
	Turns     ConversationLogger
	Calls     CallRecorder
	Directory Directory
	Logger    zerolog.Logger
}

type aiFailure struct {
	conn AIConn
	err  error
}

// Session relays audio for one call and owns its CallSession.
type Session struct {
	call *domain.CallSession
	deps Deps
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	inbound  *queue
	outbound *queue
	outGen   atomic.Uint64

	// inMu and outMu are held across each forward so teardown can fence them.
	// closing is set under both once teardown starts; the status only turns
	// terminal after both legs are closed.
	inMu    sync.Mutex
	outMu   sync.Mutex
	closing atomic.Bool

	aiMu    sync.Mutex
	ai      AIConn
	aiReady chan struct{}
	aiErr   chan aiFailure

	turnCh   chan domain.ConversationTurn
	turnDone chan struct{}

	stopCtx    context.Context
	stopCancel context.CancelFunc
	group      errgroup.Group
	finishOnce sync.Once
	done       chan struct{}
}

// New creates a session for call. Run must be called to start relaying.
func New(call *domain.CallSession, deps Deps, opts Options) *Session {
	opts = opts.withDefaults()
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Session{
		call:       call,
		deps:       deps,
		opts:       opts,
		log:        deps.Logger.With().Str("call_sid", call.ID()).Logger(),
		now:        time.Now,
		inbound:    newQueue(opts.InboundQueueSize, opts.QueuePushTimeout),
		outbound:   newQueue(opts.OutboundQueueSize, opts.QueuePushTimeout),
		aiReady:    make(chan struct{}),
		aiErr:      make(chan aiFailure, 4),
		turnCh:     make(chan domain.ConversationTurn, 64),
		turnDone:   make(chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		done:       make(chan struct{}),
	}
}

// Call returns the session state.
func (s *Session) Call() *domain.CallSession { return s.call }

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop signals the end of the telephony leg. Safe to call repeatedly and
// from any goroutine.
func (s *Session) Stop() {
	s.stopCancel()
}

// HandleMedia accepts one inbound µ-law chunk from the telephony leg.
func (s *Session) HandleMedia(mulaw []byte) error {
	if s.closing.Load() || s.call.Status().Terminal() {
		metrics.FramesDropped.WithLabelValues(string(domain.DirectionInbound), metrics.ReasonTerminal).Inc()
		return ErrSessionClosed
	}
	pcm := audio.DecodeMulaw(mulaw)
	if n := s.inbound.Push(chunk{data: pcm}); n > 0 {
		metrics.FramesDropped.WithLabelValues(string(domain.DirectionInbound), metrics.ReasonQueueFull).Add(float64(n))
		s.log.Warn().Int("dropped", n).Msg("Inbound queue full, dropped oldest audio")
	}
	return nil
}

// Run drives the session until it reaches a terminal state. It returns after
// teardown.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(s.stopCtx, cancel)
	defer unwatch()

	metrics.ActiveSessions.Inc()
	go s.writeTurns()
	s.logTurn(domain.RoleSystem, "Call connected", nil)

	conn, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Info().Msg("Telephony leg closed while connecting")
			s.finish(cancel, domain.CallStatusEnded)
			return
		}
		s.log.Error().Err(err).Msg("Voice AI connect failed")
		s.finish(cancel, domain.CallStatusFailed)
		return
	}

	if err := s.call.Transition(domain.CallStatusStreaming, s.now()); err != nil {
		conn.Close()
		s.finish(cancel, domain.CallStatusEnded)
		return
	}
	if id := conn.ChatGroupID(); id != "" {
		s.call.SetChatGroupID(id)
	}
	s.recordStart()
	s.setAI(conn)
	s.log.Info().Str("chat_group_id", s.call.ChatGroupID()).Msg("Session streaming")
	s.logTurn(domain.RoleSystem, "Stream started", nil)

	s.group.Go(func() error { return s.pumpInbound(ctx) })
	s.group.Go(func() error { return s.pumpOutbound(ctx) })
	s.group.Go(func() error { return s.receive(ctx, conn) })

	if greeting := s.call.Agent().Greeting; greeting != "" {
		if err := conn.SendAssistantInput(greeting); err != nil {
			s.reportAIFailure(ctx, conn, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.finish(cancel, domain.CallStatusEnded)
			return
		case f := <-s.aiErr:
			if f.conn != s.currentAI() {
				continue
			}
			s.log.Warn().Err(f.err).Msg("Voice AI connection lost, reconnecting")
			s.setAI(nil)
			f.conn.Close()

			next, status := s.reconnect(ctx)
			if next == nil {
				s.finish(cancel, status)
				return
			}
			s.setAI(next)
			s.group.Go(func() error { return s.receive(ctx, next) })
		}
	}
}

func (s *Session) connect(ctx context.Context) (AIConn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	agent := s.call.Agent()
	return s.deps.Connector.Connect(ctx, voiceai.SessionOptions{
		ConfigID:          agent.EVIConfigID,
		SystemPrompt:      agent.SystemPrompt,
		ResumeChatGroupID: s.call.ChatGroupID(),
	})
}

// reconnect retries with capped exponential backoff. A nil connection comes
// with the terminal status to finish in.
func (s *Session) reconnect(ctx context.Context) (AIConn, domain.CallStatus) {
	backoff := retry.NewExponential(s.opts.RetryBaseDelay)
	backoff = retry.WithCappedDuration(s.opts.RetryMaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(s.opts.RetryMaxAttempts), backoff)

	for attempt := 1; ; attempt++ {
		delay, stop := backoff.Next()
		if stop {
			metrics.AIReconnects.WithLabelValues("exhausted").Inc()
			s.log.Error().Int("attempts", attempt-1).Msg("Voice AI reconnect attempts exhausted")
			return nil, domain.CallStatusFailed
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, domain.CallStatusEnded
		case <-timer.C:
		}

		conn, err := s.connect(ctx)
		if err == nil {
			if id := conn.ChatGroupID(); id != "" {
				s.call.SetChatGroupID(id)
			}
			metrics.AIReconnects.WithLabelValues("success").Inc()
			s.log.Info().Int("attempt", attempt).Msg("Voice AI reconnected")
			return conn, ""
		}
		if ctx.Err() != nil {
			return nil, domain.CallStatusEnded
		}
		metrics.AIReconnects.WithLabelValues("failure").Inc()
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Voice AI reconnect failed")
	}
}

func (s *Session) currentAI() AIConn {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	return s.ai
}

// setAI installs conn as the current connection, or clears it when nil.
func (s *Session) setAI(conn AIConn) {
	s.aiMu.Lock()
	defer s.aiMu.Unlock()
	if conn == nil {
		if s.ai != nil {
			s.aiReady = make(chan struct{})
		}
		s.ai = nil
		return
	}
	if s.ai == nil {
		close(s.aiReady)
	}
	s.ai = conn
}

func (s *Session) waitAI(ctx context.Context) (AIConn, error) {
	for {
		s.aiMu.Lock()
		conn, ready := s.ai, s.aiReady
		s.aiMu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Session) reportAIFailure(ctx context.Context, conn AIConn, err error) {
	select {
	case s.aiErr <- aiFailure{conn: conn, err: err}:
	case <-ctx.Done():
	}
}

func (s *Session) pumpInbound(ctx context.Context) error {
	direction := string(domain.DirectionInbound)
	for {
		c, ok := s.inbound.Pop(ctx)
		if !ok {
			return nil
		}
		conn, err := s.waitAI(ctx)
		if err != nil {
			return nil
		}

		s.inMu.Lock()
		if s.closing.Load() {
			s.inMu.Unlock()
			metrics.FramesDropped.WithLabelValues(direction, metrics.ReasonTerminal).Inc()
			continue
		}
		err = conn.SendAudio(c.data)
		s.inMu.Unlock()

		if err != nil {
			metrics.FramesDropped.WithLabelValues(direction, metrics.ReasonSendFailed).Inc()
			s.reportAIFailure(ctx, conn, err)
			continue
		}
		metrics.FramesForwarded.WithLabelValues(direction).Inc()
	}
}

func (s *Session) pumpOutbound(ctx context.Context) error {
	direction := string(domain.DirectionOutbound)
	for {
		c, ok := s.outbound.Pop(ctx)
		if !ok {
			return nil
		}

		s.outMu.Lock()
		if s.closing.Load() {
			s.outMu.Unlock()
			if !c.clear {
				metrics.FramesDropped.WithLabelValues(direction, metrics.ReasonTerminal).Inc()
			}
			continue
		}
		if c.gen != s.outGen.Load() {
			s.outMu.Unlock()
			if !c.clear {
				metrics.FramesDropped.WithLabelValues(direction, metrics.ReasonInterrupted).Inc()
			}
			continue
		}
		if c.clear {
			err := s.deps.Telephony.Clear()
			s.outMu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to clear telephony playback")
			}
			continue
		}
		err := s.deps.Telephony.SendAudio(c.data)
		s.outMu.Unlock()

		if err != nil {
			metrics.FramesDropped.WithLabelValues(direction, metrics.ReasonSendFailed).Inc()
			s.log.Warn().Err(err).Msg("Failed to write audio to telephony leg")
			continue
		}
		metrics.FramesForwarded.WithLabelValues(direction).Inc()
		s.log.Trace().Dur("audio", audio.Duration(len(c.data))).Msg("Audio sent to caller")
	}
}

// receive reads events from one AI connection until it fails or ctx ends.
func (s *Session) receive(ctx context.Context, conn AIConn) error {
	for {
		ev, err := conn.Receive()
		if err != nil {
			var perr *voiceai.ProtocolError
			if errors.As(err, &perr) {
				metrics.FramesDropped.WithLabelValues(string(domain.DirectionOutbound), metrics.ReasonProtocol).Inc()
				s.log.Warn().Err(err).Msg("Dropping malformed voice AI frame")
				continue
			}
			if ctx.Err() == nil {
				s.reportAIFailure(ctx, conn, err)
			}
			return nil
		}

		switch e := ev.(type) {
		case voiceai.AudioOutput:
			s.handleAudioOutput(e.Data)
		case voiceai.UserInterruption:
			s.interrupt()
		case voiceai.UserMessage:
			if !e.Interim {
				s.logTurn(domain.RoleCustomer, e.Content, e.EmotionScores)
			}
		case voiceai.AssistantMessage:
			s.logTurn(domain.RoleAgent, e.Content, nil)
		case voiceai.ChatMetadata:
			if e.ChatGroupID != "" {
				s.call.SetChatGroupID(e.ChatGroupID)
			}
		case voiceai.AssistantEnd:
			s.log.Debug().Msg("Assistant turn ended")
		case voiceai.ErrorEvent:
			s.reportAIFailure(ctx, conn, e)
			return nil
		}
	}
}

func (s *Session) handleAudioOutput(pcm []byte) {
	mulaw, err := audio.EncodeMulaw(pcm)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(string(domain.DirectionOutbound), metrics.ReasonCodec).Inc()
		s.log.Warn().Err(err).Msg("Dropping undecodable AI audio")
		return
	}
	if n := s.outbound.Push(chunk{gen: s.outGen.Load(), data: mulaw}); n > 0 {
		metrics.FramesDropped.WithLabelValues(string(domain.DirectionOutbound), metrics.ReasonQueueFull).Add(float64(n))
	}
}

// interrupt discards playback queued before the caller barged in and queues
// a clear for the outbound pump. It never waits on a telephony write; the
// generation bump makes the pump skip anything it pops from before.
func (s *Session) interrupt() {
	gen := s.outGen.Add(1)

	n := s.outbound.Clear()
	if n > 0 {
		metrics.FramesDropped.WithLabelValues(string(domain.DirectionOutbound), metrics.ReasonInterrupted).Add(float64(n))
	}
	s.outbound.Push(chunk{gen: gen, clear: true})
	s.log.Debug().Int("discarded", n).Msg("Caller interrupted playback")
}

func (s *Session) logTurn(role domain.Role, text string, scores map[string]float64) {
	turn := domain.ConversationTurn{
		ID:            uuid.New().String(),
		SessionID:     s.call.ID(),
		Role:          role,
		Text:          text,
		Timestamp:     s.now(),
		Sentiment:     Sentiment(scores),
		EmotionScores: scores,
	}
	select {
	case s.turnCh <- turn:
	default:
		metrics.TurnLogErrors.Inc()
		s.log.Warn().Str("role", string(role)).Msg("Turn log backlog full, dropping turn")
	}
}

func (s *Session) writeTurns() {
	defer close(s.turnDone)
	for turn := range s.turnCh {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TurnFlushTimeout)
		err := s.deps.Turns.AppendTurn(ctx, turn)
		cancel()
		if err != nil {
			metrics.TurnLogErrors.Inc()
			s.log.Warn().Err(err).Str("turn_id", turn.ID).Msg("Failed to log conversation turn")
			continue
		}
		metrics.TurnsLogged.WithLabelValues(string(turn.Role)).Inc()
	}
}

func (s *Session) recordStart() {
	if s.deps.Calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TurnFlushTimeout)
	defer cancel()
	err := s.deps.Calls.MarkCallStarted(ctx, s.call.ID(), s.call.Agent().AgentID, s.call.StreamID(), s.call.StartedAt())
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to record call start")
	}
}

// finish tears the session down exactly once. Forwarding stops first; the
// session only reports status after both legs are closed.
func (s *Session) finish(cancel context.CancelFunc, status domain.CallStatus) {
	s.finishOnce.Do(func() {
		at := s.now()

		s.inMu.Lock()
		s.outMu.Lock()
		s.closing.Store(true)
		s.outGen.Add(1)
		s.outMu.Unlock()
		s.inMu.Unlock()

		cancel()
		if conn := s.currentAI(); conn != nil {
			s.setAI(nil)
			conn.Close()
		}
		s.group.Wait()

		text := "Call ended"
		if status == domain.CallStatusFailed {
			text = "Call failed"
		}
		s.logTurn(domain.RoleSystem, text, nil)
		close(s.turnCh)
		select {
		case <-s.turnDone:
		case <-time.After(s.opts.TurnFlushTimeout):
			s.log.Warn().Msg("Timed out flushing conversation turns")
		}

		code, reason := websocket.CloseNormalClosure, ReasonCallEnded
		if status == domain.CallStatusFailed {
			code, reason = websocket.CloseInternalServerErr, ReasonAIUnavailable
		}
		if err := s.deps.Telephony.Close(code, reason); err != nil {
			s.log.Debug().Err(err).Msg("Telephony leg already closed")
		}

		if err := s.call.Transition(status, at); err != nil {
			s.log.Warn().Err(err).Msg("Unexpected terminal transition")
		}
		final := s.call.Status()

		if s.deps.Calls != nil {
			ctx, cancelRecord := context.WithTimeout(context.Background(), s.opts.TurnFlushTimeout)
			err := s.deps.Calls.MarkCallEnded(ctx, s.call.ID(), final, s.call.ChatGroupID(), at)
			cancelRecord()
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to record call end")
			}
		}
		if s.deps.Directory != nil {
			s.deps.Directory.Remove(s.call.ID())
		}

		metrics.ActiveSessions.Dec()
		metrics.SessionsTotal.WithLabelValues(string(final)).Inc()
		s.log.Info().
			Str("status", string(final)).
			Dur("duration", at.Sub(s.call.StartedAt())).
			Msg("Session finished")
		close(s.done)
	})
}
