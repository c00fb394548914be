package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/voicebridge/internal/domain"
	"github.com/xiaot623/gogo/voicebridge/internal/metrics"
	"github.com/xiaot623/gogo/voicebridge/internal/registry"
	"github.com/xiaot623/gogo/voicebridge/internal/relay"
)

// Application close codes sent to the media stream.
const (
	CloseMissingCallSid = 4400
	CloseNoAgent        = 4404
	CloseDuplicateCall  = 4409
)

// AgentResolver finds the agent persona for a call.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, callSID string) (domain.AgentConfig, error)
}

// ServerConfig holds socket and session tuning for the media-stream server.
type ServerConfig struct {
	LookupTimeout  time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	Relay          relay.Options
}

// Server accepts media-stream websockets and starts a relay session per call.
type Server struct {
	cfg      ServerConfig
	registry *registry.Registry
	resolver AgentResolver
	deps     relay.Deps
	log      zerolog.Logger
	upgrader websocket.Upgrader

	// mu orders sessions.Add against Shutdown.
	mu       sync.Mutex
	baseCtx  context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer creates a media-stream server. deps supplies the AI connector
// and turn/call sinks shared by every session; the telephony leg and
// directory are filled in per call.
func NewServer(cfg ServerConfig, reg *registry.Registry, resolver AgentResolver, deps relay.Deps, logger zerolog.Logger) *Server {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: reg,
		resolver: resolver,
		deps:     deps,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Twilio does not send an Origin header
				return true
			},
		},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// HandleMediaStream upgrades the request and runs the stream until the call
// ends. The optional :call_sid route param is used when the start frame
// carries no call id.
func (s *Server) HandleMediaStream(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to upgrade media stream")
		return err
	}

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	leg := NewLeg(ws, s.cfg.WriteTimeout)
	go leg.Ping(s.cfg.PingInterval)
	go s.readLoop(ws, leg, c.Param("call_sid"))

	return nil
}

// Shutdown ends every live session and waits for their teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) readLoop(ws *websocket.Conn, leg *Leg, routeCallSID string) {
	log := s.log
	var sess *relay.Session
	defer func() {
		if sess != nil {
			sess.Stop()
			return
		}
		leg.Close(websocket.CloseNormalClosure, "")
	}()

	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Media stream read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		frame, err := ParseFrame(data)
		if err != nil {
			metrics.FramesDropped.WithLabelValues(string(domain.DirectionInbound), metrics.ReasonProtocol).Inc()
			log.Warn().Err(err).Msg("Dropping media stream frame")
			continue
		}

		switch frame.Event {
		case EventConnected:
			log.Debug().Str("protocol", frame.Protocol).Str("version", frame.Version).Msg("Media stream connected")

		case EventStart:
			if sess != nil {
				log.Warn().Msg("Ignoring repeated start frame")
				continue
			}
			sess = s.startSession(leg, frame.Start, routeCallSID)
			if sess == nil {
				return
			}
			log = log.With().Str("call_sid", sess.Call().ID()).Logger()

		case EventMedia:
			if sess == nil {
				metrics.FramesDropped.WithLabelValues(string(domain.DirectionInbound), metrics.ReasonProtocol).Inc()
				continue
			}
			if !frame.Media.Relayed() {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				metrics.FramesDropped.WithLabelValues(string(domain.DirectionInbound), metrics.ReasonCodec).Inc()
				log.Warn().Err(err).Msg("Dropping media frame with bad payload")
				continue
			}
			if err := sess.HandleMedia(payload); errors.Is(err, relay.ErrSessionClosed) {
				return
			}

		case EventStop:
			log.Info().Msg("Media stream stopped")
			return

		case EventMark:
			log.Debug().Str("mark", frame.Mark.Name).Msg("Playback mark reached")
		}
	}
}

// startSession resolves the agent and registers the call. On failure it
// closes the leg with an application close code and returns nil.
func (s *Server) startSession(leg *Leg, start *StartPayload, routeCallSID string) *relay.Session {
	callSID := start.CallID()
	if callSID == "" {
		callSID = routeCallSID
	}
	if callSID == "" {
		s.log.Warn().Str("stream_sid", start.StreamSid).Msg("Start frame without call id")
		leg.Close(CloseMissingCallSid, "missing callSid")
		return nil
	}
	log := s.log.With().Str("call_sid", callSID).Logger()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.LookupTimeout)
	agent, err := s.resolver.ResolveAgent(ctx, callSID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("No agent for call")
		leg.Close(CloseNoAgent, "no agent available")
		return nil
	}

	call, err := s.registry.Create(callSID, agent)
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting media stream")
		leg.Close(CloseDuplicateCall, "duplicate session")
		return nil
	}
	call.SetStreamID(start.StreamSid)
	leg.SetStreamSid(start.StreamSid)

	deps := s.deps
	deps.Telephony = leg
	deps.Directory = s.registry
	deps.Logger = s.log
	sess := relay.New(call, deps, s.cfg.Relay)

	if !s.track() {
		log.Warn().Msg("Rejecting media stream during shutdown")
		s.registry.Remove(callSID)
		leg.Close(CloseNoAgent, "shutting down")
		return nil
	}
	go func() {
		defer s.sessions.Done()
		sess.Run(s.baseCtx)
	}()

	log.Info().
		Str("stream_sid", start.StreamSid).
		Str("agent_id", agent.AgentID).
		Msg("Media stream started")
	return sess
}

// track registers a session with the shutdown wait group. It fails once
// Shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return false
	}
	s.sessions.Add(1)
	return true
}
