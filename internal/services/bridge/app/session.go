package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/dispatch"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"golang.org/x/net/websocket"
	"golang.org/x/text/language"
)

const maxDecodeErrorsPerConn = 3

var (
	errAuthRequired    = apperrors.New(apperrors.CodeAuth, "authentication required")
	errInvalidAPIKey   = apperrors.New(apperrors.CodeAuth, "invalid api key")
	errAuthTimedOut    = apperrors.New(apperrors.CodeAuth, "authentication timed out")
	errMessageTooLarge = apperrors.New(apperrors.CodeProtocol, "message too large")
	errTooManyMessages = apperrors.New(apperrors.CodeProtocol, "too many messages")
)

// frameLimits bound what one peer may send.
type frameLimits struct {
	maxFrameBytes   int
	framesPerSecond int
}

// Executors carry screenshots, requesters carry commands.
var roleLimits = map[broker.Role]frameLimits{
	broker.RoleExecutor:  {maxFrameBytes: 32 << 20, framesPerSecond: 200},
	broker.RoleRequester: {maxFrameBytes: 1 << 20, framesPerSecond: 40},
}

type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session drives one websocket through
// connecting → authenticating → active → closing → closed.
type session struct {
	srv         *Server
	role        broker.Role
	registry    *broker.Registry
	ws          *websocket.Conn
	peer        *wsPeer
	lang        language.Tag
	preferredID string
	limits      frameLimits
	logger      *slog.Logger

	state atomic.Int32
	conn  *broker.Conn
}

func (s *session) setState(next connState) {
	prev := connState(s.state.Swap(int32(next)))
	s.logger.Debug("connection state", "from", prev.String(), "to", next.String())
}

func (s *session) currentState() connState {
	return connState(s.state.Load())
}

func (s *session) run(ctx context.Context) {
	defer s.close()
	s.ws.MaxPayloadBytes = s.limits.maxFrameBytes

	s.setState(stateAuthenticating)
	if err := s.authenticate(); err != nil {
		s.logger.Info("authentication failed", "error", err)
		s.reject(ctx, err)
		return
	}

	conn, err := s.registry.Register(s.preferredID, s.peer)
	if err != nil {
		s.logger.Info("registration refused", "conn_id", s.preferredID, "error", err)
		s.reject(ctx, err)
		return
	}
	s.conn = conn
	s.logger = s.logger.With("conn_id", conn.ID())
	s.setState(stateActive)

	greeting := "connected"
	if s.srv.cfg.APIKey != "" {
		greeting = "authenticated"
	}
	if err := conn.Send(ctx, protocol.NewAuthResponse(conn.ID(), greeting)); err != nil {
		return
	}
	s.logger.Info("peer connected")
	s.readLoop(ctx)
}

// authenticate reads the auth frame when an API key is configured.
func (s *session) authenticate() error {
	key := s.srv.cfg.APIKey
	if key == "" {
		return nil
	}
	_ = s.ws.SetReadDeadline(time.Now().Add(s.srv.cfg.AuthTimeout))
	defer func() { _ = s.ws.SetReadDeadline(time.Time{}) }()

	var raw []byte
	if err := websocket.Message.Receive(s.ws, &raw); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errAuthTimedOut
		}
		return apperrors.Wrap(apperrors.CodeAuth, "authentication required", err)
	}
	msg := protocol.Decode(raw, nil)
	if msg.Kind != protocol.KindAuth {
		return errAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(msg.Envelope.APIKey), []byte(key)) != 1 {
		return errInvalidAPIKey
	}
	return nil
}

// reject answers a peer that never became active and lets close end it.
func (s *session) reject(ctx context.Context, err error) {
	frame := dispatch.ErrorFrame(time.Now(), s.lang, "", err)
	if sendErr := s.peer.Send(ctx, frame); sendErr != nil {
		s.logger.Debug("write rejection failed", "error", sendErr)
	}
}

func (s *session) readLoop(ctx context.Context) {
	src := dispatch.Source{Conn: s.conn, Lang: s.lang}
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var raw []byte
		if err := websocket.Message.Receive(s.ws, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				decodeErrors++
				s.srv.dispatcher.SendError(ctx, src, "", errMessageTooLarge)
				if decodeErrors >= maxDecodeErrorsPerConn {
					s.logger.Info("closing after repeated oversized frames")
					return
				}
				continue
			}
			s.logger.Debug("read ended", "error", err)
			return
		}

		now := time.Now()
		s.conn.Touch(now)
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > s.limits.framesPerSecond {
			s.srv.dispatcher.SendError(ctx, src, "", errTooManyMessages)
			s.logger.Info("closing after exceeding frame rate")
			return
		}

		kind := s.srv.dispatcher.Dispatch(ctx, src, raw)
		if kind == protocol.KindMalformed && !json.Valid(raw) {
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				s.logger.Info("closing after repeated undecodable frames")
				return
			}
			continue
		}
		decodeErrors = 0
	}
}

func (s *session) close() {
	s.setState(stateClosing)
	if s.conn != nil {
		s.registry.Release(s.conn)
		s.logger.Info("peer disconnected")
	}
	_ = s.peer.Close()
	s.setState(stateClosed)
}
