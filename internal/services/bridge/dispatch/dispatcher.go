// Package dispatch routes decoded frames: replies to the correlation engine,
// commands to the task queue, control frames to the control protocol.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	errorsi18n "github.com/louisbranch/browserbridge/internal/platform/errors/i18n"
	platformi18n "github.com/louisbranch/browserbridge/internal/platform/i18n"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/louisbranch/browserbridge/internal/services/bridge/taskqueue"
	"golang.org/x/text/language"
)

var (
	errExecutorCommand      = apperrors.New(apperrors.CodeProtocol, "commands are not accepted on the executor channel")
	errAlreadyAuthenticated = apperrors.New(apperrors.CodeProtocol, "already authenticated")
)

// Source is the connection a frame arrived on.
type Source struct {
	Conn *broker.Conn
	Lang language.Tag
}

// Observer is told about every dispatched frame. Reason is set for
// malformed frames.
type Observer interface {
	FrameDispatched(role broker.Role, kind protocol.Kind, reason string)
}

type nopObserver struct{}

func (nopObserver) FrameDispatched(broker.Role, protocol.Kind, string) {}

// Config wires a Dispatcher.
type Config struct {
	Engine     *broker.Engine
	Queue      *taskqueue.Queue
	Requesters *broker.Registry
	// Status feeds pong frames.
	Status   func() protocol.ServerStatus
	Observer Observer
	Logger   *slog.Logger
}

// Dispatcher classifies and routes inbound frames.
type Dispatcher struct {
	engine     *broker.Engine
	queue      *taskqueue.Queue
	requesters *broker.Registry
	status     func() protocol.ServerStatus
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("task queue is required")
	}
	if cfg.Requesters == nil {
		return nil, errors.New("requester registry is required")
	}
	d := &Dispatcher{
		engine:     cfg.Engine,
		queue:      cfg.Queue,
		requesters: cfg.Requesters,
		status:     cfg.Status,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if d.status == nil {
		d.status = func() protocol.ServerStatus { return protocol.ServerStatus{Running: true} }
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d, nil
}

// Dispatch handles one frame from src. It never fails: problems are reported
// to the peer as error frames and the read loop carries on.
func (d *Dispatcher) Dispatch(ctx context.Context, src Source, raw []byte) protocol.Kind {
	msg := protocol.Decode(raw, d.engine.Tracks)
	if msg.Kind == protocol.KindCommand && src.Conn.Role() == broker.RoleExecutor && echoesExchange(msg.Envelope) {
		// Executors echo command fields in replies; a late one is still a reply.
		msg.Kind = protocol.KindReply
	}
	d.observer.FrameDispatched(src.Conn.Role(), msg.Kind, msg.Reason)

	switch msg.Kind {
	case protocol.KindReply:
		d.engine.Resolve(broker.Reply{From: src.Conn, Envelope: msg.Envelope, Raw: msg.Raw})
	case protocol.KindCommand:
		d.command(ctx, src, msg)
	case protocol.KindControl:
		d.control(ctx, src, msg)
	case protocol.KindAuth:
		d.SendError(ctx, src, msg.ID(), errAlreadyAuthenticated)
	default:
		d.logger.Debug("malformed frame", "conn_id", src.Conn.ID(), "reason", msg.Reason)
		d.SendError(ctx, src, msg.ID(), apperrors.New(apperrors.CodeProtocol, msg.Reason))
	}
	return msg.Kind
}

// echoesExchange reports whether env carries a correlation ID without
// declaring itself a command.
func echoesExchange(env protocol.Envelope) bool {
	return env.CorrelationID() != "" && !strings.EqualFold(strings.TrimSpace(env.Type), protocol.TypeCommand)
}

func (d *Dispatcher) command(ctx context.Context, src Source, msg protocol.Message) {
	env := msg.Envelope
	if src.Conn.Role() != broker.RoleRequester {
		d.SendError(ctx, src, msg.ID(), errExecutorCommand)
		return
	}

	command := strings.TrimSpace(env.Command)
	taskID := strings.TrimSpace(env.ID)
	if taskID == "" {
		taskID = d.newID()
	}
	if !d.queue.Has(command) {
		d.SendError(ctx, src, taskID, apperrors.WithDetail(apperrors.CodeUnknownCommand, "unknown command", command))
		return
	}

	// The ack goes out first so it always precedes the result frame; a
	// rejected enqueue is then reported under the same ID.
	d.send(ctx, src.Conn, protocol.NewCommandReceived(taskID, command))
	err := d.queue.AddTask(taskqueue.Task{
		ID:      taskID,
		ConnID:  src.Conn.ID(),
		Command: command,
		Params:  env.CommandParams(),
		Locale:  src.Lang.String(),
	})
	if err != nil {
		d.SendError(ctx, src, taskID, err)
	}
}

func (d *Dispatcher) control(ctx context.Context, src Source, msg protocol.Message) {
	if strings.EqualFold(msg.Envelope.Type, protocol.TypePing) {
		d.send(ctx, src.Conn, protocol.NewPong(d.now(), d.status()))
	}
}

// Report delivers a task outcome to the requester that submitted it.
// Outcomes for requesters that have gone away are dropped.
func (d *Dispatcher) Report(ctx context.Context, outcome taskqueue.Outcome) {
	task := outcome.Task
	conn, ok := d.requesters.Lookup(task.ConnID)
	if !ok {
		d.logger.Debug("dropping result for departed requester", "conn_id", task.ConnID, "task_id", task.ID)
		return
	}
	src := Source{Conn: conn, Lang: platformi18n.DefaultTag()}
	if tag, ok := platformi18n.ParseTag(task.Locale); ok {
		src.Lang = tag
	}
	if outcome.Err != nil {
		d.SendError(ctx, src, task.ID, outcome.Err)
		return
	}
	d.send(ctx, conn, protocol.NewResult(task.ID, task.Command, outcome.Value))
}

// SendError writes a localized error frame for err to src.
func (d *Dispatcher) SendError(ctx context.Context, src Source, id string, err error) {
	d.send(ctx, src.Conn, ErrorFrame(d.now(), src.Lang, id, err))
}

func (d *Dispatcher) send(ctx context.Context, conn *broker.Conn, frame any) {
	if err := conn.Send(ctx, frame); err != nil {
		d.logger.Debug("write frame failed", "conn_id", conn.ID(), "error", err)
	}
}

// ErrorFrame renders err for a peer speaking tag.
func ErrorFrame(now time.Time, tag language.Tag, id string, err error) protocol.ErrorFrame {
	code, message := errorsi18n.Localize(tag, err)
	return protocol.NewError(now, id, string(code), message, code.Retryable())
}
