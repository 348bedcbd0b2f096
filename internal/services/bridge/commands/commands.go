// Package commands holds the handlers behind requester commands. Local
// commands answer directly; browser commands are proxied to an executor.
package commands

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/louisbranch/browserbridge/internal/services/bridge/taskqueue"
)

// Command names.
const (
	Add        = "add"
	ServerTime = "server_time"
	Status     = "status"
	Screenshot = "screenshot"
	Capture    = "capture"
	Extract    = "extract"
)

// BrowserCommands are forwarded to executors.
var BrowserCommands = []string{Screenshot, Capture, Extract}

// Deps are the collaborators handlers need.
type Deps struct {
	Forwarder *Forwarder
	Status    func() protocol.ServerStatus
	Now       func() time.Time
}

// Register binds every command handler to q.
func Register(q *taskqueue.Queue, deps Deps) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	q.Register(Add, taskqueue.HandlerFunc(handleAdd))
	q.Register(ServerTime, taskqueue.HandlerFunc(func(context.Context, taskqueue.Task) (any, error) {
		return now().UTC().Format(time.RFC3339), nil
	}))
	if deps.Status != nil {
		q.Register(Status, taskqueue.HandlerFunc(func(context.Context, taskqueue.Task) (any, error) {
			return deps.Status(), nil
		}))
	}
	if deps.Forwarder != nil {
		for _, name := range BrowserCommands {
			q.Register(name, deps.Forwarder.Handler(name))
		}
	}
}

// AddParams are the operands of the add command.
type AddParams struct {
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

func handleAdd(_ context.Context, task taskqueue.Task) (any, error) {
	var params AddParams
	if err := decodeParams(task.Params, &params); err != nil {
		return nil, err
	}
	if params.A == nil || params.B == nil {
		return nil, apperrors.WithDetail(apperrors.CodeInvalidArgument, "invalid argument", "a and b are required")
	}
	return *params.A + *params.B, nil
}

func decodeParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &apperrors.Error{
			Code:     apperrors.CodeInvalidArgument,
			Message:  "invalid argument",
			Metadata: map[string]string{apperrors.MetaDetail: err.Error()},
			Cause:    err,
		}
	}
	return nil
}
