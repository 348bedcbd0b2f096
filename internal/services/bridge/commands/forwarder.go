package commands

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/louisbranch/browserbridge/internal/services/bridge/taskqueue"
)

// Source tags commands the bridge forwards to executors.
const Source = "browserbridge"

// BrowserParams are the parameters every browser command requires. Extra
// fields travel to the executor untouched.
type BrowserParams struct {
	URL      string `json:"url"`
	FullPage bool   `json:"fullPage,omitempty"`
}

// Forwarder proxies browser commands to an executor and returns its reply.
type Forwarder struct {
	engine    *broker.Engine
	executors *broker.Registry
	peerID    string
	timeout   time.Duration
}

// NewForwarder creates a Forwarder. peerID, when set, names the executor
// used for requesters without a same-named executor. timeout bounds queued
// browser commands.
func NewForwarder(engine *broker.Engine, executors *broker.Registry, peerID string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = timeouts.BatchExchange
	}
	return &Forwarder{
		engine:    engine,
		executors: executors,
		peerID:    strings.TrimSpace(peerID),
		timeout:   timeout,
	}
}

// Handler adapts the forwarder to a queue handler for command.
func (f *Forwarder) Handler(command string) taskqueue.Handler {
	return taskqueue.HandlerFunc(func(ctx context.Context, task taskqueue.Task) (any, error) {
		return f.Forward(ctx, command, task.Params, task.ConnID, f.timeout)
	})
}

// Forward sends command to the executor paired with requesterID and returns
// the executor's reply frame.
func (f *Forwarder) Forward(ctx context.Context, command string, params json.RawMessage, requesterID string, timeout time.Duration) (json.RawMessage, error) {
	var browser BrowserParams
	if err := decodeParams(params, &browser); err != nil {
		return nil, err
	}
	if strings.TrimSpace(browser.URL) == "" {
		return nil, apperrors.WithDetail(apperrors.CodeInvalidArgument, "invalid argument", "url is required")
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	req := protocol.Envelope{
		Type:     protocol.TypeCommand,
		Command:  command,
		Action:   command,
		Source:   Source,
		Params:   params,
		URL:      browser.URL,
		FullPage: browser.FullPage,
	}
	reply, err := f.engine.SendAndAwait(ctx, req, f.Target(requesterID), timeout)
	if err != nil {
		return nil, err
	}
	if err := executorError(reply.Raw); err != nil {
		return nil, err
	}
	return reply.Raw, nil
}

// Target picks the executor for requesterID: the executor registered under
// the same ID, else the configured peer, else any executor ("").
func (f *Forwarder) Target(requesterID string) string {
	if requesterID != "" {
		if _, ok := f.executors.Lookup(requesterID); ok {
			return requesterID
		}
	}
	return f.peerID
}

type executorReply struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// executorError turns an executor's error reply into a handler error.
func executorError(raw json.RawMessage) error {
	var reply executorReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil
	}
	if reply.Type != protocol.TypeError && reply.Status != "error" {
		return nil
	}
	detail := reply.Message
	if len(reply.Error) > 0 {
		var text string
		if json.Unmarshal(reply.Error, &text) == nil {
			detail = text
		} else {
			detail = string(reply.Error)
		}
	}
	if detail == "" {
		detail = "executor reported an error"
	}
	return apperrors.WithDetail(apperrors.CodeHandlerFailed, "command handler failed", detail)
}
