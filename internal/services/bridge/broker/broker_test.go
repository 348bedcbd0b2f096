package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []any
	sent   chan protocol.Envelope
	closed bool
	err    error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan protocol.Envelope, 32)}
}

func (s *fakeSender) Send(_ context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return errors.New("use of closed connection")
	}
	s.frames = append(s.frames, v)
	if env, ok := v.(protocol.Envelope); ok {
		s.sent <- env
	}
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingObserver struct {
	mu        sync.Mutex
	counts    []int
	summaries []ExchangeSummary
}

func (o *recordingObserver) ConnectionsChanged(_ Role, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = append(o.counts, count)
}

func (o *recordingObserver) ExchangeFinished(summary ExchangeSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, summary)
}

func (o *recordingObserver) lastSummary() ExchangeSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.summaries) == 0 {
		return ExchangeSummary{}
	}
	return o.summaries[len(o.summaries)-1]
}
