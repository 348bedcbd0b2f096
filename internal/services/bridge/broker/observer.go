package broker

import "time"

// Outcome records how an exchange ended.
type Outcome string

const (
	OutcomeResolved     Outcome = "resolved"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeShutdown     Outcome = "shutdown"
	OutcomeSendFailed   Outcome = "send_failed"
	OutcomeNoTarget     Outcome = "no_target"
)

// ExchangeSummary describes a finished exchange.
type ExchangeSummary struct {
	ExchangeID string
	TargetID   string
	Command    string
	Outcome    Outcome
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Observer receives broker lifecycle events. Calls happen outside broker locks
// and must not block.
type Observer interface {
	ConnectionsChanged(role Role, count int)
	ExchangeFinished(summary ExchangeSummary)
}

// Observers fans events out to several observers.
type Observers []Observer

// ConnectionsChanged implements Observer.
func (o Observers) ConnectionsChanged(role Role, count int) {
	for _, obs := range o {
		if obs != nil {
			obs.ConnectionsChanged(role, count)
		}
	}
}

// ExchangeFinished implements Observer.
func (o Observers) ExchangeFinished(summary ExchangeSummary) {
	for _, obs := range o {
		if obs != nil {
			obs.ExchangeFinished(summary)
		}
	}
}

type nopObserver struct{}

func (nopObserver) ConnectionsChanged(Role, int)     {}
func (nopObserver) ExchangeFinished(ExchangeSummary) {}
