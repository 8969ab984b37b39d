// Package reconnect decides when, and whether, a dropped chat session is
// reconnected.
//
// A Policy is not safe for concurrent use. The session owning it serializes
// every call.
package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
)

// Attempt is one scheduled reconnect.
type Attempt struct {
	Number int
	Delay  time.Duration
	Cause  error
}

// Policy is a bounded exponential backoff:
// delay(n) = min(base * multiplier^n, max) for n in [0, MaxAttempts).
type Policy struct {
	maxAttempts int
	attempt     int
	backoff     *backoff.ExponentialBackOff
}

// New builds a policy from config. Non-positive MaxAttempts means the first
// failure is already exhausting.
func New(cfg config.ReconnectConfig) *Policy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()

	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		backoff:     b,
	}
}

// Next schedules the next attempt for cause. ok is false once the attempt
// budget is spent; the caller must then stop retrying.
func (p *Policy) Next(cause error) (Attempt, bool) {
	if p.attempt >= p.maxAttempts {
		return Attempt{Number: p.attempt, Cause: cause}, false
	}
	delay := p.backoff.NextBackOff()
	p.attempt++
	return Attempt{
		Number: p.attempt,
		Delay:  delay,
		Cause:  cause,
	}, true
}

// Reset returns the policy to its initial state. Called after a successful
// join and on manual reconnect.
func (p *Policy) Reset() {
	p.attempt = 0
	p.backoff.Reset()
}

// Attempts is the number of attempts scheduled since the last reset.
func (p *Policy) Attempts() int {
	return p.attempt
}

// Exhausted reports whether Next would refuse.
func (p *Policy) Exhausted() bool {
	return p.attempt >= p.maxAttempts
}
