package faults

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxRetries bounds how many times a failed operation is retried
// on top of its first execution.
const DefaultMaxRetries = 3

// defaultDelays is the backoff schedule between attempts. Attempts past
// the end of the schedule reuse its last delay.
var defaultDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Op identifies the logical operation a Policy is running, so the
// faults it produces carry player and URL context.
type Op struct {
	Name     string
	PlayerID string
	URL      string
}

// Policy retries an operation while its failures classify into one of
// the retryable kinds. The zero value retries nothing; DefaultPolicy
// gives the stock schedule.
type Policy struct {
	MaxRetries int
	Delays     []time.Duration

	// OnFailure, when set, observes the final Fault of an operation
	// that ran out of attempts or failed non-retryably.
	OnFailure func(*Fault)

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// DefaultPolicy returns a Policy with the stock retry schedule.
func DefaultPolicy() *Policy {
	return &Policy{MaxRetries: DefaultMaxRetries}
}

func (p *Policy) Log() *zerolog.Logger {
	if p.LogOutput != nil {
		p.initLogOnce.Do(func() {
			p.Logger = zerolog.New(p.LogOutput).With().Timestamp().Logger()
		})
	}

	return &p.Logger
}

// Do runs fn until it succeeds, fails with a kind outside retryable, or
// exhausts MaxRetries+1 executions. The returned error is always a
// *Fault wrapping the last failure. Context cancellation during backoff
// stops the retry loop.
func (p *Policy) Do(ctx context.Context, op Op, retryable []Kind, fn func(context.Context) error) error {
	maxAttempts := p.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		fault := Wrap(err, op, attempt)
		if attempt >= maxAttempts || !slices.Contains(retryable, fault.Kind) {
			p.fail(fault)
			return fault
		}

		delay := p.delayFor(attempt)
		p.Log().Warn().
			Str("op", op.Name).
			Str("kind", fault.Kind.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("operation failed, retrying")

		if werr := waitForBackoff(ctx, delay); werr != nil {
			fault := Wrap(werr, op, attempt)
			p.fail(fault)
			return fault
		}
	}
}

func (p *Policy) fail(fault *Fault) {
	if p.OnFailure != nil {
		p.OnFailure(fault)
	}
}

func (p *Policy) delayFor(attempt int) time.Duration {
	delays := p.Delays
	if len(delays) == 0 {
		delays = defaultDelays
	}
	i := attempt - 1
	if i >= len(delays) {
		i = len(delays) - 1
	}

	return delays[i]
}

// Wrap classifies err and builds the Fault for one failed attempt of op.
func Wrap(err error, op Op, attempt int) *Fault {
	fault := &Fault{
		Kind:     Classify(err),
		Err:      err,
		PlayerID: op.PlayerID,
		URL:      op.URL,
		Attempt:  attempt,
		Time:     time.Now(),
	}

	var c coded
	if errors.As(err, &c) {
		fault.Details = map[string]string{"code": c.ErrorCode()}
	}

	return fault
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
