// Package backoff implements the Fibonacci retry policy for failed reminder deliveries.
//
// Each scheduled job carries the last two terms of a Fibonacci sequence seeded
// at (0, 1). Their sum is the delay in minutes before the next attempt. Retries
// stop once the cumulative delay would exceed the configured budget; the job is
// then dead-lettered.
//
// The budget is cumulative, not a cap on a single delay: a retry is allowed
// only while the delay already spent since the last success plus the next delay
// stays within it (Elapsed()+Sum() <= budget). With the default of 1440
// minutes thirteen retries fit, 985 minutes in total with the last one waiting
// 377; the fourteenth would wait 610 and reach 1595, so the job is
// dead-lettered instead.
package backoff

import (
	"fmt"
	"time"
)

// DefaultBudgetMinutes is the default ceiling on cumulative retry delay.
const DefaultBudgetMinutes = 24 * 60

// Pair holds the two most recent terms of the retry sequence.
type Pair struct {
	First  int
	Second int
}

// Seed returns the pair every fresh or successfully delivered job starts with.
func Seed() Pair { return Pair{First: 0, Second: 1} }

// Sum is the delay in minutes of the next retry.
func (p Pair) Sum() int { return p.First + p.Second }

// Advance returns the pair after a retry has been scheduled.
func (p Pair) Advance() Pair { return Pair{First: p.Second, Second: p.Sum()} }

// Elapsed is the cumulative retry delay, in minutes, already spent to reach p
// from the seed. Delays so far are F(2)..F(k+1), which sum to F(k+3)-2.
func (p Pair) Elapsed() int {
	e := p.First + 2*p.Second - 2
	if e < 0 {
		return 0
	}
	return e
}

func (p Pair) String() string { return fmt.Sprintf("(%d,%d)", p.First, p.Second) }

// State is the backoff state of a scheduled job.
type State string

const (
	StateActive       State = "active"
	StateRetrying     State = "retrying"
	StateDeadLettered State = "dead_lettered"
)

// Action is what the scheduler must do with a failed job.
type Action int

const (
	ActionRetry Action = iota
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of applying the policy to one failure.
type Decision struct {
	Action Action
	// State is the job's state after the decision: active when retrying,
	// dead_lettered otherwise.
	State State
	// Delay until the retry; zero when dead-lettering.
	Delay time.Duration
	// Next is the pair to store with the rescheduled job.
	Next   Pair
	Reason string
}

// Policy decides between retry and dead-letter.
type Policy struct {
	BudgetMinutes int
}

// NewPolicy returns a Policy with the given budget, falling back to the default
// for non-positive values.
func NewPolicy(budgetMinutes int) Policy {
	if budgetMinutes <= 0 {
		budgetMinutes = DefaultBudgetMinutes
	}
	return Policy{BudgetMinutes: budgetMinutes}
}

// OnTransient handles a retryable failure for a job currently holding cur.
func (p Policy) OnTransient(cur Pair) Decision {
	sum := cur.Sum()
	if cur.Elapsed()+sum > p.BudgetMinutes {
		return Decision{
			Action: ActionDeadLetter,
			State:  StateDeadLettered,
			Next:   cur,
			Reason: fmt.Sprintf("retry budget of %d minutes exhausted after %d minutes", p.BudgetMinutes, cur.Elapsed()),
		}
	}
	return Decision{
		Action: ActionRetry,
		State:  StateActive,
		Delay:  time.Duration(sum) * time.Minute,
		Next:   cur.Advance(),
	}
}

// OnPermanent handles a non-retryable failure.
func (p Policy) OnPermanent(cur Pair) Decision {
	return Decision{
		Action: ActionDeadLetter,
		State:  StateDeadLettered,
		Next:   cur,
		Reason: "permanent delivery failure",
	}
}
