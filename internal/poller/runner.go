package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Submission is a question handed to the dispatch endpoint.
type Submission struct {
	SessionID string
	Text      string
	RequestID string
}

// CheckRequest selects the answer a check looks for.
type CheckRequest struct {
	SessionID string
	RequestID string
	After     time.Time
}

// Checker performs completion checks.
type Checker interface {
	Check(ctx context.Context, req CheckRequest) (*CheckResult, error)
}

// Backend is the server surface the runner needs to ask a question.
type Backend interface {
	Checker
	Dispatch(ctx context.Context, sub Submission) (*DispatchResult, error)
}

// Sink receives every transcript entry as it is appended.
type Sink func(Entry)

// Config controls the polling cadence.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultConfig polls once a minute, ten times.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, MaxAttempts: 10}
}

// Outcome is how a question ended.
type Outcome struct {
	State     State
	RequestID string
	Attempts  int
	Answer    *Answer
}

// Runner drives a Machine with a fixed-interval ticker.
type Runner struct {
	machine  *Machine
	backend  Checker
	interval time.Duration
	sink     Sink

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRunner creates a runner. backend must implement Backend for Ask;
// a plain Checker is enough for Watch.
func NewRunner(backend Checker, cfg Config, sink Sink) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Runner{
		machine:  NewMachine(cfg.MaxAttempts),
		backend:  backend,
		interval: cfg.Interval,
		sink:     sink,
	}
}

// Machine exposes the underlying state machine.
func (r *Runner) Machine() *Machine {
	return r.machine
}

func (r *Runner) emit(t Transition) {
	if r.sink == nil {
		return
	}
	for _, e := range t.Appended {
		r.sink(e)
	}
}

func (r *Runner) track(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
}

// Cancel stops the in-flight question, if any. Ticks already in progress
// are discarded by the generation check.
func (r *Runner) Cancel() {
	r.machine.Cancel()
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
}

// SwitchSession cancels the in-flight question and loads history as the
// visible transcript of sessionID.
func (r *Runner) SwitchSession(sessionID string, history []Entry) {
	r.Cancel()
	r.machine.Reset(sessionID, history)
}

// Ask submits text, dispatches it and polls until the question ends.
// It returns ErrTimedOut when the attempt budget runs out and
// ErrCancelled when Cancel or ctx stopped it first.
func (r *Runner) Ask(ctx context.Context, sessionID, text string) (*Outcome, error) {
	backend, ok := r.backend.(Backend)
	if !ok {
		return nil, errors.New("backend cannot dispatch")
	}

	ticket, t, err := r.machine.Submit(sessionID, text, time.Now())
	if err != nil {
		return nil, err
	}
	r.emit(t)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(cancel)

	res, dispatchErr := backend.Dispatch(ctx, Submission{SessionID: sessionID, Text: text})
	t = r.machine.Dispatched(ticket.Generation, res, dispatchErr)
	r.emit(t)
	if t.Stale {
		return r.outcome(Idle, nil), ErrCancelled
	}
	if t.Err != nil {
		return r.outcome(t.To, nil), t.Err
	}
	if !t.Continue {
		return r.outcome(Completed, lastAnswer(t)), nil
	}

	slog.Debug("Dispatch accepted, polling", "session_id", sessionID, "request_id", r.machine.RequestID())
	return r.poll(ctx, ticket)
}

// Watch polls for a question that was dispatched elsewhere.
func (r *Runner) Watch(ctx context.Context, sessionID, requestID string, since time.Time) (*Outcome, error) {
	ticket, err := r.machine.Watch(sessionID, requestID, since)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(cancel)

	return r.poll(ctx, ticket)
}

func (r *Runner) poll(ctx context.Context, ticket Ticket) (*Outcome, error) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	req := CheckRequest{
		SessionID: ticket.SessionID,
		RequestID: r.machine.RequestID(),
	}
	if req.RequestID == "" {
		req.After = ticket.SubmittedAt
	}

	for {
		select {
		case <-ctx.Done():
			r.machine.Cancel()
			return r.outcome(Idle, nil), ErrCancelled
		case <-ticker.C:
		}

		res, err := r.backend.Check(ctx, req)
		if err != nil && ctx.Err() != nil {
			r.machine.Cancel()
			return r.outcome(Idle, nil), ErrCancelled
		}
		if err != nil {
			slog.Warn("Completion check failed", "session_id", req.SessionID, "request_id", req.RequestID, "error", err)
		}

		t := r.machine.Tick(ticket.Generation, res, err)
		r.emit(t)
		switch {
		case t.Stale:
			return r.outcome(Idle, nil), ErrCancelled
		case t.To == Completed:
			return r.outcome(Completed, lastAnswer(t)), nil
		case t.To == TimedOut:
			return r.outcome(TimedOut, nil), ErrTimedOut
		}
	}
}

func (r *Runner) outcome(state State, ans *Answer) *Outcome {
	return &Outcome{
		State:     state,
		RequestID: r.machine.RequestID(),
		Attempts:  r.machine.Attempts(),
		Answer:    ans,
	}
}

func lastAnswer(t Transition) *Answer {
	for i := len(t.Appended) - 1; i >= 0; i-- {
		if t.Appended[i].Answer != nil {
			return t.Appended[i].Answer
		}
	}
	return nil
}
