package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

const (
	// DefaultOpTimeout bounds one attempt of an operation.
	DefaultOpTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of attempts before an operation is
	// dropped.
	DefaultMaxRetries = 3

	// defaultRetryBase is the backoff after the first failure. It doubles
	// per retry up to defaultRetryMax.
	defaultRetryBase = 2 * time.Second
	defaultRetryMax  = 30 * time.Second

	// defaultSettleDelay is the pause after each successful operation.
	defaultSettleDelay = 50 * time.Millisecond

	// defaultDeadlockPause is the pause after unresolvable dependencies
	// were dropped.
	defaultDeadlockPause = time.Second

	// jitterDivisor bounds retry jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// Action is the work an operation performs. It must return promptly once
// ctx is done.
type Action func(ctx context.Context) error

type operation struct {
	name      string
	action    Action
	deps      []string
	timeout   time.Duration
	attempts  int
	notBefore time.Time
	epoch     uint64
}

// SchedulerConfig tunes retry and pacing. Zero fields take defaults.
type SchedulerConfig struct {
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	SettleDelay   time.Duration
	DeadlockPause time.Duration
}

// Scheduler runs named operations one at a time. Enqueueing a name that
// is already queued or executing is a no-op; an operation runs only
// after all its dependencies completed. Failed operations retry with
// backoff and are dropped with their dependents once attempts run out.
type Scheduler struct {
	mu sync.Mutex

	queue     []*operation
	executing *operation
	cancelRun context.CancelFunc
	completed map[string]bool
	dropped   map[string]bool
	epoch     uint64

	lastErr     error
	lastErrName string

	idle   chan struct{}
	isIdle bool
	wake   chan struct{}
	onIdle func()

	cfg    SchedulerConfig
	logger *slog.Logger
}

// NewScheduler returns an idle scheduler. Call Run to start draining.
func NewScheduler(logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}

	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}

	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	if cfg.DeadlockPause <= 0 {
		cfg.DeadlockPause = defaultDeadlockPause
	}

	idle := make(chan struct{})
	close(idle)

	return &Scheduler{
		completed: make(map[string]bool),
		dropped:   make(map[string]bool),
		idle:      idle,
		isIdle:    true,
		wake:      make(chan struct{}, 1),
		cfg:       cfg,
		logger:    logger,
	}
}

// SetOnIdle registers fn to run each time the queue drains.
func (s *Scheduler) SetOnIdle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onIdle = fn
}

// Enqueue adds an operation. It returns false when an operation with the
// same name is already queued or executing. Dependencies that already
// completed are dropped from deps. timeout <= 0 means DefaultOpTimeout.
func (s *Scheduler) Enqueue(name string, action Action, deps []string, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executing != nil && s.executing.name == name {
		return false
	}

	if slices.ContainsFunc(s.queue, func(op *operation) bool { return op.name == name }) {
		return false
	}

	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}

	pending := make([]string, 0, len(deps))
	for _, d := range deps {
		if !s.completed[d] {
			pending = append(pending, d)
		}
	}

	delete(s.completed, name)
	delete(s.dropped, name)

	s.queue = append(s.queue, &operation{
		name:    name,
		action:  action,
		deps:    pending,
		timeout: timeout,
		epoch:   s.epoch,
	})

	if s.isIdle {
		s.isIdle = false
		s.idle = make(chan struct{})
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return true
}

// Run drains the queue until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		op, wait, onIdle := s.next()

		if onIdle != nil {
			onIdle()
		}

		if op == nil {
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}

			continue
		}

		err := s.execute(ctx, op)
		if ctx.Err() != nil {
			s.finish(op, ctx.Err())
			return ctx.Err()
		}

		if s.finish(op, err) {
			if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
				return err
			}
		}
	}
}

// sleep waits for d, a wake signal or ctx. d == 0 waits for wake only.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	var timer <-chan time.Time

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()

		timer = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
	case <-timer:
	}

	return nil
}

// next picks a ready operation. With none ready it returns how long to
// wait, after dropping operations whose dependencies can never complete.
// onIdle is non-nil when the queue just drained.
func (s *Scheduler) next() (*operation, time.Duration, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		if s.isIdle {
			return nil, 0, nil
		}

		s.isIdle = true
		close(s.idle)

		return nil, 0, s.onIdle
	}

	now := time.Now()

	var earliest time.Time

	for i, op := range s.queue {
		if !s.depsDone(op) {
			continue
		}

		if op.notBefore.After(now) {
			if earliest.IsZero() || op.notBefore.Before(earliest) {
				earliest = op.notBefore
			}

			continue
		}

		s.queue = slices.Delete(s.queue, i, i+1)
		s.executing = op

		return op, 0, nil
	}

	if !earliest.IsZero() {
		return nil, earliest.Sub(now), nil
	}

	if s.waitingOnRetry() {
		return nil, s.earliestRetry(now), nil
	}

	s.resolveDeadlock()

	return nil, s.cfg.DeadlockPause, nil
}

func (s *Scheduler) depsDone(op *operation) bool {
	for _, d := range op.deps {
		if !s.completed[d] {
			return false
		}
	}

	return true
}

// waitingOnRetry reports whether some queued operation is in backoff, in
// which case operations depending on it are not deadlocked.
func (s *Scheduler) waitingOnRetry() bool {
	return slices.ContainsFunc(s.queue, func(op *operation) bool { return !op.notBefore.IsZero() })
}

func (s *Scheduler) earliestRetry(now time.Time) time.Duration {
	var earliest time.Time

	for _, op := range s.queue {
		if op.notBefore.IsZero() {
			continue
		}

		if earliest.IsZero() || op.notBefore.Before(earliest) {
			earliest = op.notBefore
		}
	}

	return max(earliest.Sub(now), s.cfg.SettleDelay)
}

// resolveDeadlock drops queued operations whose dependencies are neither
// completed, queued nor executing. If every dependency is present the
// queue holds a cycle and is cleared.
func (s *Scheduler) resolveDeadlock() {
	present := make(map[string]bool, len(s.queue))
	for _, op := range s.queue {
		present[op.name] = true
	}

	var stuck []string

	for _, op := range s.queue {
		for _, d := range op.deps {
			if !s.completed[d] && !present[d] {
				stuck = append(stuck, op.name)
				break
			}
		}
	}

	if len(stuck) == 0 {
		for _, op := range s.queue {
			stuck = append(stuck, op.name)
		}
	}

	s.logger.Warn("operation queue deadlocked, dropping unsatisfiable operations",
		slog.Any("ops", stuck),
	)

	for _, name := range stuck {
		s.drop(name)
	}
}

// execute runs one attempt under the operation's timeout. A timed out
// action is abandoned and counts as a failure.
func (s *Scheduler) execute(ctx context.Context, op *operation) error {
	runCtx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("operation %s panicked: %v", op.name, r)
			}
		}()

		done <- op.action(runCtx)
	}()

	s.logger.Debug("operation started", slog.String("op", op.name), slog.Int("attempt", op.attempts+1))

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return fmt.Errorf("operation %s: %w", op.name, runCtx.Err())
	}
}

// finish records the outcome of one attempt. It reports whether the
// operation succeeded.
func (s *Scheduler) finish(op *operation, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executing = nil
	s.cancelRun = nil

	// A reset happened while this ran; its history no longer applies.
	if op.epoch != s.epoch {
		return err == nil
	}

	if err == nil {
		s.completed[op.name] = true

		if s.lastErrName == op.name {
			s.lastErr = nil
			s.lastErrName = ""
		}

		s.logger.Debug("operation completed", slog.String("op", op.name))

		return true
	}

	op.attempts++

	if op.attempts < s.cfg.MaxRetries {
		backoff := min(s.cfg.RetryBase<<(op.attempts-1), s.cfg.RetryMax)

		var jitter time.Duration
		if backoff >= jitterDivisor {
			jitter = time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for retry jitter, no security impact
		}

		op.notBefore = time.Now().Add(backoff + jitter)
		s.queue = append(s.queue, op)

		s.logger.Warn("operation failed, retrying",
			slog.String("op", op.name),
			slog.Int("attempt", op.attempts),
			slog.Duration("backoff", backoff+jitter),
			slog.String("error", err.Error()),
		)

		return false
	}

	s.logger.Warn("operation failed, dropping",
		slog.String("op", op.name),
		slog.Int("attempts", op.attempts),
		slog.String("error", err.Error()),
	)

	s.lastErr = fmt.Errorf("operation %s: %w", op.name, err)
	s.lastErrName = op.name
	s.drop(op.name)

	return false
}

// drop removes name from the queue and completed set and cascades to
// every queued operation that depends on it, transitively.
func (s *Scheduler) drop(name string) {
	pending := []string{name}

	for len(pending) > 0 {
		n := pending[0]
		pending = pending[1:]

		delete(s.completed, n)
		s.dropped[n] = true
		s.queue = slices.DeleteFunc(s.queue, func(op *operation) bool { return op.name == n })

		for _, op := range s.queue {
			if slices.Contains(op.deps, n) && !s.dropped[op.name] {
				s.logger.Warn("dropping dependent operation",
					slog.String("op", op.name),
					slog.String("dependency", n),
				)

				pending = append(pending, op.name)
			}
		}
	}
}

// Reset discards all queued work and history and cancels the executing
// operation. Used on mode transitions.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.queue = nil
	s.completed = make(map[string]bool)
	s.dropped = make(map[string]bool)
	s.lastErr = nil
	s.lastErrName = ""

	if s.cancelRun != nil {
		s.cancelRun()
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Idle returns a channel closed once the queue is empty and nothing
// executes. A new channel is handed out after further work is enqueued.
func (s *Scheduler) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.idle
}

// Wait blocks until the queue is empty and nothing executes.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether work is queued or executing.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.isIdle
}

// Pending lists queued operation names, the executing one first.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	if s.executing != nil {
		names = append(names, s.executing.name)
	}

	for _, op := range s.queue {
		names = append(names, op.name)
	}

	return names
}

// Completed reports whether name completed since it was last enqueued.
func (s *Scheduler) Completed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.completed[name]
}

// Dropped reports whether name was dropped since it was last enqueued.
func (s *Scheduler) Dropped(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped[name]
}

// LastError returns the error of the most recently dropped operation,
// cleared when that operation later succeeds or on Reset.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}
