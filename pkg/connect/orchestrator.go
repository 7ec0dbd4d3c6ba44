package connect

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pion/logging"

	"github.com/hostbridge/ras/pkg/transport"
)

// DefaultAttemptTimeout bounds a single strategy attempt.
const DefaultAttemptTimeout = 10 * time.Second

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// Strategies are tried in ascending priority order. Required.
	Strategies []Strategy

	// AttemptTimeout bounds each attempt. Zero means
	// DefaultAttemptTimeout.
	AttemptTimeout time.Duration

	// LoggerFactory creates the orchestrator's logger. Nil disables
	// logging.
	LoggerFactory logging.LoggerFactory
}

// Orchestrator runs connection strategies until one yields a session.
type Orchestrator struct {
	strategies []Strategy
	timeout    time.Duration
	log        logging.LeveledLogger
}

// NewOrchestrator creates an Orchestrator. The strategy list is copied
// and sorted by ascending priority.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if len(config.Strategies) == 0 {
		return nil, ErrNoStrategies
	}

	o := &Orchestrator{
		strategies: make([]Strategy, len(config.Strategies)),
		timeout:    config.AttemptTimeout,
	}
	copy(o.strategies, config.Strategies)
	sort.SliceStable(o.strategies, func(i, j int) bool {
		return o.strategies[i].Priority() < o.strategies[j].Priority()
	})
	if o.timeout == 0 {
		o.timeout = DefaultAttemptTimeout
	}
	if config.LoggerFactory != nil {
		o.log = config.LoggerFactory.NewLogger("connect")
	}
	return o, nil
}

type attemptResult struct {
	sess transport.Session
	err  error
}

// Connect tries each strategy in ascending priority order and returns
// the first session established. Every attempt runs under its own
// timeout; a timed-out attempt is cancelled and fully released before
// the next one starts. When all strategies fail the returned error is a
// *ConnectError carrying the per-strategy reasons.
func (o *Orchestrator) Connect(ctx context.Context, creds *Credentials) (transport.Session, error) {
	if creds == nil || creds.Keys == nil {
		return nil, ErrNoCredentials
	}

	failure := &ConnectError{}
	for _, strategy := range o.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sess, err := o.attempt(ctx, strategy, creds)
		if err == nil {
			if o.log != nil {
				o.log.Infof("connected via %s to %s", strategy.Name(), sess.RemoteDescription())
			}
			return sess, nil
		}
		if o.log != nil {
			o.log.Debugf("strategy %s failed: %v", strategy.Name(), err)
		}
		failure.Attempts = append(failure.Attempts, &AttemptError{
			Strategy: strategy.Name(),
			Priority: strategy.Priority(),
			Err:      err,
		})
	}
	return nil, failure
}

// attempt runs one strategy under its own deadline. The attempt runs in
// its own goroutine so a deadline or parent cancellation actively
// cancels it; attempt then waits for the goroutine to finish, so the
// loser's resources are released before the caller moves on.
func (o *Orchestrator) attempt(ctx context.Context, strategy Strategy, creds *Credentials) (transport.Session, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resultCh := make(chan attemptResult, 1)
	go func() {
		sess, err := strategy.Attempt(attemptCtx, creds)
		resultCh <- attemptResult{sess: sess, err: err}
	}()

	select {
	case result := <-resultCh:
		return result.sess, result.err
	case <-attemptCtx.Done():
		cancel()
		// The strategy honors cancellation; collect its result so the
		// attempt is fully torn down, and close a session that raced
		// the deadline.
		result := <-resultCh
		if result.sess != nil {
			result.sess.Close()
		}
		if result.err != nil && !errors.Is(result.err, context.Canceled) && !errors.Is(result.err, context.DeadlineExceeded) {
			return nil, result.err
		}
		return nil, attemptCtx.Err()
	}
}
