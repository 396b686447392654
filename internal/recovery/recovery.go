package recovery

import (
	"context"
	"math"
	"runtime/debug"
	"time"

	"fraudflow/internal/faults"
	"fraudflow/logger"
)

// Config bounds the recovery strategies.
type Config struct {
	MaxConnectionAttempts int
	ConnectionBaseDelay   time.Duration
	TimeoutMultiplier     float64
}

// DefaultConfig matches the production defaults: 3 attempts starting at 1s,
// timeout budgets stretched by 1.5x.
func DefaultConfig() Config {
	return Config{
		MaxConnectionAttempts: 3,
		ConnectionBaseDelay:   time.Second,
		TimeoutMultiplier:     1.5,
	}
}

// Actions are the remediation hooks the coordinator dispatches to. Any nil
// hook makes its strategy report failure.
type Actions struct {
	// Reconnect re-establishes the failed service connection. Retried with
	// exponential backoff.
	Reconnect func(ctx context.Context) error
	// ExtendTimeout stretches the named operation's timeout budget by the
	// configured multiplier.
	ExtendTimeout func(operation string, multiplier float64) bool
	// FreeMemory reclaims memory when the exhausted resource is memory.
	FreeMemory func() bool
	// ReduceLoad sheds load when the exhausted resource is CPU.
	ReduceLoad func() bool
	// RecoverCorruptData and RecoverMissingData handle the two data failure
	// kinds.
	RecoverCorruptData func(fc Failure) bool
	RecoverMissingData func(fc Failure) bool
}

// Failure carries the context a strategy needs to remediate.
type Failure struct {
	Operation string
	Service   string
	Resource  string // "memory" or "cpu"
	DataKind  string // "corrupt" or "missing"
	Err       error
}

type strategy func(ctx context.Context, fc Failure) bool

// Coordinator executes class-specific remediation and always reports a
// boolean outcome to the caller: internal failures, unknown classes and
// panicking hooks all collapse into false, never into a propagated error.
type Coordinator struct {
	cfg        Config
	actions    Actions
	strategies map[faults.FailureClass]strategy
	sleep      func(time.Duration)
	log        *logger.Log
}

// NewCoordinator builds a coordinator over the given remediation hooks.
func NewCoordinator(cfg Config, actions Actions) *Coordinator {
	if cfg.MaxConnectionAttempts <= 0 {
		cfg.MaxConnectionAttempts = DefaultConfig().MaxConnectionAttempts
	}
	if cfg.ConnectionBaseDelay <= 0 {
		cfg.ConnectionBaseDelay = DefaultConfig().ConnectionBaseDelay
	}
	if cfg.TimeoutMultiplier <= 1.0 {
		cfg.TimeoutMultiplier = DefaultConfig().TimeoutMultiplier
	}

	c := &Coordinator{
		cfg:     cfg,
		actions: actions,
		sleep:   time.Sleep,
		log:     logger.GetLogger(),
	}
	c.strategies = map[faults.FailureClass]strategy{
		faults.ClassConnection: c.recoverConnection,
		faults.ClassTimeout:    c.recoverTimeout,
		faults.ClassResource:   c.recoverResource,
		faults.ClassData:       c.recoverData,
	}
	return c
}

// Recover runs the strategy for the failure class and returns its outcome.
// An unrecognized class yields false without retrying.
func (c *Coordinator) Recover(ctx context.Context, class faults.FailureClass, fc Failure) (ok bool) {
	log := c.log.WithComponent("recovery").WithFields(logger.Fields{
		"failure_class": class.String(),
		"operation":     fc.Operation,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": r, "stack": string(debug.Stack())}).Error("recovery strategy panicked")
			ok = false
		}
	}()

	strat, found := c.strategies[class]
	if !found {
		log.Warn("no recovery strategy for failure class")
		return false
	}

	ok = strat(ctx, fc)
	log.WithFields(logger.Fields{"recovered": ok}).Info("recovery attempt finished")
	return ok
}

// recoverConnection retries the reconnect hook with exponential backoff
// (base delay x 2^attempt) until it succeeds or attempts are exhausted.
func (c *Coordinator) recoverConnection(ctx context.Context, fc Failure) bool {
	if c.actions.Reconnect == nil {
		return false
	}

	log := c.log.WithComponent("recovery").WithFields(logger.Fields{"service": fc.Service})

	for attempt := 0; attempt < c.cfg.MaxConnectionAttempts; attempt++ {
		err := c.actions.Reconnect(ctx)
		if err == nil {
			return true
		}

		delay := time.Duration(float64(c.cfg.ConnectionBaseDelay) * math.Pow(2, float64(attempt)))
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("reconnection attempt failed")

		if attempt == c.cfg.MaxConnectionAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		default:
			c.sleep(delay)
		}
	}
	return false
}

// recoverTimeout widens the operation's timeout budget; success here means
// the configuration was adjusted for the next attempt, not that the call was
// retried.
func (c *Coordinator) recoverTimeout(_ context.Context, fc Failure) bool {
	if fc.Operation == "" || c.actions.ExtendTimeout == nil {
		return false
	}
	return c.actions.ExtendTimeout(fc.Operation, c.cfg.TimeoutMultiplier)
}

func (c *Coordinator) recoverResource(_ context.Context, fc Failure) bool {
	switch fc.Resource {
	case "memory":
		if c.actions.FreeMemory == nil {
			return false
		}
		return c.actions.FreeMemory()
	case "cpu":
		if c.actions.ReduceLoad == nil {
			return false
		}
		return c.actions.ReduceLoad()
	default:
		return false
	}
}

func (c *Coordinator) recoverData(_ context.Context, fc Failure) bool {
	switch fc.DataKind {
	case "corrupt":
		if c.actions.RecoverCorruptData == nil {
			return false
		}
		return c.actions.RecoverCorruptData(fc)
	case "missing":
		if c.actions.RecoverMissingData == nil {
			return false
		}
		return c.actions.RecoverMissingData(fc)
	default:
		return false
	}
}
