package persistence

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/mnemos/mnemos/internal/circuit"
	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/retry"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// GuardConfig configures the resilience wrapper around an adapter
type GuardConfig struct {
	Breaker circuit.Config `yaml:"breaker" json:"breaker"`
	Retry   retry.Config   `yaml:"retry" json:"retry"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`
}

// DefaultGuardConfig returns guard settings tuned for a mirroring path
// that must fail fast rather than stall foreground writes
func DefaultGuardConfig() *GuardConfig {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.InitialDelay = 50 * time.Millisecond
	retryCfg.MaxDelay = 2 * time.Second

	return &GuardConfig{
		Breaker: circuit.Config{
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
		},
		Retry: retryCfg,
	}
}

// GuardedExecutor wraps an adapter with a circuit breaker and bounded
// retries. Retries sit outside the breaker, so once it opens the rejection
// comes back immediately instead of burning the remaining attempts. Breaker
// rejections surface as PersistenceUnavailable, the signal for callers to
// continue memory-only.
type GuardedExecutor struct {
	name       string
	inner      types.Executor
	breaker    *circuit.CircuitBreaker
	retryer    *retry.Retryer
	logger     *utils.StructuredLogger
	ownsLogger bool
}

var _ types.Executor = (*GuardedExecutor)(nil)

// NewGuardedExecutor wraps inner under the named breaker
func NewGuardedExecutor(name string, inner types.Executor, config *GuardConfig) (*GuardedExecutor, error) {
	if inner == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"guarded executor requires an inner executor").WithComponent("persistence_guard")
	}
	if name == "" {
		name = "persistence"
	}
	if config == nil {
		config = DefaultGuardConfig()
	}

	ownsLogger := false
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}
	logger = logger.WithComponent("persistence_guard")

	breakerCfg := config.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("Breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}

	retryCfg := config.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debug("Retrying statement", map[string]interface{}{
				"breaker": name,
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		}
	}

	return &GuardedExecutor{
		name:       name,
		inner:      inner,
		breaker:    circuit.NewCircuitBreaker(name, breakerCfg),
		retryer:    retry.New(retryCfg),
		logger:     logger,
		ownsLogger: ownsLogger,
	}, nil
}

// Execute runs the statement through the retry and breaker layers
func (g *GuardedExecutor) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	var affected int64
	err := g.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return g.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
			n, err := g.inner.Execute(ctx, stmt, args...)
			if err != nil {
				return err
			}
			affected = n
			return nil
		})
	})
	if err != nil {
		return 0, g.translate(err)
	}
	return affected, nil
}

// Query runs the query through the retry and breaker layers
func (g *GuardedExecutor) Query(ctx context.Context, stmt string, args ...any) ([]types.Row, error) {
	var rows []types.Row
	err := g.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return g.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
			result, err := g.inner.Query(ctx, stmt, args...)
			if err != nil {
				return err
			}
			rows = result
			return nil
		})
	})
	if err != nil {
		return nil, g.translate(err)
	}
	return rows, nil
}

// Ping probes the adapter through the breaker. Probes are single-shot; a
// health check that retried would mask the very condition it reports.
func (g *GuardedExecutor) Ping(ctx context.Context) error {
	err := g.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return g.inner.Ping(ctx)
	})
	if err != nil {
		return g.translate(err)
	}
	return nil
}

// Close releases the wrapped adapter
func (g *GuardedExecutor) Close() error {
	err := g.inner.Close()
	if g.ownsLogger {
		_ = g.logger.Close()
	}
	return err
}

// State exposes the breaker state for health reporting
func (g *GuardedExecutor) State() circuit.State {
	return g.breaker.GetState()
}

// Counts exposes the breaker counters for health reporting
func (g *GuardedExecutor) Counts() circuit.Counts {
	return g.breaker.GetCounts()
}

// Name reports the breaker name
func (g *GuardedExecutor) Name() string {
	return g.name
}

// translate maps breaker rejections to the unavailability code callers
// degrade on; adapter errors keep their own codes
func (g *GuardedExecutor) translate(err error) error {
	if stderr.Is(err, circuit.ErrOpenState) || stderr.Is(err, circuit.ErrTooManyRequests) {
		return errors.NewError(errors.ErrCodePersistenceUnavailable,
			fmt.Sprintf("%s backend unavailable: %v", g.name, err)).
			WithComponent("persistence_guard").WithCause(err)
	}
	return err
}
