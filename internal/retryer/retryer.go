// Package retryer runs operations repeatedly until they succeed or fail
// permanently.
package retryer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cenkalti/backoff"

	"github.com/simplesurance/mergebot/internal/boterr"
	"github.com/simplesurance/mergebot/internal/logfields"
)

// DefMaxRetryTimeout is the default duration for which an operation is
// retried before giving up.
const DefMaxRetryTimeout = 2 * time.Hour

func logFieldResult(val string) zap.Field {
	return zap.String("task_result", val)
}

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger          *zap.Logger
	maxRetryTimeout time.Duration
	shutdownChan    chan struct{}
}

func New() *Retryer {
	return &Retryer{
		logger:          zap.L().Named("retryer"),
		maxRetryTimeout: DefMaxRetryTimeout,
		shutdownChan:    make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does
// not wrap boterr.RetryableError or the execution was aborted via the
// context.
// When a RetryableError specifies an After timestamp, the retry is scheduled
// no earlier than that, otherwise exponential backoff is applied.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	startTime := time.Now()
	endTime := startTime.Add(r.maxRetryTimeout)

	retryTimeout := time.NewTimer(r.maxRetryTimeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		// the retry timer may be ready at the same time as the
		// cancellation, the select below picks randomly
		if ctx.Err() != nil {
			logger.Info(
				"task execution cancelled",
				logfields.Event("task_execution_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			logger.Info(
				"task execution cancelled",
				logfields.Event("task_execution_cancelled"),
				logFieldResult("cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			logger.Debug(
				"running task",
				logfields.Event("task_running"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			err := fn(ctx)
			if err != nil {
				var retryError *boterr.RetryableError

				logger = logger.With(zap.Error(err))

				if errors.Is(err, context.Canceled) {
					logger.Info(
						"task cancelled",
						logfields.Event("task_cancelled"),
						logFieldResult("cancelled"),
					)

					return err
				}

				if errors.As(err, &retryError) {
					if retryError.After.After(endTime) {
						logger.Error(
							"task failed, next possible retry time is after timeout expiration",
							logfields.Event("task_failed"),
							zap.Time("earliest_allowed_retry", retryError.After),
						)

						return err
					}

					var retryIn time.Duration

					if retryError.After.IsZero() {
						retryIn = bo.NextBackOff()
					} else {
						retryIn = time.Until(retryError.After)
					}

					retryTimer.Reset(retryIn)
					logger.Info(
						"task failed, retry scheduled",
						logfields.Event("task_retry_scheduled"),
						zap.Duration("retry_in", retryIn),
					)

					continue
				}

				logger.Error(
					"task failed, not retryable",
					logfields.Event("task_failed"),
					logFieldResult("failure"),
				)

				return err
			}

			logger.Debug(
				"task executed successfully",
				logfields.Event("task_executed_successfully"),
				logFieldResult("success"),
			)

			return nil

		case <-retryTimeout.C:
			logger.Warn(
				"giving up retrying task execution, retry timeout expired",
				logfields.Event("task_retry_timeout"),
				logFieldResult("cancelled"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			return errors.New("retry timeout expired")

		case <-r.shutdownChan:
			logger.Info(
				"task not executed, retryer terminated",
				logfields.Event("task_execution_cancelled_shutdown"),
				logFieldResult("cancelled"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
