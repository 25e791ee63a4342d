package core

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultMaxRetryDelay = time.Hour

// Decision is the retry policy verdict for a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryAfter schedules another attempt after delay.
func RetryAfter(delay time.Duration) Decision { return Decision{Retry: true, Delay: delay} }

// PropagateFailure marks the instance failed and cascades to its downstream.
func PropagateFailure() Decision { return Decision{} }

// RetryPolicy decides what happens after a failed attempt.
type RetryPolicy interface {
	// OnFailure is called with the number of attempts made so far.
	OnFailure(task *TaskDefinition, attempts int) Decision
}

// DefaultRetryPolicy retries while attempts <= task.Retries.
type DefaultRetryPolicy struct{}

func (DefaultRetryPolicy) OnFailure(task *TaskDefinition, attempts int) Decision {
	if attempts <= task.Retries {
		return RetryAfter(RetryDelay(task, attempts))
	}
	return PropagateFailure()
}

// RetryDelay returns the wait before the retry that follows failed attempt n.
func RetryDelay(task *TaskDefinition, n int) time.Duration {
	if task.RetryDelay <= 0 {
		return 0
	}
	if task.RetryBackoff != BackoffExponential {
		return task.RetryDelay
	}
	maxDelay := task.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = task.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := task.RetryDelay
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
