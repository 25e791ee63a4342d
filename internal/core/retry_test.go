package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicy(t *testing.T) {
	task := &TaskDefinition{ID: "a", Retries: 2, RetryDelay: time.Second}
	policy := DefaultRetryPolicy{}

	require.Equal(t, RetryAfter(time.Second), policy.OnFailure(task, 1))
	require.Equal(t, RetryAfter(time.Second), policy.OnFailure(task, 2))
	require.Equal(t, PropagateFailure(), policy.OnFailure(task, 3))

	require.False(t, policy.OnFailure(&TaskDefinition{ID: "b"}, 1).Retry)
}

func TestRetryDelay(t *testing.T) {
	exp := &TaskDefinition{RetryDelay: time.Second, RetryBackoff: BackoffExponential}
	require.Equal(t, time.Second, RetryDelay(exp, 1))
	require.Equal(t, 2*time.Second, RetryDelay(exp, 2))
	require.Equal(t, 4*time.Second, RetryDelay(exp, 3))

	capped := &TaskDefinition{RetryDelay: time.Second, RetryBackoff: BackoffExponential, MaxRetryDelay: 3 * time.Second}
	require.Equal(t, 3*time.Second, RetryDelay(capped, 3))
	require.Equal(t, 3*time.Second, RetryDelay(capped, 6))

	fixed := &TaskDefinition{RetryDelay: 5 * time.Second}
	require.Equal(t, 5*time.Second, RetryDelay(fixed, 4))

	require.Zero(t, RetryDelay(&TaskDefinition{RetryBackoff: BackoffExponential}, 3))
}
