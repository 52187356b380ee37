/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"errors"
	"fmt"
)

// ErrRedisUnavailable reports that the shared Redis backend could not be
// reached even after a reconnect attempt. Callers that can degrade to local
// state should do so; HTTP handlers surface it as 503.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrLockUnavailable reports that a distributed lock could not be acquired
// within its retry schedule. It is a soft failure: the guarded operation was
// not performed and may be retried on the next poll.
var ErrLockUnavailable = errors.New("lock unavailable")

// ErrTaskTimeout reports that a task callback exceeded the configured task
// timeout. The side effects of the callback are indeterminate.
var ErrTaskTimeout = errors.New("task timed out")

// StateTransitionError reports a worker state change rejected by the
// transition table. The worker remains in its prior state.
type StateTransitionError struct {
	WorkerID string
	From     string
	To       string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid worker state transition %s -> %s for worker %s", e.From, e.To, e.WorkerID)
}

// IsStateTransition returns true if err is a StateTransitionError.
func IsStateTransition(err error) bool {
	var target *StateTransitionError
	return errors.As(err, &target)
}

// RateLimitedError reports a sliding-window rejection with the number of
// seconds the caller must wait before the next attempt is admitted.
type RateLimitedError struct {
	Key               string
	SecondsBeforeNext int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %ds", e.Key, e.SecondsBeforeNext)
}

// IsRateLimited returns true if err is a RateLimitedError.
func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}
