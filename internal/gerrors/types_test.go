package gerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWalksWrapChain(t *testing.T) {
	base := NotFound("task %s", "gt-abc123")
	wrapped := fmt.Errorf("closing: %w", base)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestSentinelMatching(t *testing.T) {
	err := ConstraintViolation("cycle detected: %s", "T3 -> T1 -> T2 -> T3")
	assert.True(t, errors.Is(err, Sentinel(KindConstraintViolation)))
	assert.False(t, errors.Is(err, Sentinel(KindNotFound)))
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, 0},
		{AmbiguousReference("ref %q", "ab"), 1},
		{UserBlocked("tool blocked"), 1},
		{ConstraintViolation("cycle"), 2},
		{NotFound("missing"), 3},
		{Timeout("deadline"), 4},
		{Cancelled("cancelled"), 4},
		{Internal("boom"), 5},
		{errors.New("plain"), 5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ExitCode(tc.err), "err=%v", tc.err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindIntegrity, cause, "export failed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindIntegrity, KindOf(err))
}

func TestRetryStopsOnTerminalError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return ConstraintViolation("no retry")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return Integrity("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
