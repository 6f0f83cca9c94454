package substrate

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowstep-io/flowstep/pkg/schema"
)

func TestBackoffFor_Exponential(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, Backoff: "exponential", MaxDelay: 10 * time.Second}
	assert.Equal(t, 100*time.Millisecond, p.BackoffFor(0))
	assert.Equal(t, 200*time.Millisecond, p.BackoffFor(1))
	assert.Equal(t, 400*time.Millisecond, p.BackoffFor(2))
	assert.Equal(t, 800*time.Millisecond, p.BackoffFor(3))
}

func TestBackoffFor_Linear(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, Backoff: "linear"}
	assert.Equal(t, 100*time.Millisecond, p.BackoffFor(0))
	assert.Equal(t, 200*time.Millisecond, p.BackoffFor(1))
	assert.Equal(t, 300*time.Millisecond, p.BackoffFor(2))
}

func TestBackoffFor_ConstantAndNone(t *testing.T) {
	for _, backoff := range []string{"constant", "none", ""} {
		p := RetryPolicy{Delay: 100 * time.Millisecond, Backoff: backoff}
		assert.Equal(t, 100*time.Millisecond, p.BackoffFor(0), backoff)
		assert.Equal(t, 100*time.Millisecond, p.BackoffFor(5), backoff)
	}
}

func TestBackoffFor_MaxDelayCaps(t *testing.T) {
	p := RetryPolicy{Delay: time.Second, Backoff: "exponential", MaxDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, p.BackoffFor(5))
}

func TestBackoffFor_ZeroDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryPolicy{Backoff: "exponential"}.BackoffFor(4))
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial refused by peer" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(context.Canceled))

	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad spec")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeNoDocumentFound, "nothing matched")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeExecution, "flaky backend")))

	assert.True(t, IsRetryableError(fakeNetError{}))
	assert.True(t, IsRetryableError(errors.New("connection refused")))
	assert.True(t, IsRetryableError(errors.New("503 Service Unavailable")))

	// Unknown errors default to retryable; the policy bounds the attempts.
	assert.True(t, IsRetryableError(errors.New("something odd happened")))
}

func TestWaitBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waitBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, waitBackoff(ctx, 0), "zero delay never waits")
}
