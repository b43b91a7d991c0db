package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/breaker"
)

var errTransient = errors.New("connection refused")
var errBadInput = errors.New("bad input")

func failWith(err error) func() (interface{}, error) {
	return func() (interface{}, error) { return nil, err }
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := breaker.New(breaker.Config{Name: "test"})

	result, err := b.Execute(context.Background(), func() (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := breaker.New(breaker.Config{MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Execute(ctx, failWith(errTransient))
		require.ErrorIs(t, err, errTransient)
	}

	assert.Equal(t, "open", b.State())

	_, err := b.Execute(ctx, failWith(errTransient))
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, uint64(1), b.Stats().Rejected)
}

func TestBreaker_UncountedErrorsDoNotTrip(t *testing.T) {
	b := breaker.New(breaker.Config{
		MaxFailures: 2,
		Counts:      func(err error) bool { return errors.Is(err, errTransient) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Execute(ctx, failWith(errBadInput))
		require.ErrorIs(t, err, errBadInput)
	}

	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	var transitions []string
	b := breaker.New(breaker.Config{
		MaxFailures: 1,
		Timeout:     20 * time.Millisecond,
		OnStateChange: func(_ string, from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})
	ctx := context.Background()

	_, _ = b.Execute(ctx, failWith(errTransient))
	require.Equal(t, "open", b.State())

	time.Sleep(40 * time.Millisecond)

	_, err := b.Execute(ctx, func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_CancelledContext(t *testing.T) {
	b := breaker.New(breaker.Config{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, func() (interface{}, error) { return "never", nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, breaker.ErrCanceled)
	assert.Equal(t, "closed", b.State())
}
