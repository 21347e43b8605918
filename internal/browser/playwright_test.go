package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/require"
)

// blockingExpect runs the action, then waits for release before returning value.
func blockingExpect(release <-chan struct{}, value string) func(func() error) (string, error) {
	return func(cb func() error) (string, error) {
		if err := cb(); err != nil {
			return "", err
		}
		<-release
		return value, nil
	}
}

func TestExpectUntilReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	discarded := make(chan string, 1)
	triggered := make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := expectUntil(ctx, blockingExpect(release, "late tab"), func() error {
			close(triggered)
			return nil
		}, func(v string) { discarded <- v })
		errc <- err
	}()

	<-triggered
	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("expectUntil ignored cancellation")
	}

	close(release)
	select {
	case v := <-discarded:
		require.Equal(t, "late tab", v)
	case <-time.After(5 * time.Second):
		t.Fatal("late result was not discarded")
	}
}

func TestExpectUntilTriggerErrorWins(t *testing.T) {
	clickErr := errors.New("element is not visible")
	_, err := expectUntil(context.Background(), func(cb func() error) (string, error) {
		if err := cb(); err != nil {
			return "", playwright.ErrTimeout
		}
		return "tab", nil
	}, func() error { return clickErr }, nil)
	require.ErrorIs(t, err, clickErr)
}

func TestExpectUntilMapsTimeout(t *testing.T) {
	_, err := expectUntil(context.Background(), func(cb func() error) (string, error) {
		if err := cb(); err != nil {
			return "", err
		}
		return "", playwright.ErrTimeout
	}, func() error { return nil }, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestExpectUntilReturnsValue(t *testing.T) {
	release := make(chan struct{})
	close(release)
	v, err := expectUntil(context.Background(), blockingExpect(release, "tab"), func() error { return nil }, nil)
	require.NoError(t, err)
	require.Equal(t, "tab", v)
}

func TestExtraQuietUsesDeadlineBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := extraQuiet(ctx, time.Now(), 2*time.Second, 30*time.Second)
	require.ErrorIs(t, err, ErrTimeout)

	extra, err := extraQuiet(context.Background(), time.Now(), 2*time.Second, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, extra)

	extra, err = extraQuiet(ctx, time.Now(), 300*time.Millisecond, 30*time.Second)
	require.NoError(t, err)
	require.Zero(t, extra)
}
