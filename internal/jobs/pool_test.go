package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/subsonic_offline/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFunc func(ctx context.Context, in Input) transfer.Verdict

func (f executorFunc) Execute(ctx context.Context, in Input) transfer.Verdict { return f(ctx, in) }

func input(id string) Input {
	return Input{DownloadID: id, MediaID: "m-" + id, Title: "Title", Artist: "Artist", Format: "mp3"}
}

func nextResult(t *testing.T, p *Pool) Result {
	t.Helper()

	select {
	case r := <-p.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")

		return Result{}
	}
}

func TestPool_Success(t *testing.T) {
	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		return transfer.Succeeded()
	}), 2, time.Millisecond, 2)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), input("d1")))

	r := nextResult(t, p)
	assert.Equal(t, "d1", r.Input.DownloadID)
	assert.Equal(t, transfer.Success, r.Verdict.Outcome)
	assert.Equal(t, 1, r.Attempts)
}

func TestPool_RejectsDuplicateSubmission(t *testing.T) {
	release := make(chan struct{})

	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		<-release

		return transfer.Succeeded()
	}), 2, time.Millisecond, 2)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), input("d1")))
	assert.ErrorIs(t, p.Submit(context.Background(), input("d1")), ErrAlreadyRunning)
	assert.True(t, p.Running("d1"))

	close(release)
	nextResult(t, p)

	assert.Eventually(t, func() bool { return !p.Running("d1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Submit(context.Background(), input("d1")))
	nextResult(t, p)
}

func TestPool_RejectsMissingID(t *testing.T) {
	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		return transfer.Succeeded()
	}), 1, time.Millisecond, 2)
	defer p.Close()

	var malformed *transfer.MalformedJobError
	require.True(t, errors.As(p.Submit(context.Background(), Input{}), &malformed))
	assert.Equal(t, KeyDownloadID, malformed.Field)
}

func TestPool_RetriesRetryableVerdicts(t *testing.T) {
	var calls atomic.Int32

	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		if calls.Add(1) < 3 {
			return transfer.Retryable(&transfer.NetworkError{Operation: "open"})
		}

		return transfer.Succeeded()
	}), 1, time.Millisecond, 2)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), input("d1")))

	r := nextResult(t, p)
	assert.Equal(t, transfer.Success, r.Verdict.Outcome)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPool_StopsAfterRetryCap(t *testing.T) {
	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		return transfer.Retryable(&transfer.NetworkError{Operation: "open"})
	}), 1, time.Millisecond, 1)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), input("d1")))

	r := nextResult(t, p)
	assert.Equal(t, transfer.RetryableFailure, r.Verdict.Outcome)
	assert.Equal(t, transfer.MaxRetries+1, r.Attempts)
}

func TestPool_TerminalVerdictIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		calls.Add(1)

		return transfer.Terminal(&transfer.ConfigurationError{Reason: "no active server configured"})
	}), 1, time.Millisecond, 2)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), input("d1")))

	r := nextResult(t, p)
	assert.Equal(t, transfer.TerminalFailure, r.Verdict.Outcome)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_Cancel(t *testing.T) {
	started := make(chan struct{})

	p := NewPool(context.Background(), executorFunc(func(ctx context.Context, _ Input) transfer.Verdict {
		close(started)
		<-ctx.Done()

		return transfer.Terminal(ctx.Err())
	}), 1, time.Millisecond, 2)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), input("d1")))
	<-started

	require.NoError(t, p.Cancel("d1"))

	r := nextResult(t, p)
	assert.Equal(t, transfer.TerminalFailure, r.Verdict.Outcome)
	assert.ErrorIs(t, r.Verdict.Err, context.Canceled)
}

func TestPool_CancelAll(t *testing.T) {
	var wg sync.WaitGroup

	wg.Add(2)

	p := NewPool(context.Background(), executorFunc(func(ctx context.Context, _ Input) transfer.Verdict {
		wg.Done()
		<-ctx.Done()

		return transfer.Terminal(ctx.Err())
	}), 2, time.Millisecond, 2)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), input("d1")))
	require.NoError(t, p.Submit(context.Background(), input("d2")))
	wg.Wait()

	n, err := p.CancelAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	nextResult(t, p)
	nextResult(t, p)
}

func TestPool_LimitsConcurrency(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)

	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)
		current.Add(-1)

		return transfer.Succeeded()
	}), 2, time.Millisecond, 2)
	defer p.Close()

	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		require.NoError(t, p.Submit(context.Background(), input(id)))
	}

	for range 5 {
		nextResult(t, p)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool(context.Background(), executorFunc(func(context.Context, Input) transfer.Verdict {
		return transfer.Succeeded()
	}), 1, time.Millisecond, 2)
	p.Close()

	assert.ErrorIs(t, p.Submit(context.Background(), input("d1")), context.Canceled)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		exponent float64
		n        int
		want     time.Duration
	}{
		{"first retry", 2, 0, time.Second},
		{"second retry", 2, 1, 2 * time.Second},
		{"third retry", 2, 2, 4 * time.Second},
		{"exponent below one is flat", 0.5, 3, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryDelay(time.Second, tt.exponent, tt.n); got != tt.want {
				t.Errorf("RetryDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}
