package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const resultsBuffer = 64

// Pool is an in-process Driver. It runs at most maxParallel jobs at once,
// never two for the same download, and re-runs a job with exponential backoff
// while its verdict says so.
type Pool struct {
	exec     Executor
	cooldown time.Duration
	exponent float64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	running map[string]context.CancelFunc
	pending sync.WaitGroup

	results chan Result
}

func NewPool(ctx context.Context, exec Executor, maxParallel int, cooldown time.Duration, exponent float64) *Pool {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	if exponent < 1 {
		exponent = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	group := &errgroup.Group{}
	group.SetLimit(maxParallel)

	return &Pool{
		exec:     exec,
		cooldown: cooldown,
		exponent: exponent,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		running:  make(map[string]context.CancelFunc),
		results:  make(chan Result, resultsBuffer),
	}
}

// Submit schedules in for execution and returns immediately. It returns
// ErrAlreadyRunning if a job for the same download is queued or running.
func (p *Pool) Submit(_ context.Context, in Input) error {
	if in.DownloadID == "" {
		return &transfer.MalformedJobError{Field: KeyDownloadID}
	}

	if err := p.ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.running[in.DownloadID]; ok {
		p.mu.Unlock()

		return ErrAlreadyRunning
	}

	jobCtx, cancel := context.WithCancel(p.ctx)
	p.running[in.DownloadID] = cancel
	p.mu.Unlock()

	p.pending.Add(1)

	go func() {
		defer p.pending.Done()

		// blocks until a slot frees up
		p.group.Go(func() error {
			defer p.release(in.DownloadID)

			p.run(jobCtx, in)

			return nil
		})
	}()

	return nil
}

// Results delivers the final outcome of every job. Callers must keep draining
// it; a full buffer stalls workers.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Running reports whether a job for id is queued or executing.
func (p *Pool) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.running[id]

	return ok
}

// Cancel stops the job for id, if any.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()

	if ok {
		cancel()
	}

	return nil
}

// CancelAll stops every queued and running job. The pool stays usable.
func (p *Pool) CancelAll() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cancel := range p.running {
		cancel()
	}

	return len(p.running), nil
}

// Close cancels outstanding jobs, waits for them to return and closes Results.
func (p *Pool) Close() {
	p.cancel()
	p.pending.Wait()
	_ = p.group.Wait()
	close(p.results)
}

func (p *Pool) run(ctx context.Context, in Input) {
	logger := logctx.LoggerFromContext(p.ctx).With("download_id", in.DownloadID)
	ctx = logctx.WithLogger(ctx, logger)

	var verdict transfer.Verdict

	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			verdict = transfer.Terminal(err)

			break
		}

		attempt++
		verdict = p.exec.Execute(ctx, in)

		if !verdict.ShouldRetry() || attempt > transfer.MaxRetries {
			break
		}

		delay := RetryDelay(p.cooldown, p.exponent, attempt-1)
		logger.Info("retrying download", "attempt", attempt, "delay", delay, "err", verdict.Err)

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	select {
	case p.results <- Result{Input: in, Verdict: verdict, Attempts: attempt}:
	case <-p.ctx.Done():
	}
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.running[id]; ok {
		cancel()
		delete(p.running, id)
	}
}
