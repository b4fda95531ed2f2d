package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned by Acquire once Shutdown has begun.
var ErrPoolClosed = errors.New("browser pool is closed")

const (
	replaceBackoffInitial = time.Second
	replaceBackoffMax     = 30 * time.Second
)

// browserProc is one pooled headless browser process, driven through its
// chromedp browser context. Tabs for individual renders are derived from
// ctx and closed by the pipeline; the process itself lives until it crashes
// or the pool shuts down.
type browserProc struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	dead   atomic.Bool
}

// launchFunc starts one browser process. Injectable so pool scheduling can
// be tested without Chrome.
type launchFunc func(parent context.Context, id int) (*browserProc, error)

// probeFunc performs a minimal synthetic render against a leased process.
type probeFunc func(ctx context.Context, lease *Lease) error

// Lease is exclusive ownership of one browser process slot. Release is
// mandatory on every exit path and is safe to call more than once; only the
// first call returns the slot.
type Lease struct {
	proc      *browserProc
	pool      *Pool
	once      sync.Once
	unhealthy atomic.Bool
}

// Context returns the browser context tabs should be derived from.
func (l *Lease) Context() context.Context { return l.proc.ctx }

// MarkUnhealthy flags the underlying process as suspect; on release the
// pool discards it and launches a replacement instead of reusing it.
func (l *Lease) MarkUnhealthy() { l.unhealthy.Store(true) }

// Release returns the slot to the pool. The caller must have closed any
// per-render tab first so one render's pages never leak into the next.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.proc, l.unhealthy.Load())
	})
}

// PoolStats is an on-demand snapshot of pool occupancy.
type PoolStats struct {
	ActiveContexts int `json:"activeContexts"`
	QueueLength    int `json:"queueLength"`
	PoolSize       int `json:"poolSize"`
}

// Pool owns a fixed-size set of browser processes and serializes their use.
// Acquisition is FIFO: a release hands the freed process to the oldest
// waiter before idling it. Crashed processes are replaced asynchronously
// with exponential backoff so acquisitions are never permanently starved.
type Pool struct {
	size           int
	startupTimeout time.Duration
	log            zerolog.Logger

	launch launchFunc
	probe  probeFunc

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu      sync.Mutex
	idle    []*browserProc
	waiters []chan *browserProc
	active  int
	pending int // processes currently being relaunched
	closed  bool
	nextID  int
}

// NewPool creates a pool of size browser processes. Start must be called
// before Acquire.
func NewPool(size int, startupTimeout time.Duration, log zerolog.Logger) *Pool {
	p := &Pool{
		size:           size,
		startupTimeout: startupTimeout,
		log:            log.With().Str("component", "pool").Logger(),
	}
	p.launch = p.launchBrowser
	p.probe = probeRender
	return p
}

// Start launches exactly poolSize browser processes, failing fast if any of
// them does not come up within the startup timeout.
func (p *Pool) Start(ctx context.Context) error {
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(ctx, allocatorOptions()...)

	for i := 0; i < p.size; i++ {
		proc, err := p.launchWithTimeout(i)
		if err != nil {
			p.Shutdown(context.Background())
			return fmt.Errorf("starting pool browser %d: %w", i, err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, proc)
		p.nextID = i + 1
		p.mu.Unlock()
	}
	p.log.Info().Int("pool_size", p.size).Msg("browser pool started")
	return nil
}

func allocatorOptions() []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
	)
}

// launchBrowser starts one browser process off the shared allocator and
// verifies it answers before handing it out.
func (p *Pool) launchBrowser(parent context.Context, id int) (*browserProc, error) {
	bctx, cancel := chromedp.NewContext(parent)
	// Run with no actions forces the process to launch and connect.
	if err := chromedp.Run(bctx); err != nil {
		cancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	return &browserProc{id: id, ctx: bctx, cancel: cancel}, nil
}

func (p *Pool) launchWithTimeout(id int) (*browserProc, error) {
	type launched struct {
		proc *browserProc
		err  error
	}
	done := make(chan launched, 1)
	go func() {
		proc, err := p.launch(p.allocCtx, id)
		done <- launched{proc, err}
	}()
	select {
	case res := <-done:
		return res.proc, res.err
	case <-time.After(p.startupTimeout):
		go func() {
			// Reap the late arrival so it does not leak.
			if res := <-done; res.proc != nil {
				res.proc.cancel()
			}
		}()
		return nil, fmt.Errorf("browser did not start within %s", p.startupTimeout)
	}
}

// Acquire grants exclusive use of one browser process, suspending the
// caller in a FIFO queue when all processes are busy. The returned lease
// must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		proc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()
		return &Lease{proc: proc, pool: p}, nil
	}
	waiter := make(chan *browserProc, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case proc := <-waiter:
		if proc == nil {
			return nil, ErrPoolClosed
		}
		return &Lease{proc: proc, pool: p}, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == waiter {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Lost the race: a grant is already in flight. Take it and give
		// the slot straight back.
		if proc := <-waiter; proc != nil {
			p.release(proc, false)
		}
		return nil, ctx.Err()
	}
}

// release returns a process slot. A healthy process is handed to the head
// waiter or idled; an unhealthy one is discarded and replaced.
func (p *Pool) release(proc *browserProc, unhealthy bool) {
	if unhealthy || proc.dead.Load() {
		proc.dead.Store(true)
		proc.cancel()
		p.mu.Lock()
		p.active--
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()
		p.log.Warn().Int("browser_id", proc.id).Msg("discarding crashed browser, launching replacement")
		go p.replace()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.active--
		p.mu.Unlock()
		proc.cancel()
		return
	}
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Ownership transfers directly; active count is unchanged.
		p.mu.Unlock()
		waiter <- proc
		return
	}
	p.active--
	p.idle = append(p.idle, proc)
	p.mu.Unlock()
}

// replace launches a substitute for a dead process, retrying with
// exponential backoff until it succeeds or the pool closes.
func (p *Pool) replace() {
	backoff := replaceBackoffInitial
	for {
		p.mu.Lock()
		if p.closed {
			p.pending--
			p.mu.Unlock()
			return
		}
		id := p.nextID
		p.nextID++
		parent := p.allocCtx
		p.mu.Unlock()

		proc, err := p.launch(parent, id)
		if err == nil {
			p.mu.Lock()
			p.pending--
			if p.closed {
				p.mu.Unlock()
				proc.cancel()
				return
			}
			if len(p.waiters) > 0 {
				waiter := p.waiters[0]
				p.waiters = p.waiters[1:]
				p.active++
				p.mu.Unlock()
				waiter <- proc
				return
			}
			p.idle = append(p.idle, proc)
			p.mu.Unlock()
			return
		}

		p.log.Warn().Err(err).Dur("backoff", backoff).Msg("browser replacement failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > replaceBackoffMax {
			backoff = replaceBackoffMax
		}
	}
}

// Stats returns a point-in-time occupancy snapshot.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		ActiveContexts: p.active,
		QueueLength:    len(p.waiters),
		PoolSize:       p.size,
	}
}

// TestRender performs a minimal synthetic render end-to-end to verify the
// pool can still produce images. It never panics and never blocks past its
// own deadline.
func (p *Pool) TestRender(ctx context.Context) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	lease, err := p.Acquire(ctx)
	if err != nil {
		return false
	}
	defer lease.Release()

	if err := p.probe(ctx, lease); err != nil {
		if isBrowserGone(err) {
			lease.MarkUnhealthy()
		}
		return false
	}
	return true
}

// Shutdown drains the pool: new acquisitions fail immediately, queued
// waiters are woken with ErrPoolClosed, and in-flight releases are awaited
// up to the context deadline before every process is terminated.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		p.mu.Lock()
		drained := p.active == 0
		p.mu.Unlock()
		if drained {
			break
		}
		select {
		case <-ctx.Done():
			p.log.Warn().Msg("shutdown deadline reached with renders still in flight")
			break drain
		case <-ticker.C:
		}
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, proc := range idle {
		proc.cancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.log.Info().Msg("browser pool shut down")
}
