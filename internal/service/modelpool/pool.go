// Package modelpool maintains a bounded set of loaded ASR workers and hands
// them out to processors. Checkout order is FIFO-fair: when a worker frees up
// it goes to the longest-waiting caller, never to a late arrival that got
// lucky on timing.
package modelpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/asr-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

// Options bounds and shapes the pool.
type Options struct {
	// Min workers are kept loaded at all times; Max caps growth under load.
	Min, Max int
	// Devices are the compute devices to spread workers over, e.g.
	// ["cuda:0","cuda:1"]. Empty means a single "cpu" device.
	Devices []string
	// MaxPerDevice caps workers per GPU. Zero means no cap.
	MaxPerDevice int
	// InitWithMax loads Max workers at startup instead of Min.
	InitWithMax bool
	// HealthInterval is how often idle workers are pinged. Zero disables the
	// background health loop.
	HealthInterval time.Duration
}

// Worker is a checked-out engine worker bound to a device. Return it with
// Checkin or retire it with Discard; never both.
type Worker struct {
	domain.EngineWorker
	Device string
}

type waiter struct {
	ch chan *Worker
}

// Pool implements the bounded worker pool.
type Pool struct {
	engine domain.Engine
	opts   Options

	mu        sync.Mutex
	idle      []*Worker
	waiters   []*waiter
	total     int // live workers, checked out or idle
	perDevice map[string]int
	nextDev   int
	closed    bool
	cpuOnly   bool

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New builds the pool and eagerly loads the initial workers sequentially, so
// a misconfigured device fails startup instead of the first job.
func New(ctx domain.Context, engine domain.Engine, opts Options) (*Pool, error) {
	if opts.Min < 0 || opts.Max <= 0 || opts.Min > opts.Max {
		return nil, fmt.Errorf("%w: pool bounds min=%d max=%d", domain.ErrInvalidArgument, opts.Min, opts.Max)
	}
	cpuOnly := len(opts.Devices) == 0
	if cpuOnly {
		// no GPU configured: one CPU instance regardless of the requested
		// bounds; a second CPU-bound model would only thrash the cores
		opts.Devices = []string{"cpu"}
		if opts.Max > 1 {
			slog.Info("model pool limited to a single cpu worker",
				slog.Int("requested_max", opts.Max))
		}
		opts.Max = 1
		if opts.Min > 1 {
			opts.Min = 1
		}
	}
	p := &Pool{
		engine:     engine,
		opts:       opts,
		cpuOnly:    cpuOnly,
		perDevice:  make(map[string]int, len(opts.Devices)),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	initial := opts.Min
	if opts.InitWithMax {
		initial = opts.Max
	}
	for i := 0; i < initial; i++ {
		w, err := p.spawn(ctx)
		if err != nil {
			p.drainLocked()
			return nil, fmt.Errorf("op=pool.init: worker %d/%d: %w", i+1, initial, err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, w)
		p.mu.Unlock()
	}
	p.publishGauges()
	if opts.HealthInterval > 0 {
		go p.healthLoop()
	} else {
		close(p.healthDone)
	}
	slog.Info("model pool ready",
		slog.String("engine", engine.Name()),
		slog.Int("workers", initial),
		slog.Any("devices", opts.Devices))
	return p, nil
}

// Checkout returns a healthy worker, growing the pool up to Max when none is
// idle, and otherwise blocks until one is checked in or ctx ends. Idle workers
// are pinged before handout; a worker that died while idle is retired and
// replaced instead of being issued to the caller.
func (p *Pool) Checkout(ctx domain.Context) (*Worker, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, domain.ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if err := w.Ping(ctx); err != nil {
				slog.Warn("model pool retiring unhealthy worker",
					slog.String("device", w.Device), slog.Any("error", err))
				p.mu.Lock()
				p.retireLocked(w)
				p.mu.Unlock()
				p.publishGauges()
				continue
			}
			p.publishGauges()
			return w, nil
		}
		if p.total < p.opts.Max {
			// reserve the slot before loading so concurrent checkouts cannot
			// overshoot Max
			p.total++
			p.mu.Unlock()
			w, err := p.load(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			p.publishGauges()
			return w, nil
		}
		wt := &waiter{ch: make(chan *Worker, 1)}
		p.waiters = append(p.waiters, wt)
		p.mu.Unlock()

		select {
		case w, ok := <-wt.ch:
			if !ok {
				return nil, domain.ErrPoolClosed
			}
			return w, nil
		case <-ctx.Done():
			p.abandon(wt)
			return nil, ctx.Err()
		}
	}
}

// abandon removes a waiter that stopped waiting. A worker may already be in
// flight to it; if so, recycle the worker.
func (p *Pool) abandon(wt *waiter) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == wt {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	// not in the list anymore: a handoff is already in flight, so a receive
	// is guaranteed to land
	if w, ok := <-wt.ch; ok {
		p.Checkin(w)
	}
}

// Checkin returns a worker to the pool; the longest waiter, if any, gets it.
func (p *Pool) Checkin(w *Worker) {
	p.mu.Lock()
	if p.closed {
		p.retireLocked(w)
		p.mu.Unlock()
		p.publishGauges()
		return
	}
	if len(p.waiters) > 0 {
		wt := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		wt.ch <- w
		return
	}
	if p.total > p.opts.Max {
		// shrunk since this worker was checked out
		p.retireLocked(w)
		p.mu.Unlock()
		p.publishGauges()
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
	p.publishGauges()
}

// Discard retires a checked-out worker (typically after a device fault). A
// replacement loads in the background when waiters are blocked or the pool
// dropped below Min; otherwise the next Checkout grows the pool on demand.
func (p *Pool) Discard(w *Worker) {
	p.mu.Lock()
	p.retireLocked(w)
	needed := len(p.waiters) > 0 || p.total < p.opts.Min
	if !p.closed && needed && p.total < p.opts.Max {
		p.total++
		p.mu.Unlock()
		go p.replace()
		return
	}
	p.mu.Unlock()
	p.publishGauges()
}

// replace loads a worker into an already reserved slot and checks it in; the
// longest waiter gets it, or it goes idle.
func (p *Pool) replace() {
	ctx, cancel := loadContext()
	defer cancel()
	w, err := p.load(ctx)
	if err != nil {
		slog.Error("model pool replacement load failed", slog.Any("error", err))
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.publishGauges()
		return
	}
	p.Checkin(w)
}

// Resize adjusts the pool bounds. Surplus idle workers are closed at once;
// surplus checked-out workers are closed on checkin. Growth to the new Min
// happens inline.
func (p *Pool) Resize(ctx domain.Context, min, max int) error {
	if min < 0 || max <= 0 || min > max {
		return fmt.Errorf("%w: pool bounds min=%d max=%d", domain.ErrInvalidArgument, min, max)
	}
	if p.cpuOnly {
		// the single-instance cpu limit from startup holds across resizes
		if min > 1 {
			min = 1
		}
		if max > 1 {
			max = 1
		}
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrPoolClosed
	}
	p.opts.Min, p.opts.Max = min, max
	var evicted []*Worker
	for p.total > max && len(p.idle) > 0 {
		n := len(p.idle)
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.total--
		p.perDevice[w.Device]--
		evicted = append(evicted, w)
	}
	p.mu.Unlock()
	for _, w := range evicted {
		_ = w.Close()
	}

	for {
		p.mu.Lock()
		if p.closed || p.total >= p.opts.Min {
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()
		w, err := p.spawn(ctx)
		if err != nil {
			p.publishGauges()
			return fmt.Errorf("op=pool.resize: %w", err)
		}
		p.Checkin(w)
	}
	p.publishGauges()
	return nil
}

// Stats reports the current pool shape.
type Stats struct {
	Total, Idle, Waiting, Min, Max int
	PerDevice                      map[string]int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	per := make(map[string]int, len(p.perDevice))
	for d, n := range p.perDevice {
		per[d] = n
	}
	return Stats{
		Total:     p.total,
		Idle:      len(p.idle),
		Waiting:   len(p.waiters),
		Min:       p.opts.Min,
		Max:       p.opts.Max,
		PerDevice: per,
	}
}

// Close shuts the pool: waiters are released with ErrPoolClosed, idle workers
// are closed now, checked-out workers on checkin.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopHealth)
	<-p.healthDone
	for _, wt := range waiters {
		close(wt.ch)
	}
	p.drainLocked()
	p.publishGauges()
}

func (p *Pool) drainLocked() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	for _, w := range idle {
		p.total--
		p.perDevice[w.Device]--
	}
	p.mu.Unlock()
	for _, w := range idle {
		_ = w.Close()
	}
}

// healthLoop pings idle workers and retires the ones that stopped answering.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	ctx, cancel := loadContext()
	defer cancel()
	for _, w := range idle {
		if err := w.Ping(ctx); err != nil {
			slog.Warn("model pool retiring unhealthy worker",
				slog.String("device", w.Device), slog.Any("error", err))
			p.mu.Lock()
			p.retireLocked(w)
			p.mu.Unlock()
			continue
		}
		p.Checkin(w)
	}

	// refill to Min after retirements
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.opts.Min {
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()
		w, err := p.spawn(ctx)
		if err != nil {
			slog.Error("model pool refill failed", slog.Any("error", err))
			break
		}
		p.Checkin(w)
	}
	p.publishGauges()
}

// retireLocked closes w and releases its slot. Caller holds p.mu.
func (p *Pool) retireLocked(w *Worker) {
	p.total--
	p.perDevice[w.Device]--
	go func() { _ = w.Close() }()
}

// spawn reserves a slot and loads a worker.
func (p *Pool) spawn(ctx domain.Context) (*Worker, error) {
	p.mu.Lock()
	if p.total >= p.opts.Max {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool at capacity", domain.ErrInternal)
	}
	p.total++
	p.mu.Unlock()
	w, err := p.load(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	return w, nil
}

// load creates a worker on the next device with headroom. The slot in
// p.total must already be reserved.
func (p *Pool) load(ctx domain.Context) (*Worker, error) {
	device, err := p.pickDevice()
	if err != nil {
		return nil, err
	}
	ew, err := p.engine.NewWorker(ctx, device)
	if err != nil {
		p.mu.Lock()
		p.perDevice[device]--
		p.mu.Unlock()
		return nil, fmt.Errorf("op=pool.load device=%s: %w", device, err)
	}
	return &Worker{EngineWorker: ew, Device: device}, nil
}

// pickDevice round-robins over the configured devices, skipping ones at
// MaxPerDevice. GPU caps do not apply to the cpu device.
func (p *Pool) pickDevice() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.opts.Devices)
	for i := 0; i < n; i++ {
		device := p.opts.Devices[(p.nextDev+i)%n]
		if p.opts.MaxPerDevice > 0 && device != "cpu" && p.perDevice[device] >= p.opts.MaxPerDevice {
			continue
		}
		p.nextDev = (p.nextDev + i + 1) % n
		p.perDevice[device]++
		return device, nil
	}
	return "", fmt.Errorf("%w: all devices at per-device capacity", domain.ErrInternal)
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	total, idle := p.total, len(p.idle)
	p.mu.Unlock()
	observability.ModelPoolSize.Set(float64(total))
	observability.ModelPoolIdle.Set(float64(idle))
}

// loadContext bounds background loads and pings that have no caller context.
func loadContext() (domain.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}
