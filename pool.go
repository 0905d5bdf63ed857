package datatask

import (
	"context"
	"errors"
	"sync"
)

// PoolConfig defines the configuration for a Pool.
type PoolConfig struct {
	// Concurrency is the number of worker loops. Defaults to 1.
	Concurrency int
	// Worker configures every loop of the pool.
	Worker WorkerConfig
	// Logger is the logger used for pool events.
	Logger Logger
}

// Pool runs Concurrency worker loops competing on the same Supplier.
type Pool struct {
	loops   []*WorkerLoop
	cancels *cancelSet
	log     Logger

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	processed int
	errs      []error
}

// NewPool creates the loops of a pool. Loops are not running until Start.
func NewPool(reg *Registry, s Supplier, cfg PoolConfig) *Pool {
	l := orDefault(cfg.Logger)
	if cfg.Worker.Logger == nil {
		cfg.Worker.Logger = l
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	cfg.Worker.setDefaults()
	p := &Pool{log: l, done: make(chan struct{}), cancels: newCancelSet(cfg.Worker.CancelTTL)}
	for i := 0; i < cfg.Concurrency; i++ {
		p.loops = append(p.loops, newWorkerLoop(reg, s, cfg.Worker, p.cancels))
	}
	s.OnCancel(p.cancels.request)
	return p
}

// Start launches the worker loops.
// It is idempotent and non-blocking.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.log.Warnf("pool already started; ignoring Start()")
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()
	p.log.Infof("starting pool: concurrency=%d", len(p.loops))

	for _, w := range p.loops {
		p.wg.Add(1)
		go func(w *WorkerLoop) {
			defer p.wg.Done()
			n, err := w.Run(ctx)
			p.mu.Lock()
			p.processed += n
			if err != nil {
				p.errs = append(p.errs, err)
			}
			p.mu.Unlock()
		}(w)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

// Stop cancels the loops, requeuing their in-flight tasks, and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.log.Warnf("pool not started; ignoring Stop()")
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()
	p.log.Infof("stopping pool")
	cancel()
	<-p.done
}

// Done is closed once every loop has exited, e.g. after one poison task per loop.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Wait blocks until all loops of a started pool exit and returns the number of tasks handled.
func (p *Pool) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, errors.Join(p.errs...)
}

// Cancel stops taskID on the loop running it ("" stops every running task).
// A plain cancel of a task no loop runs is remembered for the loop that
// dequeues it; a requeue cancel of such a task is ignored.
func (p *Pool) Cancel(taskID string, requeue bool) {
	p.cancels.request(CancelRequest{TaskID: taskID, Requeue: requeue})
}
