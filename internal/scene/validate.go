package scene

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

type validationJob struct {
	name string
	seq  uint64
}

type validationResult struct {
	name string
	seq  uint64
	err  error
}

// validatorPool runs name checks on a fixed set of goroutines. Results are
// parked in a ready buffer and collected by the scheduler on its own tick.
type validatorPool struct {
	check func(string) error

	mu      sync.Mutex
	cond    *sync.Cond
	inbox   []validationJob
	ready   []validationResult
	backlog int
	closed  bool

	g *errgroup.Group
}

func newValidatorPool(workers int, check func(string) error) *validatorPool {
	if workers < 1 {
		workers = 1
	}
	if check == nil {
		check = ValidateName
	}
	p := &validatorPool{check: check, g: new(errgroup.Group)}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.g.Go(p.work)
	}
	return p
}

func (p *validatorPool) work() error {
	for {
		p.mu.Lock()
		for len(p.inbox) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.inbox) == 0 {
			p.mu.Unlock()
			return nil
		}
		job := p.inbox[0]
		p.inbox = p.inbox[1:]
		p.mu.Unlock()

		err := p.check(job.name)

		p.mu.Lock()
		p.ready = append(p.ready, validationResult{name: job.name, seq: job.seq, err: err})
		p.backlog--
		p.mu.Unlock()
	}
}

// submit never blocks the caller.
func (p *validatorPool) submit(job validationJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.inbox = append(p.inbox, job)
	p.backlog++
	p.cond.Signal()
}

// collect drains the ready buffer.
func (p *validatorPool) collect() []validationResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.ready
	p.ready = nil
	return out
}

// pending counts jobs submitted but not yet in the ready buffer.
func (p *validatorPool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog
}

func (p *validatorPool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.backlog -= len(p.inbox)
	p.inbox = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.g.Wait()
}
