// Package worldgen implements the parallel GenerationPool and SerializePool
// worker pools from spec §4.3: fixed-size pools of pure-function workers,
// round-robin dispatched, with no shared state between jobs.
package worldgen

import (
	"context"
	"runtime"
)

// job pairs a unit of work with the channel its result is delivered on,
// giving submit(job) -> Future(result) semantics without a separate
// future type: the channel itself is the future.
type job[J any, R any] struct {
	input  J
	result chan R
}

// Pool is a fixed-size round-robin worker pool. Each worker has its own
// input channel; Submit cycles through them so jobs fan out evenly rather
// than piling onto whichever worker happens to be idle first — this keeps
// generation and serialization latency predictable under load, which the
// adaptive batching algorithm in streaming.ChunkStreamer depends on.
type Pool[J any, R any] struct {
	lanes []chan job[J, R]
	next  int
	fn    func(context.Context, J) R
	done  chan struct{}
}

// DefaultWorkers returns max(1, NumCPU-2), the pool size spec §4.3 defaults
// to.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 2
	if n < 1 {
		n = 1
	}
	return n
}

// NewPool starts workers goroutines, each executing fn for jobs delivered
// on its lane. fn must be a pure function: workers share no state (spec
// §4.3).
func NewPool[J any, R any](workers int, fn func(context.Context, J) R) *Pool[J, R] {
	if workers < 1 {
		workers = 1
	}
	p := &Pool[J, R]{
		lanes: make([]chan job[J, R], workers),
		fn:    fn,
		done:  make(chan struct{}),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan job[J, R], 64)
		go p.worker(p.lanes[i])
	}
	return p
}

func (p *Pool[J, R]) worker(lane chan job[J, R]) {
	for {
		select {
		case j, ok := <-lane:
			if !ok {
				return
			}
			j.result <- p.fn(context.Background(), j.input)
		case <-p.done:
			return
		}
	}
}

// Submit dispatches input to the next lane round-robin and returns a
// channel the result will be delivered on exactly once.
func (p *Pool[J, R]) Submit(ctx context.Context, input J) <-chan R {
	out := make(chan R, 1)
	j := job[J, R]{input: input, result: out}

	lane := p.lanes[p.next]
	p.next = (p.next + 1) % len(p.lanes)

	select {
	case lane <- j:
	case <-ctx.Done():
		var zero R
		out <- zero
	}
	return out
}

// Close stops all worker goroutines. Already-submitted jobs in flight are
// allowed to finish; jobs still queued in a lane buffer are abandoned.
func (p *Pool[J, R]) Close() {
	close(p.done)
}
