package runtime

import (
	"context"
	"sync"
	"time"
)

// quiescence detects a stall in the thread-per-block model: every live
// worker is idle and none has been idle since before the last progress.
//
// Progress bumps a generation counter after the buffers changed. A worker
// reads the generation before it negotiates; if it then makes no progress
// it records that generation as idle. Only when all live workers recorded
// the current generation did every one of them see the final state.
type quiescence struct {
	mu      sync.Mutex
	gen     uint64
	live    int
	idle    map[*blockRun]uint64
	stalled chan struct{}
}

func newQuiescence(live int) *quiescence {
	return &quiescence{
		live:    live,
		idle:    make(map[*blockRun]uint64),
		stalled: make(chan struct{}, 1),
	}
}

func (q *quiescence) generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

func (q *quiescence) busy(br *blockRun) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.idle, br)
}

func (q *quiescence) progress() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
}

func (q *quiescence) retire(br *blockRun) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.idle, br)
	q.live--
	q.gen++
	q.checkLocked()
}

func (q *quiescence) markIdle(br *blockRun, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.idle[br] = gen
	q.checkLocked()
}

// checkLocked signals a stall when every live worker is idle at the current
// generation. Workers idle at an older generation are woken to look again.
func (q *quiescence) checkLocked() {
	if q.live == 0 || len(q.idle) < q.live {
		return
	}
	stale := false
	for br, gen := range q.idle {
		if gen != q.gen {
			stale = true
			wake(br)
		}
	}
	if stale {
		return
	}
	select {
	case q.stalled <- struct{}{}:
	default:
	}
}

func wake(br *blockRun) {
	if br.wake == nil {
		return
	}
	select {
	case br.wake <- struct{}{}:
	default:
	}
}

func wakeNeighbors(br *blockRun) {
	for _, up := range br.upstream {
		wake(up)
	}
	for _, down := range br.downstream {
		wake(down)
	}
}

// driveTPB is the thread-per-block model: one goroutine per live block,
// each sleeping whenever negotiation finds insufficient input or output
// space and woken when a neighbor moves items or finishes.
func (r *run) driveTPB(ctx context.Context) RunState {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var live []*blockRun
	for _, br := range r.blocks {
		if !br.done() {
			br.wake = make(chan struct{}, 1)
			live = append(live, br)
		}
	}
	if len(live) == 0 {
		return RunDrained
	}

	q := newQuiescence(len(live))
	var wg sync.WaitGroup
	for _, br := range live {
		wg.Add(1)
		go func(br *blockRun) {
			defer wg.Done()
			r.worker(ctx, br, q)
		}(br)
	}
	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()

	for {
		select {
		case <-exited:
			if ctx.Err() != nil {
				return RunCanceled
			}
			return RunDrained
		case <-ctx.Done():
			<-exited
			return RunCanceled
		case <-q.stalled:
			r.reportStall(q.liveCount())
			if r.opts.StallPollInterval <= 0 {
				cancel()
				<-exited
				return RunStalled
			}
			select {
			case <-time.After(r.opts.StallPollInterval):
				for _, br := range live {
					wake(br)
				}
			case <-exited:
				return RunDrained
			case <-ctx.Done():
				<-exited
				return RunCanceled
			}
		}
	}
}

func (q *quiescence) liveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live
}

// worker drives one block. Work is never called concurrently for a block
// because only its worker calls step.
func (r *run) worker(ctx context.Context, br *blockRun, q *quiescence) {
	for {
		if ctx.Err() != nil {
			return
		}
		q.busy(br)
		gen := q.generation()
		progressed := r.step(br)
		if br.done() {
			q.retire(br)
			wakeNeighbors(br)
			return
		}
		if progressed {
			r.clearStall()
			q.progress()
			wakeNeighbors(br)
			continue
		}
		q.markIdle(br, gen)
		select {
		case <-br.wake:
		case <-ctx.Done():
			return
		}
	}
}
