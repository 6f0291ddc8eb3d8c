package tensor

import (
	"runtime"
	"sync"
)

// parallelMinWork is the number of multiply-adds below which a range is
// processed on the calling goroutine.
const parallelMinWork = 1 << 15

type rangeTask struct {
	fn     func(rs, re int)
	rs, re int
	done   chan struct{}
}

// rangePool runs index ranges on a fixed set of workers. Callers borrow a
// done channel from doneSlots, fan their chunks out over tasks and wait for
// one completion per chunk. Tasks never submit further tasks, so the pool
// cannot deadlock on itself.
type rangePool struct {
	size      int
	tasks     chan rangeTask
	doneSlots chan chan struct{}
}

var (
	rowPool     *rangePool
	rowPoolOnce sync.Once
)

func getRowPool() *rangePool {
	rowPoolOnce.Do(func() {
		rowPool = newRangePool(runtime.GOMAXPROCS(0))
	})
	return rowPool
}

func newRangePool(size int) *rangePool {
	if size < 1 {
		size = 1
	}
	p := &rangePool{
		size:      size,
		tasks:     make(chan rangeTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				task.fn(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// ParallelRows splits [0, n) into contiguous chunks and calls fn on each,
// returning once every chunk has finished. work is the approximate cost of
// one index and decides whether fanning out is worthwhile. fn must only
// write state owned by its own index range.
func ParallelRows(n, work int, fn func(rs, re int)) {
	if n <= 0 {
		return
	}
	pool := getRowPool()
	workers := min(pool.size, n)
	if workers <= 1 || n*work < parallelMinWork {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-pool.doneSlots

	active := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := min(rs+chunk, n)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- rangeTask{fn: fn, rs: rs, re: re, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	pool.doneSlots <- done
}

// MatVec computes dst = w * x, splitting output rows across the row pool.
func MatVec(dst []float32, w *Mat, x []float32) error {
	if len(x) != w.C {
		return ShapeError("matvec input length %d, want %d", len(x), w.C)
	}
	if len(dst) != w.R {
		return ShapeError("matvec output length %d, want %d", len(dst), w.R)
	}
	ParallelRows(w.R, w.C, func(rs, re int) {
		matVecRange(dst, w, x, rs, re)
	})
	return nil
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	for i := rs; i < re; i++ {
		dst[i] = Dot(x, w.Data[i*w.Stride:i*w.Stride+w.C])
	}
}
