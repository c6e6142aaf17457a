package kernels

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolRunsEveryTask(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var count atomic.Int64
	tasks := make([]func(), 100)
	for i := range tasks {
		tasks[i] = func() { count.Add(1) }
	}
	tasks[50] = nil

	pool.Run(tasks...)
	assert.Equal(t, int64(99), count.Load())
	assert.Equal(t, 4, pool.Size())
}

func TestNilWorkerPoolRunsInline(t *testing.T) {
	var pool *WorkerPool
	assert.Nil(t, NewWorkerPool(1))
	assert.Equal(t, 1, pool.Size())

	order := []int{}
	pool.Run(func() { order = append(order, 1) }, func() { order = append(order, 2) })
	assert.Equal(t, []int{1, 2}, order)

	pool.Close()
}

func TestRunThresholdStaysSerialBelowMinimum(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	order := []int{}
	pool.RunThreshold([]func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}, 3)
	assert.Equal(t, []int{1, 2}, order)
}

func BenchmarkWorkerPoolDispatch(b *testing.B) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	noop := func() {}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Run(noop, noop, noop, noop)
	}
}
