package kernels

import "sync"

// WorkerPool is a fixed-size goroutine pool for fan-out/fan-in task
// execution. A nil *WorkerPool is valid and runs tasks on the caller's
// goroutine.
type WorkerPool struct {
	jobs chan poolJob
	size int
	once sync.Once
}

type poolJob struct {
	fn func()
	wg *sync.WaitGroup
}

// NewWorkerPool starts size workers. It returns nil for size <= 1.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 1 {
		return nil
	}
	// Buffer size = 3× worker count reduces contention on job channel.
	p := &WorkerPool{jobs: make(chan poolJob, size*3), size: size}
	for i := 0; i < size; i++ {
		go func() {
			for job := range p.jobs {
				job.fn()
				job.wg.Done()
			}
		}()
	}
	return p
}

// Size returns the number of workers, or 1 for a nil pool.
func (p *WorkerPool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Run executes tasks and blocks until all of them have returned. Nil tasks
// are skipped.
func (p *WorkerPool) Run(tasks ...func()) {
	if p == nil || len(tasks) <= 1 {
		for _, task := range tasks {
			if task != nil {
				task()
			}
		}
		return
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		if task == nil {
			continue
		}
		wg.Add(1)
		p.jobs <- poolJob{fn: task, wg: &wg}
	}
	wg.Wait()
}

// RunThreshold parallelizes tasks only if there are at least minTasks of
// them. Below the threshold dispatch costs more than it saves.
func (p *WorkerPool) RunThreshold(tasks []func(), minTasks int) {
	if len(tasks) < minTasks {
		(*WorkerPool)(nil).Run(tasks...)
		return
	}
	p.Run(tasks...)
}

// Close stops the workers. Run must not be called afterwards. Repeated
// calls are no-ops.
func (p *WorkerPool) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.jobs) })
}
