// Package workerpool implements a small tomb-supervised pool of worker
// goroutines, used by the wire server to bound the number of concurrent
// connection handlers (Config.Server.WorkerPool, spec ambient concern:
// bounding matching-kernel resource use under load).
package workerpool

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// taskChanSize bounds how far the server can get ahead of its workers
// before AddTask blocks; a saturated channel is the backpressure signal
// that tells the front end to stop accepting new connections.
const taskChanSize = 100

// backpressureThreshold is the fraction of taskChanSize at which AddTask
// starts logging a warning, so an operator sees the pool falling behind
// before it actually blocks.
const backpressureThreshold = 0.8

// WorkerFunction processes one task. An error return is fatal to the
// tomb supervising the pool.
type WorkerFunction = func(t *tomb.Tomb, task any) error

// Pool maintains up to n worker goroutines pulling from a shared task
// channel; AddTask enqueues work for whichever worker picks it up next.
type Pool struct {
	n     int
	tasks chan any
}

// New constructs a pool sized to run up to n tasks concurrently. n is
// validated by Config.Validate (server.worker_pool must be > 0) before
// reaching here.
func New(n int) Pool {
	return Pool{
		n:     n,
		tasks: make(chan any, taskChanSize),
	}
}

// Depth reports how many tasks are currently queued, waiting for a free
// worker.
func (p *Pool) Depth() int {
	return len(p.tasks)
}

// Capacity reports the maximum number of tasks AddTask can queue before
// blocking.
func (p *Pool) Capacity() int {
	return cap(p.tasks)
}

// AddTask enqueues a task for the pool. Blocks if the task channel is
// full. Logs a warning once the queue crosses backpressureThreshold so
// sustained overload is visible before AddTask starts blocking callers.
func (p *Pool) AddTask(task any) {
	if depth := len(p.tasks); float64(depth) >= float64(cap(p.tasks))*backpressureThreshold {
		log.Warn().Int("depth", depth).Int("capacity", cap(p.tasks)).Msg("worker pool queue under backpressure")
	}
	p.tasks <- task
}

// Setup keeps a full complement of n workers alive under t until t
// starts dying, replacing any worker that exits after completing its
// task.
func (p *Pool) Setup(t *tomb.Tomb, work WorkerFunction) {
	log.Info().Int("workers", p.n).Int("queue_capacity", cap(p.tasks)).Msg("starting worker pool")
	active := 0
	for {
		select {
		case <-t.Dying():
			return
		default:
			if active < p.n {
				t.Go(func() error {
					err := p.worker(t, work)
					active--
					return err
				})
				active++
			}
		}
	}
}

func (p *Pool) worker(t *tomb.Tomb, work WorkerFunction) error {
	select {
	case <-t.Dying():
		return nil
	case task := <-p.tasks:
		if err := work(t, task); err != nil {
			log.Error().Err(err).Msg("worker exiting on error")
			return err
		}
	}
	return nil
}
