package raftstore

import (
	"sync"

	"go.uber.org/zap"
)

// pollHandler processes the fsms of one poller round.
type pollHandler interface {
	// begin starts a round of batchSize fsms.
	begin(batchSize int)
	// handleControl drains the store fsm and returns the number of
	// messages left in its mailbox.
	handleControl(f fsm) int
	// handleNormal drains one peer fsm and returns the number of
	// messages left in its mailbox.
	handleNormal(f fsm) int
	// end finishes the round. It persists and advances every normal fsm
	// that produced work.
	end(normals []fsm)
	// pause is called before the poller blocks for more work.
	pause()
}

// poller is one goroutine pulling fsms from the scheduler.
type poller struct {
	sched        *scheduler
	handler      pollHandler
	maxBatchSize int
	router       *router
	onBatch      func(n int)
}

func (p *poller) run() {
	var (
		batch   []fsm
		pending []int
		normals []fsm
		ok      bool
	)
	for {
		if len(batch) == 0 {
			p.handler.pause()
			if batch, ok = p.sched.fetch(batch, p.maxBatchSize, true); !ok {
				return
			}
		}
		if len(batch) < p.maxBatchSize {
			if batch, ok = p.sched.fetch(batch, p.maxBatchSize-len(batch), false); !ok {
				return
			}
		}
		if p.onBatch != nil {
			p.onBatch(len(batch))
		}

		p.handler.begin(len(batch))
		pending = pending[:0]
		normals = normals[:0]
		for _, f := range batch {
			if f.isControl() {
				pending = append(pending, p.handler.handleControl(f))
				continue
			}
			pending = append(pending, p.handler.handleNormal(f))
			normals = append(normals, f)
		}
		p.handler.end(normals)

		kept := batch[:0]
		for i, f := range batch {
			mb := f.mailbox()
			switch {
			case f.isStopped():
				mb.close()
			case pending[i] > 0:
				kept = append(kept, f)
			case !mb.release():
				kept = append(kept, f)
			}
		}
		clear(batch[len(kept):])
		batch = kept
	}
}

// batchSystem runs a fixed set of pollers over one scheduler.
type batchSystem struct {
	name    string
	sched   *scheduler
	router  *router
	wg      sync.WaitGroup
	logger  *zap.Logger
	started bool
}

func newBatchSystem(name string, control fsm, capacity int, logger *zap.Logger) *batchSystem {
	sched := newScheduler()
	return &batchSystem{
		name:   name,
		sched:  sched,
		router: newRouter(control, capacity, sched),
		logger: logger,
	}
}

// spawn starts count pollers, each with its own handler.
func (b *batchSystem) spawn(count, maxBatchSize int, newHandler func() pollHandler, onBatch func(int)) {
	for i := 0; i < count; i++ {
		p := &poller{
			sched:        b.sched,
			handler:      newHandler(),
			maxBatchSize: maxBatchSize,
			router:       b.router,
			onBatch:      onBatch,
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			p.run()
		}()
	}
	b.started = true
	b.logger.Info("batch system started", zap.String("name", b.name), zap.Int("pollers", count))
}

// shutdown stops routing, wakes every poller and waits for them to exit.
func (b *batchSystem) shutdown() {
	b.router.stop()
	b.sched.close()
	b.wg.Wait()
	b.logger.Info("batch system stopped", zap.String("name", b.name))
}
