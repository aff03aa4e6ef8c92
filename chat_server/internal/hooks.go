package internal

import (
	"context"
	"time"

	"chatrelay/tools/logging"
)

// Mirror receives a copy of every line accepted by the broker, in history order.
type Mirror interface {
	Record(ctx context.Context, name, line string) error
}

// Auditor records when sessions start and end.
type Auditor interface {
	RecordJoin(ctx context.Context, sessionID, remote string) error
	RecordPart(ctx context.Context, sessionID, name, reason string) error
}

const (
	hookQueueSize = 256
	hookTimeout   = 2 * time.Second
)

type hook struct {
	name string
	call func(ctx context.Context) error
}

// hookRunner runs mirror and audit calls one by one off the dispatch path.
// A slow or broken backend only ever costs dropped hook calls, never a delayed broadcast.
type hookRunner struct {
	queue  chan hook
	quit   chan struct{}
	done   chan struct{}
	logger *logging.Logger
}

func newHookRunner(logger *logging.Logger) *hookRunner {
	r := &hookRunner{
		queue:  make(chan hook, hookQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.run()
	return r
}

func (r *hookRunner) enqueue(name string, call func(ctx context.Context) error) {
	select {
	case <-r.quit:
		return
	default:
	}
	select {
	case r.queue <- hook{name, call}:
	default:
		r.logger.Warn("hook queue is full, dropping call", logging.Fields{"hook": name})
	}
}

func (r *hookRunner) run() {
	defer close(r.done)
	for {
		select {
		case h := <-r.queue:
			r.exec(h)
		case <-r.quit:
			for {
				select {
				case h := <-r.queue:
					r.exec(h)
				default:
					return
				}
			}
		}
	}
}

func (r *hookRunner) exec(h hook) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	if err := h.call(ctx); err != nil {
		r.logger.Warn("hook failed", logging.Fields{"hook": h.name, "error": err.Error()})
	}
}

// stop runs what is queued and waits for the runner to exit.
func (r *hookRunner) stop() {
	close(r.quit)
	<-r.done
}
