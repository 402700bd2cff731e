package audit

import (
	"context"
	"sync"

	"calotrack/backend/internal/audit/domain"
)

// Dispatcher delivers events on a background goroutine. Events are built on the caller's
// goroutine so request-scoped values (IP, metadata) are captured before the request ends.
// A full queue or a closed dispatcher falls back to a synchronous write; events are never dropped.
type Dispatcher struct {
	logger *Logger
	ch     chan *domain.AuditEvent
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewDispatcher starts a dispatcher in front of logger with a queue of bufferSize events.
func NewDispatcher(logger *Logger, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	d := &Dispatcher{
		logger: logger,
		ch:     make(chan *domain.AuditEvent, bufferSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.ch {
		d.logger.deliver(context.Background(), e)
	}
}

// Record enqueues one event.
func (d *Dispatcher) Record(ctx context.Context, subjectID int64, action, entity string) {
	if d.logger.w == nil {
		return
	}
	e := d.logger.newEvent(ctx, subjectID, action, entity)

	d.mu.RLock()
	if !d.closed {
		select {
		case d.ch <- e:
			d.mu.RUnlock()
			return
		default:
		}
	}
	d.mu.RUnlock()
	d.logger.deliver(ctx, e)
}

// Close stops accepting queued events and waits until every queued event has been written.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		d.wg.Wait()
	})
}
