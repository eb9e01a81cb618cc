// Package notify delivers operator alerts. Delivery is fire-and-forget:
// a slow or dead sink must never block the trading engine.
package notify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stratoslab/perpengine/internal/logger"
)

// Notifier receives operator-facing messages. Implementations must not
// block for long; the dispatcher drops messages when the sink cannot
// keep up.
type Notifier interface {
	Notify(message string)
}

// LogNotifier writes notifications to the engine log. It is the default
// sink when no chat integration is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a notifier backed by the engine log.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(message string) {
	n.log.Info("Notification", zap.String("message", message))
}

// Dispatcher fans notifications out to a sink through a bounded buffer.
// When the buffer is full the message is dropped and counted instead of
// blocking the caller.
type Dispatcher struct {
	sink    Notifier
	queue   chan string
	dropped atomic.Int64
	log     *logger.Logger

	// mu guards queue against a send racing Close.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with the given buffer size and starts
// its delivery goroutine.
func NewDispatcher(sink Notifier, bufferSize int, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		sink:  sink,
		queue: make(chan string, bufferSize),
		log:   log,
		done:  make(chan struct{}),
	}

	go d.run()

	return d
}

// Notify implements Notifier. It never blocks.
func (d *Dispatcher) Notify(message string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)

		return
	}

	select {
	case d.queue <- message:
	default:
		dropped := d.dropped.Add(1)
		d.log.Warn("Notification dropped, sink too slow",
			zap.Int64("total_dropped", dropped),
		)
	}
}

// Dropped returns the number of messages dropped so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops the delivery goroutine after draining the queue. Messages
// sent after Close are dropped.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for message := range d.queue {
		d.sink.Notify(message)
	}
}

// Ensure both implementations satisfy Notifier.
var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Dispatcher)(nil)
)
