package audit

import (
	"context"
	"sync"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/api/interfaces"
	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var _ interfaces.Auditor = &Dispatcher{}

type Config struct {
	// QueueSize bounds the events waiting for a sink; extra events are dropped.
	QueueSize int
	Workers   int
	// WriteTimeout bounds one sink write.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:    4096,
		Workers:      2,
		WriteTimeout: 5 * time.Second,
	}
}

// NewEvent builds the decision event for one packet event.
func NewEvent(dir api.Direction, t api.TypeID, connID api.ConnectionID, res api.Result) *api.AuditEvent {
	e := &api.AuditEvent{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		ConnectionID: connID,
		Direction:    dir,
		TypeID:       t,
		Verdict:      res.Verdict.Kind.String(),
		Disposition:  res.Disposition,
	}
	if res.RuleID != "" {
		id := res.RuleID
		e.RuleID = &id
	}
	if res.Cause != nil {
		cause := res.Cause.Error()
		e.ErrorCause = &cause
	}
	return e
}

// Dispatcher hands events to a sink from background workers. Emit never
// blocks and sink failures never reach the caller.
type Dispatcher struct {
	logger *logrus.Entry
	sink   interfaces.AuditSink
	config Config

	queue chan *api.AuditEvent
	wg    sync.WaitGroup

	// mu orders Emit against shutdown: once closed is set under the write
	// lock, nothing more enters the queue and the final drain sees it all.
	mu     sync.RWMutex
	closed bool

	emitted metrics.Counter
	dropped metrics.Counter
	failed  metrics.Counter
}

func NewDispatcher(logger *logrus.Logger, sink interfaces.AuditSink, config Config, registry metrics.Registry) *Dispatcher {
	d := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = d.Workers
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = d.WriteTimeout
	}
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &Dispatcher{
		logger:  logger.WithField("controller", "Audit"),
		sink:    sink,
		config:  config,
		queue:   make(chan *api.AuditEvent, config.QueueSize),
		emitted: metrics.GetOrRegisterCounter("audit.emitted", registry),
		dropped: metrics.GetOrRegisterCounter("audit.dropped", registry),
		failed:  metrics.GetOrRegisterCounter("audit.failed", registry),
	}
}

func (d *Dispatcher) Emit(event *api.AuditEvent) {
	if event == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Inc(1)
		return
	}
	select {
	case d.queue <- event:
		d.emitted.Inc(1)
	default:
		d.dropped.Inc(1)
	}
}

// Start runs the workers until ctx is done, then flushes what is queued
// and closes the sink.
func (d *Dispatcher) Start(ctx context.Context) error {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	<-ctx.Done()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()

	// 把剩余事件写完再关闭
	for {
		select {
		case e := <-d.queue:
			d.write(e)
		default:
			if err := d.sink.Close(); err != nil {
				d.logger.WithError(err).Warn("Failed to close audit sink")
			}
			return nil
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			d.write(e)
		}
	}
}

func (d *Dispatcher) write(e *api.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.WriteTimeout)
	defer cancel()
	if err := d.sink.Write(ctx, e); err != nil {
		d.failed.Inc(1)
		d.logger.WithError(err).WithField("event", e.ID).Warn("Failed to deliver audit event")
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
