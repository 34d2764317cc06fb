package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/metrics"
)

const (
	mirrorQueueSize = 64
	publishTimeout  = 2 * time.Second
)

// Mirror forwards samples to a publisher from its own goroutine. Offer never
// blocks; samples are dropped when the queue is full.
type Mirror struct {
	publisher domain.SamplePublisher
	metrics   *metrics.RedisMetrics
	queue     chan domain.Sample

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewMirror(publisher domain.SamplePublisher, m *metrics.RedisMetrics) *Mirror {
	mr := &Mirror{
		publisher: publisher,
		metrics:   m,
		queue:     make(chan domain.Sample, mirrorQueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go mr.run()
	return mr
}

// Offer queues a sample. Suitable as a generator listener.
func (mr *Mirror) Offer(s domain.Sample) {
	select {
	case mr.queue <- s:
	default:
		mr.metrics.PublishFailures.Inc()
	}
}

func (mr *Mirror) run() {
	defer close(mr.done)
	for {
		select {
		case <-mr.stop:
			return
		case s := <-mr.queue:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := mr.publisher.PublishSample(ctx, s)
			cancel()
			if err != nil {
				mr.metrics.PublishFailures.Inc()
				slog.Debug("Sample mirror publish failed", "error", err)
			}
		}
	}
}

// Close stops the worker. Queued samples are discarded.
func (mr *Mirror) Close() {
	mr.stopOnce.Do(func() { close(mr.stop) })
	<-mr.done
}
