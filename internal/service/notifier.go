package service

import (
	"context"
	"sync"
	"time"

	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/pkg/logger"
)

const notifierQueueSize = 1024

// Publisher delivers a realtime event to every connection in a group
type Publisher interface {
	Publish(ctx context.Context, group string, event domain.Event) error
}

// Delivery is one event addressed to one group
type Delivery struct {
	Group string
	Event domain.Event
}

// Notifier publishes events in the background after the triggering write has
// committed. A single worker drains the queue so events reach the hub in the
// order they were notified. Failures are logged and never reach the caller.
type Notifier struct {
	publisher Publisher
	timeout   time.Duration
	queue     chan []Delivery
	wg        sync.WaitGroup
}

// NewNotifier creates a notifier; a nil publisher disables realtime delivery
func NewNotifier(publisher Publisher, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	n := &Notifier{publisher: publisher, timeout: timeout}
	if publisher != nil {
		n.queue = make(chan []Delivery, notifierQueueSize)
		go n.run()
	}
	return n
}

// Notify queues deliveries for publishing. When the queue is full the batch is
// dropped; clients recover through their next resync.
func (n *Notifier) Notify(deliveries ...Delivery) {
	if n == nil || n.publisher == nil || len(deliveries) == 0 {
		return
	}

	n.wg.Add(1)
	select {
	case n.queue <- deliveries:
	default:
		n.wg.Done()
		logger.GetLogger().Warn().
			Int("deliveries", len(deliveries)).
			Str("type", string(deliveries[0].Event.Type)).
			Msg("broadcast queue full, dropping")
	}
}

func (n *Notifier) run() {
	for batch := range n.queue {
		n.publish(batch)
		n.wg.Done()
	}
}

func (n *Notifier) publish(deliveries []Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	for _, d := range deliveries {
		if err := n.publisher.Publish(ctx, d.Group, d.Event); err != nil {
			logger.GetLogger().Warn().
				Err(err).
				Str("group", d.Group).
				Str("type", string(d.Event.Type)).
				Msg("broadcast failure")
		}
	}
}

// Wait blocks until every queued delivery has been published
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
