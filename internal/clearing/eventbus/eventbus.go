// Package eventbus is the intra-core event contract: typed
// topics, at-least-once in-process delivery, per-payment ordering, and a
// bounded per-topic queue that surfaces backpressure as an error rather
// than dropping silently. A Kafka forwarder and a websocket admin feed
// front the same bus for consumers outside the process.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// Topic is one of the closed set of intra-core event names. The core
// never publishes an untyped envelope.
type Topic string

const (
	TopicObligationCreated Topic = "obligation.created"
	TopicObligationFunded  Topic = "obligation.funded"
	TopicObligationNetted  Topic = "obligation.netted"
	TopicObligationSettled Topic = "obligation.settled"

	TopicWindowOpened     Topic = "window.opened"
	TopicWindowClosed     Topic = "window.closed"
	TopicWindowProcessing Topic = "window.processing"
	TopicWindowCompleted  Topic = "window.completed"
	TopicWindowFailed     Topic = "window.failed"

	TopicLedgerEventAppended  Topic = "ledger.event_appended"
	TopicLedgerBlockFinalized Topic = "ledger.block_finalized"
	TopicLedgerCheckpointCreated Topic = "ledger.checkpoint_created"

	TopicReconciliationMismatch         Topic = "reconciliation.mismatch"
	TopicReconciliationCircuitBreakerTripped Topic = "reconciliation.circuit_breaker_tripped"
)

// Envelope is the JSON wire shape every published event takes.
type Envelope struct {
	Topic   Topic           `json:"topic"`
	ID      uuid.UUID       `json:"id"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Handler consumes one envelope. It returns nothing and the bus never
// redelivers a message; dedupe and retry are the consumer's responsibility by
// (topic, primary-id).
type Handler func(Envelope)

// defaultQueueDepth is the bounded capacity applied to every per-topic channel.
// Overflow is returned to the publisher as an error, never a silent drop.
const defaultQueueDepth = 1024

// Bus is the in-process event bus. Each topic gets its own buffered
// channel and its own dispatcher goroutine so a slow subscriber on one
// topic cannot stall delivery on another.
type Bus struct {
	mu          sync.RWMutex
	queueDepth  int
	queues      map[Topic]chan Envelope
	subscribers map[Topic][]Handler
	log         logger.Logger
	forwarders  []Forwarder

	wg   sync.WaitGroup
	stop chan struct{}
}

// Forwarder relays an envelope to an external system (Kafka, a websocket
// feed). Forwarders are best-effort: a forwarder error is logged, never
// propagated back to the publisher.
type Forwarder interface {
	Forward(Envelope) error
}

func NewBus(log logger.Logger, forwarders ...Forwarder) *Bus {
	return &Bus{
		queueDepth:  defaultQueueDepth,
		queues:      make(map[Topic]chan Envelope),
		subscribers: make(map[Topic][]Handler),
		log:         log,
		forwarders:  forwarders,
		stop:        make(chan struct{}),
	}
}

func (b *Bus) queueFor(topic Topic) chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Envelope, b.queueDepth)
		b.queues[topic] = q
		b.wg.Add(1)
		go b.dispatch(topic, q)
	}
	return q
}

func (b *Bus) dispatch(topic Topic, q chan Envelope) {
	defer b.wg.Done()
	for {
		select {
		case env := <-q:
			b.mu.RLock()
			handlers := append([]Handler{}, b.subscribers[topic]...)
			b.mu.RUnlock()
			for _, h := range handlers {
				h(env) // at-least-once: a panic-free handler is the consumer's job
			}
			for _, f := range b.forwarders {
				if err := f.Forward(env); err != nil {
					b.log.Warn("event forwarder failed", map[string]interface{}{
						"topic": string(topic), "error": err.Error(),
					})
				}
			}
		case <-b.stop:
			return
		}
	}
}

// Subscribe registers a handler for topic. Handlers for the same payment
// id see events in publish order; there is no ordering guarantee across
// payments.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
	if _, ok := b.queues[topic]; !ok {
		b.mu.Unlock()
		b.queueFor(topic)
		b.mu.Lock()
	}
}

// Publish enqueues payload under topic. Returns an error if the topic's
// queue is full rather than blocking or dropping.
func (b *Bus) Publish(topic Topic, id uuid.UUID, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "marshaling event payload")
	}
	env := Envelope{Topic: topic, ID: id, Ts: time.Now().UTC(), Payload: raw}

	q := b.queueFor(topic)
	select {
	case q <- env:
		return nil
	default:
		return clearingerrors.Wrap(clearingerrors.ErrInternal, "event bus queue overflow for topic "+string(topic))
	}
}

// Close stops all dispatcher goroutines. Events still queued are dropped;
// callers that need graceful drain should stop publishing first.
func (b *Bus) Close() {
	close(b.stop)
	b.wg.Wait()
}
