package eventbus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"settlerail/pkg/logger"
)

func TestPublishSubscribe_DeliversPayload(t *testing.T) {
	b := NewBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var got string
	done := make(chan struct{})
	b.Subscribe(TopicWindowOpened, func(env Envelope) {
		mu.Lock()
		var payload struct{ Region string }
		_ = json.Unmarshal(env.Payload, &payload)
		got = payload.Region
		mu.Unlock()
		close(done)
	})

	err := b.Publish(TopicWindowOpened, uuid.New(), map[string]string{"Region": "EU"})
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "EU", got)
}

func TestPublish_QueueOverflowReturnsError(t *testing.T) {
	b := NewBus(logger.NewNop())
	defer b.Close()

	b.queueDepth = 2
	block := make(chan struct{})
	b.Subscribe(TopicLedgerEventAppended, func(env Envelope) {
		<-block // stall the dispatcher so the queue fills up
	})

	var lastErr error
	for i := 0; i < 10; i++ {
		if err := b.Publish(TopicLedgerEventAppended, uuid.New(), map[string]int{"i": i}); err != nil {
			lastErr = err
			break
		}
	}
	close(block)
	assert.Error(t, lastErr)
}

func TestAdminFeed_IgnoresNonOperatorTopics(t *testing.T) {
	f := NewAdminFeed(logger.NewNop())
	err := f.Forward(Envelope{Topic: TopicObligationCreated})
	assert.NoError(t, err)
}
