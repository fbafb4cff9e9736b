package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/mesh-control/internal/models"
	"github.com/Sh00ty/mesh-control/internal/publisher"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	calls    int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]kafka.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

func (w *fakeWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func testPolicy(version uint64) models.Policy {
	return models.Policy{Name: "orders", Host: "orders.svc", Version: version}
}

func awaitOutcome(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("publish outcome never resolved")
		return nil
	}
}

func TestPublish_DeliversKeyedByRuleName(t *testing.T) {
	w := &fakeWriter{}
	p := publisher.NewPool(w, 2, 16, zerolog.Nop())
	p.Run(context.Background())
	defer p.Close()

	require.NoError(t, awaitOutcome(t, p.Publish(testPolicy(3))))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("orders"), msgs[0].Key)

	var got models.Policy
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.EqualValues(t, 3, got.Version)
	assert.Equal(t, "orders.svc", got.Host)
}

func TestPublish_BrokerFailureRetriedThenWrapped(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	p := publisher.NewPool(w, 1, 16, zerolog.Nop())
	p.Run(context.Background())
	defer p.Close()

	err := awaitOutcome(t, p.Publish(testPolicy(1)))

	var derr *models.DependencyError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 3, w.callCount())
}

func TestPublish_QueueFullFailsFast(t *testing.T) {
	// no workers running, buffer of one: the second publish finds a full queue
	p := publisher.NewPool(&fakeWriter{}, 1, 1, zerolog.Nop())

	first := p.Publish(testPolicy(1))
	err := awaitOutcome(t, p.Publish(testPolicy(2)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")

	select {
	case <-first:
		t.Fatal("queued publish resolved without a worker")
	default:
	}
}

func TestPublish_AfterCloseFailsFast(t *testing.T) {
	w := &fakeWriter{}
	p := publisher.NewPool(w, 1, 16, zerolog.Nop())
	p.Run(context.Background())
	p.Close()

	err := awaitOutcome(t, p.Publish(testPolicy(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestPublish_ConcurrentWithClose(t *testing.T) {
	w := &fakeWriter{}
	p := publisher.NewPool(w, 2, 4, zerolog.Nop())
	p.Run(context.Background())

	// hammer Publish from many goroutines while Close runs: every call must
	// resolve with a written message or an error, never a send on a closed
	// channel
	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := uint64(0); i < 200; i++ {
				_ = <-p.Publish(testPolicy(i))
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	p.Close()
	wg.Wait()
}

func TestClose_DrainsInFlightPublishes(t *testing.T) {
	w := &fakeWriter{}
	p := publisher.NewPool(w, 4, 16, zerolog.Nop())
	p.Run(context.Background())

	outcomes := make([]<-chan error, 0, 8)
	for i := uint64(1); i <= 8; i++ {
		outcomes = append(outcomes, p.Publish(testPolicy(i)))
	}
	p.Close()

	for _, done := range outcomes {
		assert.NoError(t, awaitOutcome(t, done))
	}
	assert.Len(t, w.written(), 8)
}
