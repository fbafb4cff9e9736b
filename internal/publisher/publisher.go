package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/mesh-control/internal/models"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type task struct {
	policy models.Policy
	done   chan error
}

// Pool pushes accepted policies to the data-plane topic from a bounded
// worker pool. Callers get a future-style channel and are never blocked on
// broker acknowledgment.
type Pool struct {
	concurrency uint16
	inputChan   chan task
	writer      MessageWriter

	closed     atomic.Bool
	inProgress atomic.Int64
	close      chan struct{}

	log zerolog.Logger
}

func NewPool(writer MessageWriter, concurrency uint16, buffer uint32, logger zerolog.Logger) *Pool {
	return &Pool{
		concurrency: concurrency,
		inputChan:   make(chan task, buffer),
		writer:      writer,
		close:       make(chan struct{}),
		log:         logger.With().Str("component", "data-plane-publisher").Logger(),
	}
}

// NewKafkaWriter builds the writer for the data-plane policy topic, keyed
// by rule name so one rule's updates stay ordered within a partition.
func NewKafkaWriter(addr string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func (p *Pool) Run(ctx context.Context) {
	for i := uint16(0); i < p.concurrency; i++ {
		i := i
		go func() {
			for t := range p.inputChan {
				t.done <- p.write(ctx, t.policy)
				close(t.done)
				p.log.Debug().Msgf("publisher [%d] pushed policy %s v%d", i, t.policy.Name, t.policy.Version)
			}
		}()
	}
}

// Publish enqueues one policy snapshot. The returned channel resolves with
// the publish outcome; a full queue or a closed pool resolves immediately
// with an error instead of blocking the caller.
func (p *Pool) Publish(policy models.Policy) <-chan error {
	done := make(chan error, 1)
	// registered before the closed check: Close waits for in-progress
	// callers before it closes the input channel, so a caller that saw the
	// pool open can never send into a closed channel
	p.inProgress.Add(1)
	defer p.inProgress.Add(-1)
	if p.closed.Load() {
		done <- fmt.Errorf("publisher already closed")
		close(done)
		return done
	}

	select {
	case p.inputChan <- task{policy: policy, done: done}:
	case <-p.close:
		done <- fmt.Errorf("failed to enqueue policy publish: closed")
		close(done)
	default:
		done <- fmt.Errorf("failed to enqueue policy publish: queue full")
		close(done)
	}
	return done
}

func (p *Pool) write(ctx context.Context, policy models.Policy) error {
	payload, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy %s: %w", policy.Name, err)
	}
	err = retry.Do(
		func() error {
			return p.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(policy.Name),
				Value: payload,
			})
		},
		retry.Attempts(3),
		retry.Context(ctx),
	)
	if err != nil {
		p.log.Error().Err(err).
			Str("rule", policy.Name.String()).
			Uint64("version", policy.Version).
			Msg("failed to publish policy to data plane")
		return &models.DependencyError{Collaborator: "data-plane publisher", Err: err}
	}
	return nil
}

func (p *Pool) Close() {
	p.closed.Store(true)
	close(p.close)
	for p.inProgress.Load() != 0 {
		runtime.Gosched()
	}
	close(p.inputChan)
}
