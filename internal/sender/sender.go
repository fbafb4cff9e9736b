package sender

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/mesh-control/internal/models"
)

type StatusRepository interface {
	UpdateServiceStatuses(ctx context.Context, events []models.HealthEvent) (int, error)
}

// Controller drains health events from the registry's notifier into the
// status repository. Events the repository rejects are parked in an unsent
// queue and retried on a ticker so a database hiccup never loses a
// transition.
type Controller struct {
	events      chan models.HealthEvent
	ttlTicker   *time.Ticker
	statusRepo  StatusRepository
	unsentGuard sync.Mutex
	unsent      []models.HealthEvent
}

func NewController(
	eventCh chan models.HealthEvent,
	statusRepo StatusRepository,
	retryInterval time.Duration,
) *Controller {
	return &Controller{
		events:     eventCh,
		statusRepo: statusRepo,
		ttlTicker:  time.NewTicker(retryInterval),
		unsent:     make([]models.HealthEvent, 0),
	}
}

func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.ttlTicker.C:
			if !ok {
				return
			}
			c.sendUnsentEvents(ctx)
		case event, ok := <-c.events:
			if !ok {
				return
			}
			err := retry.Do(
				func() error {
					_, err := c.statusRepo.UpdateServiceStatuses(ctx, []models.HealthEvent{event})
					return err
				},
				retry.Attempts(3),
			)
			if err != nil {
				log.Error().Err(err).Msg("failed to save health event, put it into unsent queue")
				c.unsentGuard.Lock()
				c.unsent = append(c.unsent, event)
				c.unsentGuard.Unlock()
			}
		}
	}
}

func (c *Controller) sendUnsentEvents(ctx context.Context) {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()

	if len(c.unsent) == 0 {
		return
	}
	done, err := c.statusRepo.UpdateServiceStatuses(ctx, c.unsent)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to flush unsent health events: done %d", done)

		newUnsent := make([]models.HealthEvent, len(c.unsent)-done)
		copy(newUnsent, c.unsent[done:])
		c.unsent = newUnsent
		return
	}
	c.unsent = c.unsent[:0]
}
