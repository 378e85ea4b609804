package worker

import (
	"context"
	"sync"
	"time"

	"go-gigmarket/model"

	"go.uber.org/zap"
)

type Source interface {
	Enqueue(ctx context.Context, ev model.Event) error
	Dequeue(ctx context.Context, blockFor time.Duration) (*model.Event, error)
}

type Sink interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Pool moves events from the outbox to subscribers. Delivery is
// at-least-once: a failed publish is re-enqueued with exponential backoff
// and dropped after MaxRetries.
type Pool struct {
	source     Source
	sink       Sink
	logger     *zap.Logger
	MaxRetries int
	BaseDelay  time.Duration
	BlockFor   time.Duration
}

func New(source Source, sink Sink, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		source:     source,
		sink:       sink,
		logger:     logger.Named("worker"),
		MaxRetries: 3,
		BaseDelay:  time.Second,
		BlockFor:   2 * time.Second,
	}
}

func (p *Pool) Start(ctx context.Context, workerCount int, wg *sync.WaitGroup) {
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := p.logger.With(zap.Int("worker", id))
			for {
				select {
				case <-ctx.Done():
					log.Info("shutting down")
					return
				default:
				}

				ev, err := p.source.Dequeue(ctx, p.BlockFor)
				if err != nil {
					if ctx.Err() != nil {
						continue
					}
					log.Warn("dequeue error", zap.Error(err))
					sleep(ctx, p.BlockFor)
					continue
				}
				if ev == nil {
					continue
				}
				p.deliver(ctx, log, *ev)
			}
		}(i + 1)
	}
}

func (p *Pool) deliver(ctx context.Context, log *zap.Logger, ev model.Event) {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.Int64("task_id", ev.TaskID),
	}
	err := p.sink.Publish(ctx, ev)
	if err == nil {
		log.Debug("event published", fields...)
		return
	}

	if ev.Retries >= p.MaxRetries {
		log.Error("event dropped after retries", append(fields, zap.Int("retries", ev.Retries), zap.Error(err))...)
		return
	}
	ev.Retries++
	delay := p.BaseDelay * time.Duration(1<<ev.Retries)
	log.Warn("retrying event", append(fields, zap.Duration("delay", delay), zap.Int("attempt", ev.Retries), zap.Error(err))...)

	time.AfterFunc(delay, func() {
		if err := p.source.Enqueue(context.Background(), ev); err != nil {
			log.Error("failed to re-enqueue event", append(fields, zap.Error(err))...)
		}
	})
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
