package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"productchat/internal/metrics"
	"productchat/internal/queue"
	"productchat/internal/storage"
)

// UsageStore is the slice of the store the worker writes to.
type UsageStore interface {
	InsertUsage(ctx context.Context, rec storage.UsageRecord) error
	DeleteStaleEmptyConversations(ctx context.Context, olderThan time.Duration) (int, error)
}

// SessionEvictor drops idle in-memory chat sessions.
type SessionEvictor interface {
	EvictIdleSessions(ttl time.Duration) int
}

// Worker drains the usage stream into the ledger and runs the periodic
// maintenance sweep.
type Worker struct {
	store           UsageStore
	queue           *queue.StreamQueue
	evictor         SessionEvictor
	maxJobRetries   int
	cleanupInterval time.Duration
	staleAfter      time.Duration
	sessionTTL      time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

type Config struct {
	Store           UsageStore
	Queue           *queue.StreamQueue
	Evictor         SessionEvictor
	MaxJobRetries   int
	CleanupInterval time.Duration
	StaleAfter      time.Duration
	SessionTTL      time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	return &Worker{
		store:           cfg.Store,
		queue:           cfg.Queue,
		evictor:         cfg.Evictor,
		maxJobRetries:   cfg.MaxJobRetries,
		cleanupInterval: cfg.CleanupInterval,
		staleAfter:      cfg.StaleAfter,
		sessionTTL:      cfg.SessionTTL,
		logger:          cfg.Logger,
		metrics:         m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintenanceLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.UsageRecords.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.UsageJobFailures.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("usage job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			// Terminal failure. The ledger loses one row; chat is unaffected.
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.UsageJob) error {
	return w.store.InsertUsage(ctx, storage.UsageRecord{
		UserID:         job.UserID,
		Email:          job.Email,
		Model:          job.Model,
		InputTokens:    job.InputTokens,
		OutputTokens:   job.OutputTokens,
		Cost:           job.Cost,
		ConversationID: job.ConversationID,
		Timestamp:      job.EnqueuedAt,
	})
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runMaintenance(ctx)
		}
	}
}

func (w *Worker) runMaintenance(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := w.store.DeleteStaleEmptyConversations(sweepCtx, w.staleAfter)
	if err != nil {
		w.logger.Error().Err(err).Msg("stale conversation sweep failed")
	} else if n > 0 {
		w.metrics.ConversationsCleaned.Add(float64(n))
		w.logger.Info().Int("deleted", n).Msg("swept stale empty conversations")
	}

	if w.evictor != nil {
		if evicted := w.evictor.EvictIdleSessions(w.sessionTTL); evicted > 0 {
			w.logger.Info().Int("evicted", evicted).Msg("evicted idle sessions")
		}
	}
}
