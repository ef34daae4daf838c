// Package outbox delivers vector writes that failed their in-line attempts.
// Rows in sync_operations are the durable record; the worker retries them in
// the background until they land or hit the retry ceiling.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrydev/quarry/store"
)

// Options tune the worker loop.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
}

// Worker polls pending sync operations and replays them against the vector
// store.
type Worker struct {
	outbox  store.OutboxStore
	vectors store.VectorStore
	opts    Options
	log     zerolog.Logger
}

func NewWorker(outbox store.OutboxStore, vectors store.VectorStore, opts Options, log zerolog.Logger) *Worker {
	opts.applyDefaults()
	return &Worker{
		outbox:  outbox,
		vectors: vectors,
		opts:    opts,
		log:     log.With().Str("component", "outbox").Logger(),
	}
}

// Run polls until ctx is done, then makes one final drain pass so a clean
// shutdown leaves as little behind as possible.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), w.opts.PollInterval)
			w.Drain(drainCtx)
			cancel()
			return nil
		case <-ticker.C:
			if n, err := w.processBatch(ctx); err != nil {
				w.log.Warn().Err(err).Msg("outbox pass failed")
			} else if n > 0 {
				w.log.Debug().Int("delivered", n).Msg("outbox pass finished")
			}
		}
	}
}

// Drain processes batches until the queue is empty or ctx expires.
func (w *Worker) Drain(ctx context.Context) {
	for {
		n, err := w.processBatch(ctx)
		if err != nil || n == 0 {
			return
		}
	}
}

// processBatch delivers one batch of pending operations. Returns the number
// delivered.
func (w *Worker) processBatch(ctx context.Context) (int, error) {
	ops, err := w.outbox.Pending(ctx, w.opts.BatchSize, w.opts.MaxRetries)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, op := range ops {
		if ctx.Err() != nil {
			return delivered, nil
		}
		if err := w.deliver(ctx, op); err != nil {
			if markErr := w.outbox.MarkFailed(ctx, op.ID, err.Error(), w.opts.MaxRetries); markErr != nil {
				w.log.Error().Err(markErr).Int64("op", op.ID).Msg("failed to record delivery failure")
			}
			w.log.Warn().Err(err).Int64("op", op.ID).Str("chunk", op.ChunkID).Int("retries", op.RetryCount+1).Msg("delivery failed")
			continue
		}
		if err := w.outbox.MarkCompleted(ctx, op.ID); err != nil {
			w.log.Error().Err(err).Int64("op", op.ID).Msg("failed to mark operation completed")
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (w *Worker) deliver(ctx context.Context, op store.SyncOperation) error {
	var vector []float32
	if err := json.Unmarshal(op.Embedding, &vector); err != nil {
		return err
	}
	payload := map[string]string{}
	if len(op.Metadata) > 0 {
		if err := json.Unmarshal(op.Metadata, &payload); err != nil {
			return err
		}
	}

	return w.vectors.Save(ctx, op.ProjectID, []store.VectorPoint{{
		ID:      op.ChunkID,
		Vector:  vector,
		Payload: payload,
	}})
}
