// Package worker provides the background loop that drains the mutation
// queue against the server of record.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/logging"
	"github.com/herdwork/showbarn/backend/internal/models"
	"github.com/herdwork/showbarn/backend/internal/sync/conflict"
	"github.com/herdwork/showbarn/backend/internal/sync/queue"
	"github.com/herdwork/showbarn/backend/internal/sync/transport"
)

// Hooks are optional callbacks fired after a mutation reaches a terminal
// outcome or parks in conflict. Nil hooks are skipped.
type Hooks struct {
	OnCompleted func(item *models.SyncQueueItem)
	OnFailed    func(item *models.SyncQueueItem)
	OnConflict  func(item *models.SyncQueueItem, c *models.SyncConflict)
}

// Config holds worker configuration.
type Config struct {
	Concurrency  int           // parallel pushes (default: 4)
	PollInterval time.Duration // how often to check for due retries (default: 1 second)
	PushTimeout  time.Duration // per-push deadline (default: 30 seconds)
}

// DefaultConfig returns default worker configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  4,
		PollInterval: 1 * time.Second,
		PushTimeout:  30 * time.Second,
	}
}

// Worker drains dispatchable mutations from the queue and pushes them to
// the reconciler. Mutations for the same record are never in flight
// concurrently: the queue only hands out an item once every earlier
// mutation for its record has settled, and the dispatcher marks each item
// processing before handing it to the pool.
type Worker struct {
	queue    *queue.MutationQueue
	resolver *conflict.Resolver
	client   transport.Reconciler
	hooks    Hooks

	concurrency  int
	pollInterval time.Duration
	pushTimeout  time.Duration

	stopCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	isOnline  bool
}

// NewWorker creates a new Worker.
func NewWorker(q *queue.MutationQueue, resolver *conflict.Resolver, client transport.Reconciler, hooks Hooks, config *Config) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = 1 * time.Second
	}
	pushTimeout := config.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = 30 * time.Second
	}

	return &Worker{
		queue:        q,
		resolver:     resolver,
		client:       client,
		hooks:        hooks,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		pushTimeout:  pushTimeout,
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		isOnline:     true,
	}
}

// Start recovers interrupted work and launches the dispatch loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = true
	// A fresh channel per run; the previous one was closed by Stop.
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	recovered, err := w.queue.Recover()
	if err != nil {
		w.mu.Lock()
		w.isRunning = false
		w.mu.Unlock()
		return err
	}
	if recovered > 0 {
		logging.Info("Recovered interrupted mutations",
			map[string]interface{}{"count": recovered})
	}

	w.wg.Add(1)
	go w.dispatchLoop(ctx, stopCh)

	logging.Info("Sync worker started",
		map[string]interface{}{"concurrency": w.concurrency})
	return nil
}

// Stop stops the worker and waits for in-flight pushes to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	logging.Info("Sync worker stopped", nil)
}

// SetOnline changes connectivity. Going online wakes the dispatcher so
// queued work drains immediately instead of waiting for the next poll.
func (w *Worker) SetOnline(online bool) {
	w.mu.Lock()
	wasOnline := w.isOnline
	w.isOnline = online
	w.mu.Unlock()

	if wasOnline != online {
		logging.Info("Online status changed",
			map[string]interface{}{"is_online": online})
	}
	if online {
		w.Wake()
	}
}

// IsOnline returns whether the worker attempts pushes.
func (w *Worker) IsOnline() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isOnline
}

// IsRunning returns whether the worker is running.
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isRunning
}

// Wake nudges the dispatcher outside its poll interval. Called after an
// enqueue so a fresh mutation does not wait for the next tick.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// dispatchLoop polls for dispatchable mutations and pushes them through a
// bounded pool until stopped.
func (w *Worker) dispatchLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}

		if !w.IsOnline() {
			continue
		}
		w.drain(ctx, stopCh)
	}
}

// drain pushes every currently dispatchable mutation, at most concurrency
// at a time. Items are flipped to processing before the push starts so a
// second drain pass cannot pick them up again.
func (w *Worker) drain(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		items, err := w.queue.Dispatchable(w.concurrency)
		if err != nil {
			logging.ErrorWithCode("Failed to list dispatchable mutations",
				string(errors.ErrDatabase), err, nil)
			return
		}
		if len(items) == 0 {
			return
		}

		var batch sync.WaitGroup
		for _, item := range items {
			if _, err := w.queue.MarkProcessing(item.ID.String()); err != nil {
				logging.ErrorWithCode("Failed to claim mutation",
					string(errors.ErrDatabase), err,
					map[string]interface{}{"item_id": item.ID.String()})
				continue
			}

			batch.Add(1)
			go func(item *models.SyncQueueItem) {
				defer batch.Done()
				w.process(ctx, item)
			}(item)
		}
		batch.Wait()
	}
}

// process pushes one claimed mutation and records the verdict.
func (w *Worker) process(ctx context.Context, item *models.SyncQueueItem) {
	pushCtx, cancel := context.WithTimeout(ctx, w.pushTimeout)
	defer cancel()

	result, err := w.client.Push(pushCtx, transport.NewPushRequest(item))
	if err != nil {
		w.handlePushError(item, err)
		return
	}

	if result.Applied {
		done, err := w.queue.MarkCompleted(item.ID.String(), result.NewVersion)
		if err != nil {
			logging.ErrorWithCode("Failed to complete mutation",
				string(errors.ErrDatabase), err,
				map[string]interface{}{"item_id": item.ID.String()})
			return
		}
		if w.hooks.OnCompleted != nil {
			w.hooks.OnCompleted(done)
		}
		return
	}

	w.handleConflict(item, result)
}

// handlePushError routes a push failure to retry or permanent failure.
// OnFailed fires only when the failure is terminal, not for a failure that
// still has a retry scheduled.
func (w *Worker) handlePushError(item *models.SyncQueueItem, cause error) {
	var failed *models.SyncQueueItem
	var err error

	if errors.Is(cause, errors.ErrTransientNetwork) || errors.Is(cause, errors.ErrSyncTimeout) {
		failed, err = w.queue.MarkFailed(item.ID.String(), cause)
	} else {
		// The server will never accept this mutation as sent
		failed, err = w.queue.Abort(item.ID.String(), cause)
	}
	if err != nil {
		logging.ErrorWithCode("Failed to record push failure",
			string(errors.ErrDatabase), err,
			map[string]interface{}{"item_id": item.ID.String()})
		return
	}

	if failed.IsTerminal() && w.hooks.OnFailed != nil {
		w.hooks.OnFailed(failed)
	}
}

// handleConflict parks a rejected mutation and records the conflict. A
// server-side delete is settled immediately as server wins; anything else
// waits for review.
func (w *Worker) handleConflict(item *models.SyncQueueItem, result *transport.PushResult) {
	parked, err := w.queue.MarkConflict(item.ID.String())
	if err != nil {
		logging.ErrorWithCode("Failed to park conflicted mutation",
			string(errors.ErrDatabase), err,
			map[string]interface{}{"item_id": item.ID.String()})
		return
	}

	c, err := w.resolver.Record(parked, result.ServerData, result.ServerVersion)
	if err != nil {
		logging.ErrorWithCode("Failed to record conflict",
			string(errors.ErrDatabase), err,
			map[string]interface{}{"item_id": item.ID.String()})
		return
	}

	if auto := conflict.AutoResolution(result.ServerDeleted); auto != "" {
		// The queue moves first. If closing the conflict record fails the
		// conflict stays open and a later resolution finds the item already
		// settled, instead of a closed conflict pinning the record forever.
		settled, err := w.queue.Discard(parked.ID.String(), result.ServerVersion)
		if err != nil {
			logging.ErrorWithCode("Failed to discard conflicted mutation",
				string(errors.ErrDatabase), err,
				map[string]interface{}{"item_id": parked.ID.String()})
			return
		}
		if _, err := w.resolver.Resolve(c.ID.String(), auto); err != nil {
			logging.ErrorWithCode("Failed to auto-resolve conflict",
				string(errors.ErrDatabase), err,
				map[string]interface{}{"conflict_id": c.ID.String()})
			return
		}
		c.Resolution = string(auto)
		if w.hooks.OnConflict != nil {
			w.hooks.OnConflict(settled, c)
		}
		// Later mutations for the record are unblocked now
		w.Wake()
		return
	}

	if w.hooks.OnConflict != nil {
		w.hooks.OnConflict(parked, c)
	}
}
