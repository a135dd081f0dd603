package admission

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyblockdynamic/nestworld/pkg/kernel"
	"github.com/skyblockdynamic/nestworld/pkg/log"
	"github.com/skyblockdynamic/nestworld/pkg/metrics"
	"github.com/skyblockdynamic/nestworld/pkg/store"
	"github.com/skyblockdynamic/nestworld/pkg/types"
)

const (
	// admitTimeout bounds one tick's work. Admitting an entry clones or
	// starts a container and waits for its address, so the deadline must
	// be far larger than the poll interval.
	admitTimeout = 10 * time.Minute

	// staleProcessingAfter is how long a PROCESSING entry may sit
	// untouched before it is handed back to PENDING. Entries go stale
	// when a worker dies mid-admission; the cutoff exceeds admitTimeout
	// so a live admission is never stolen.
	staleProcessingAfter = 15 * time.Minute
)

// Worker drains the creation and start queues whenever the running cap
// has room. Each tick admits at most one entry per queue so a burst of
// capacity is still handed out oldest-first.
type Worker struct {
	store    store.Store
	kernel   *kernel.Kernel
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker builds an admission worker polling at the given interval.
func NewWorker(st store.Store, k *kernel.Kernel, interval time.Duration) *Worker {
	return &Worker{
		store:    st,
		kernel:   k,
		interval: interval,
		logger:   log.WithComponent("admission"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Worker) Start() {
	go w.run()
	w.logger.Info().Dur("interval", w.interval).Msg("admission worker started")
}

// Stop shuts the loop down and waits for the current tick to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), admitTimeout)
			w.Tick(ctx)
			cancel()
		}
	}
}

// Tick admits at most one creation and one start if capacity allows.
// Exported so tests and the reconciler can drive it synchronously.
func (w *Worker) Tick(ctx context.Context) {
	w.requeueStale(ctx)
	w.updateQueueGauges(ctx)

	ok, err := w.kernel.HasCapacity(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to check capacity")
		return
	}
	if !ok {
		return
	}

	w.admitCreation(ctx)

	// Re-check: the creation above does not hold a slot, but another
	// process may have taken one meanwhile.
	ok, err = w.kernel.HasCapacity(ctx)
	if err != nil || !ok {
		return
	}
	w.admitStart(ctx)
}

// requeueStale returns PROCESSING entries abandoned by a dead worker
// to PENDING so the owning player is not stuck forever.
func (w *Worker) requeueStale(ctx context.Context) {
	cutoff := time.Now().Add(-staleProcessingAfter)
	if n, err := w.store.RequeueStaleCreationEntries(ctx, cutoff); err != nil {
		w.logger.Error().Err(err).Msg("failed to requeue stale creation entries")
	} else if n > 0 {
		w.logger.Warn().Int64("count", n).Msg("requeued stale creation entries")
	}
	if n, err := w.store.RequeueStaleStartEntries(ctx, cutoff); err != nil {
		w.logger.Error().Err(err).Msg("failed to requeue stale start entries")
	} else if n > 0 {
		w.logger.Warn().Int64("count", n).Msg("requeued stale start entries")
	}
}

func (w *Worker) admitCreation(ctx context.Context) {
	entry, err := w.store.NextPendingCreation(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read creation queue")
		return
	}

	if err := w.store.SetCreationStatus(ctx, entry.ID, types.QueueProcessing); err != nil {
		w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to claim creation entry")
		return
	}

	if err := w.kernel.AdmitCreation(ctx, entry.PlayerUUID, entry.PlayerName); err != nil {
		if errors.Is(err, kernel.ErrCapacityExhausted) {
			// Lost the slot to a concurrent start; try again next tick.
			if err := w.store.SetCreationStatus(ctx, entry.ID, types.QueuePending); err != nil {
				w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to requeue creation entry")
			}
			return
		}
		w.logger.Error().Err(err).Str("player_uuid", entry.PlayerUUID).Msg("queued creation failed")
		if err := w.store.SetCreationStatus(ctx, entry.ID, types.QueueFailed); err != nil {
			w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to mark creation entry failed")
		}
		return
	}

	if err := w.store.DeleteCreationEntry(ctx, entry.ID); err != nil {
		w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to drop creation entry")
	}
	w.logger.Info().Str("player_uuid", entry.PlayerUUID).Msg("queued creation admitted")
}

func (w *Worker) admitStart(ctx context.Context) {
	entry, err := w.store.NextPendingStart(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read start queue")
		return
	}

	if err := w.store.SetStartStatus(ctx, entry.ID, types.QueueProcessing); err != nil {
		w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to claim start entry")
		return
	}

	if err := w.kernel.AdmitStart(ctx, entry.PlayerUUID); err != nil {
		if errors.Is(err, kernel.ErrCapacityExhausted) {
			if err := w.store.SetStartStatus(ctx, entry.ID, types.QueuePending); err != nil {
				w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to requeue start entry")
			}
			return
		}
		w.logger.Error().Err(err).Str("player_uuid", entry.PlayerUUID).Msg("queued start failed")
		if err := w.store.SetStartStatus(ctx, entry.ID, types.QueueFailed); err != nil {
			w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to mark start entry failed")
		}
		return
	}

	if err := w.store.DeleteStartEntry(ctx, entry.ID); err != nil {
		w.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("failed to drop start entry")
	}
	w.logger.Info().Str("player_uuid", entry.PlayerUUID).Msg("queued start admitted")
}

func (w *Worker) updateQueueGauges(ctx context.Context) {
	if n, err := w.store.CountCreationPending(ctx); err == nil {
		metrics.QueueDepth.WithLabelValues("creation").Set(float64(n))
	}
	if n, err := w.store.CountStartPending(ctx); err == nil {
		metrics.QueueDepth.WithLabelValues("start").Set(float64(n))
	}
	if n, err := w.store.CountIslandsByStatus(ctx, types.StatusRunning); err == nil {
		metrics.IslandsRunning.Set(float64(n))
	}
}
