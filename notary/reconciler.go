package notary

import (
	"context"
	"time"

	"github.com/datavern/exchange/lifecycle"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Reconciler retries notarization for completed transactions that still
// lack a ledger reference. A completed transaction may carry a null
// reference temporarily, never permanently: this loop is the mechanism
// that closes that gap. It never touches transactions awaiting approval.
type Reconciler struct {
	store     lifecycle.Store
	notarizer lifecycle.Notarizer
	interval  time.Duration
	batchSize int
	logger    cmtlog.Logger
}

func NewReconciler(store lifecycle.Store, notarizer lifecycle.Notarizer, interval time.Duration, logger cmtlog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		store:     store,
		notarizer: notarizer,
		interval:  interval,
		batchSize: 50,
		logger:    logger,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("notarization reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of pending notarizations. Failures are left
// flagged for the next sweep.
func (r *Reconciler) Sweep(ctx context.Context) {
	pending, err := r.store.ListPendingNotarizations(r.batchSize)
	if err != nil {
		r.logger.Error("failed to list pending notarizations", "err", err)
		return
	}

	for i := range pending {
		tx := &pending[i]
		ref, nErr := r.notarizer.Notarize(ctx, tx.ID, lifecycle.ContentHash(tx))
		if nErr != nil {
			r.logger.Error("notarization retry failed", "tx", tx.ID, "err", nErr)
			continue
		}
		if mErr := r.store.MarkNotarized(tx.ID, ref.TxHash, ref.BlockHeight); mErr != nil {
			r.logger.Error("failed to record ledger reference", "tx", tx.ID, "err", mErr)
			continue
		}
		r.logger.Info("notarization reconciled", "tx", tx.ID, "ledger_tx", ref.TxHash, "height", ref.BlockHeight)
	}
}
