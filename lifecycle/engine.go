// Package lifecycle implements the data-access transaction state machine:
// it validates transition legality, sequences the Subject and Holder
// approvals, and triggers policy synthesis, settlement, and ledger
// notarization at the correct points. The engine keeps no state of its
// own; all transaction state lives in the Store, and the store's
// compare-and-swap on status is the only concurrency control.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/datavern/exchange/policy"
	"github.com/datavern/exchange/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

// Store is the durable transaction store consumed by the engine.
// CompareAndSetStatus must only apply when the stored status still equals
// the expected status, and report a conflict otherwise.
type Store interface {
	CreateTransaction(tx *models.DataTransaction) *Error
	GetTransaction(id string) (*models.DataTransaction, *Error)
	GetAsset(id string) (*models.DataAsset, *Error)
	// CompareAndSetStatus atomically moves id from expected to next,
	// applies updates, and appends rec to the approval history, all in
	// one write. Returns CONCURRENCY_CONFLICT when the stored status no
	// longer matches expected; on any failure no history is appended.
	CompareAndSetStatus(id, expected, next string, updates map[string]any, rec models.ApprovalRecord) *Error
	// UpdateTerms replaces the commercial terms, only while the stored
	// status is still "initiated".
	UpdateTerms(id string, price float64, currency string, durationDays int) *Error
	MarkNotarized(id, txHash string, blockHeight int64) *Error
	FlagNotarizationPending(id string) *Error
	ListPendingNotarizations(limit int) ([]models.DataTransaction, *Error)
}

// Settler debits the consumer and credits the subject side atomically.
type Settler interface {
	Settle(ctx context.Context, transactionID, fromOrg, toOrg string, amount float64, currency string) *Error
}

// LedgerRef points at a notarization record on the external ledger.
type LedgerRef struct {
	TxHash      string
	BlockHeight int64
}

// Notarizer submits a content hash to the append-only ledger. It must be
// idempotent by transaction identifier: re-submitting for an already
// notarized transaction returns the original reference.
type Notarizer interface {
	Notarize(ctx context.Context, transactionID, contentHash string) (*LedgerRef, *Error)
}

// Synthesizer derives a usage-rights document from commercial terms.
type Synthesizer func(policy.Terms) (*policy.Document, error)

// Engine is the approval orchestrator. It is safe for concurrent use
// across any number of transactions; concurrent transitions on the same
// transaction are serialized by the store's compare-and-swap.
type Engine struct {
	store      Store
	settler    Settler
	notarizer  Notarizer
	synthesize Synthesizer
	logger     cmtlog.Logger
}

// NewEngine wires the orchestrator. A nil synthesizer defaults to
// policy.Synthesize.
func NewEngine(store Store, settler Settler, notarizer Notarizer, synthesize Synthesizer, logger cmtlog.Logger) *Engine {
	if synthesize == nil {
		synthesize = policy.Synthesize
	}
	return &Engine{
		store:      store,
		settler:    settler,
		notarizer:  notarizer,
		synthesize: synthesize,
		logger:     logger,
	}
}

// CreateParams describe a Consumer's new access request. Zero price and
// duration fall back to the asset's default terms.
type CreateParams struct {
	ConsumerOrgID string
	AssetID       string
	UnitPrice     *float64
	Currency      string
	DurationDays  int
}

// Create opens a new transaction in "initiated". Parties are resolved
// from the asset and immutable afterwards.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.DataTransaction, *Error) {
	asset, err := e.store.GetAsset(p.AssetID)
	if err != nil {
		return nil, err
	}

	price := asset.UnitPrice
	if p.UnitPrice != nil {
		price = *p.UnitPrice
	}
	if price < 0 {
		return nil, &Error{
			Code:    ErrCodePolicySynthesis,
			Message: "Invalid commercial terms",
			Detail:  fmt.Sprintf("unit price must be non-negative, got %.2f", price),
		}
	}
	currency := p.Currency
	if currency == "" {
		currency = asset.Currency
	}
	duration := p.DurationDays
	if duration == 0 {
		duration = asset.DurationDays
	}

	tx := &models.DataTransaction{
		ID:            fmt.Sprintf("DTX-%s", uuid.NewString()),
		ConsumerOrgID: p.ConsumerOrgID,
		SubjectOrgID:  asset.SubjectOrgID,
		HolderOrgID:   asset.HolderOrgID,
		AssetID:       asset.ID,
		Action:        asset.Action,
		UnitPrice:     price,
		Currency:      currency,
		DurationDays:  duration,
		Status:        StatusInitiated,
	}
	if err := e.store.CreateTransaction(tx); err != nil {
		return nil, err
	}
	e.logger.Info("transaction created", "tx", tx.ID, "consumer", p.ConsumerOrgID, "asset", asset.ID)
	return tx, nil
}

// Get returns a transaction with its approval history.
func (e *Engine) Get(ctx context.Context, id string) (*models.DataTransaction, *Error) {
	return e.store.GetTransaction(id)
}

// UpdateTerms changes price/currency/duration. Terms freeze the instant
// the transaction leaves "initiated"; later attempts are rejected.
func (e *Engine) UpdateTerms(ctx context.Context, id string, price float64, currency string, durationDays int) *Error {
	tx, err := e.store.GetTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != StatusInitiated {
		return &Error{
			Code:    ErrCodeInvalidTransition,
			Message: "Commercial terms are frozen",
			Detail:  fmt.Sprintf("terms are immutable once status leaves %q, current status is %q", StatusInitiated, tx.Status),
		}
	}
	if price < 0 {
		return &Error{
			Code:    ErrCodePolicySynthesis,
			Message: "Invalid commercial terms",
			Detail:  fmt.Sprintf("unit price must be non-negative, got %.2f", price),
		}
	}
	return e.store.UpdateTerms(id, price, currency, durationDays)
}

// Submit moves initiated -> pending_subject on behalf of the Consumer.
func (e *Engine) Submit(ctx context.Context, id, actorOrgID string) (*models.DataTransaction, *Error) {
	return e.transition(ctx, id, EventSubmit, models.ApprovalRecord{
		ActorRole:  RoleConsumer,
		ActorOrgID: actorOrgID,
		Decision:   "submitted",
	}, nil)
}

// Cancel moves initiated -> cancelled. Cancellation is only explicit and
// only from "initiated"; there is no timeout-based expiry.
func (e *Engine) Cancel(ctx context.Context, id, actorOrgID, reason string) (*models.DataTransaction, *Error) {
	return e.transition(ctx, id, EventCancel, models.ApprovalRecord{
		ActorRole:  RoleConsumer,
		ActorOrgID: actorOrgID,
		Decision:   "cancelled",
		Reason:     reason,
	}, nil)
}

// SubjectDecision records the legal/commercial owner's approval or
// denial. A Holder acting during pending_subject receives the same
// INVALID_TRANSITION as any other out-of-order event.
func (e *Engine) SubjectDecision(ctx context.Context, id, actorOrgID string, approve bool, reason string) (*models.DataTransaction, *Error) {
	event := EventSubjectApprove
	decision := "approved"
	if !approve {
		event = EventSubjectDeny
		decision = "denied"
	}
	return e.transition(ctx, id, event, models.ApprovalRecord{
		ActorRole:  RoleSubject,
		ActorOrgID: actorOrgID,
		Decision:   decision,
		Reason:     reason,
	}, nil)
}

// HolderDecision records the technical custodian's release or denial. On
// release the usage-rights policy is synthesized and attached in the same
// compare-and-swap; if synthesis fails the transition fails and status
// remains pending_holder.
func (e *Engine) HolderDecision(ctx context.Context, id, actorOrgID string, release bool, reason string) (*models.DataTransaction, *Error) {
	if !release {
		return e.transition(ctx, id, EventHolderDeny, models.ApprovalRecord{
			ActorRole:  RoleHolder,
			ActorOrgID: actorOrgID,
			Decision:   "denied",
			Reason:     reason,
		}, nil)
	}

	sideEffect := func(tx *models.DataTransaction) (map[string]any, *Error) {
		doc, err := e.synthesize(policy.Terms{
			TransactionID: tx.ID,
			AssetID:       tx.AssetID,
			Assigner:      tx.SubjectOrgID,
			Assignee:      tx.ConsumerOrgID,
			Action:        tx.Action,
			DurationDays:  tx.DurationDays,
		})
		if err != nil {
			return nil, &Error{
				Code:    ErrCodePolicySynthesis,
				Message: "Failed to synthesize usage policy",
				Detail:  err.Error(),
			}
		}
		raw, mErr := doc.Marshal()
		if mErr != nil {
			return nil, &Error{
				Code:    ErrCodePolicySynthesis,
				Message: "Failed to serialize usage policy",
				Detail:  mErr.Error(),
			}
		}
		return map[string]any{
			"policy_uid": doc.UID,
			"policy_doc": raw,
		}, nil
	}

	return e.transition(ctx, id, EventHolderRelease, models.ApprovalRecord{
		ActorRole:  RoleHolder,
		ActorOrgID: actorOrgID,
		Decision:   "released",
		Reason:     reason,
	}, sideEffect)
}

// Complete settles payment and closes the transaction. Settlement is
// synchronous and all-or-nothing: on failure the status stays "approved"
// and the call can be retried. Notarization is dispatched after the
// status change commits and never blocks or reverts it.
func (e *Engine) Complete(ctx context.Context, id string) (*models.DataTransaction, *Error) {
	sideEffect := func(tx *models.DataTransaction) (map[string]any, *Error) {
		if err := e.settler.Settle(ctx, tx.ID, tx.ConsumerOrgID, tx.SubjectOrgID, tx.UnitPrice, tx.Currency); err != nil {
			return nil, err
		}
		return map[string]any{"notary_pending": true}, nil
	}

	tx, err := e.transition(ctx, id, EventComplete, models.ApprovalRecord{
		ActorRole: RoleSystem,
		Decision:  "completed",
	}, sideEffect)
	if err != nil {
		return nil, err
	}

	go e.notarize(context.WithoutCancel(ctx), tx)
	return tx, nil
}

// sideEffectFn runs between the legality check and the compare-and-swap.
// The updates it returns are applied in the same write as the status
// change; an error aborts the transition with the stored status intact.
type sideEffectFn func(*models.DataTransaction) (map[string]any, *Error)

func (e *Engine) transition(ctx context.Context, id string, event Event, rec models.ApprovalRecord, sideEffect sideEffectFn) (*models.DataTransaction, *Error) {
	tx, err := e.store.GetTransaction(id)
	if err != nil {
		return nil, err
	}

	target := nextStatus(tx.Status, event)
	if target == "" {
		return nil, invalidTransition(tx.Status, event)
	}

	updates := map[string]any{}
	if sideEffect != nil {
		updates, err = sideEffect(tx)
		if err != nil {
			return nil, err
		}
	}

	rec.TransactionID = id
	rec.Sequence = len(tx.Approvals) + 1
	if err := e.store.CompareAndSetStatus(id, tx.Status, target, updates, rec); err != nil {
		return nil, err
	}

	e.logger.Info("transition applied", "tx", id, "event", string(event), "from", tx.Status, "to", target)
	return e.store.GetTransaction(id)
}

// notarize submits the completed exchange to the ledger. Failure only
// leaves the transaction flagged for the background reconciler.
func (e *Engine) notarize(ctx context.Context, tx *models.DataTransaction) {
	ref, err := e.notarizer.Notarize(ctx, tx.ID, ContentHash(tx))
	if err != nil {
		e.logger.Error("notarization failed, queued for reconciliation", "tx", tx.ID, "err", err)
		if ferr := e.store.FlagNotarizationPending(tx.ID); ferr != nil {
			e.logger.Error("failed to flag notarization retry", "tx", tx.ID, "err", ferr)
		}
		return
	}
	if err := e.store.MarkNotarized(tx.ID, ref.TxHash, ref.BlockHeight); err != nil {
		e.logger.Error("failed to record ledger reference", "tx", tx.ID, "err", err)
		return
	}
	e.logger.Info("transaction notarized", "tx", tx.ID, "ledger_tx", ref.TxHash, "height", ref.BlockHeight)
}

// ContentHash derives the deterministic digest of a completed exchange
// that gets notarized on the ledger.
func ContentHash(tx *models.DataTransaction) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%.2f|%s|%d|%s",
		tx.ID, tx.ConsumerOrgID, tx.SubjectOrgID, tx.HolderOrgID,
		tx.AssetID, tx.UnitPrice, tx.Currency, tx.DurationDays, tx.PolicyUID)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
