// Package notary submits content hashes of completed exchanges to the
// append-only ledger and resolves their references. Notarization is
// idempotent by transaction identifier: the chain is queried for an
// existing record before a new one is broadcast, so a retry after an
// ambiguous timeout can never produce a duplicate write.
package notary

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datavern/exchange/lifecycle"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// Record is the ledger transaction payload.
type Record struct {
	TransactionID string    `json:"transaction_id"`
	ContentHash   string    `json:"content_hash"`
	RecordedAt    time.Time `json:"recorded_at"`
	OriginNodeID  string    `json:"origin_node_id,omitempty"`
}

// rpcClient is the slice of the CometBFT RPC surface the notarizer
// needs; *local.Local satisfies it.
type rpcClient interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
	TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*cmtrpctypes.ResultTxSearch, error)
}

// Client implements lifecycle.Notarizer against a CometBFT node.
type Client struct {
	rpc    rpcClient
	nodeID string
	logger cmtlog.Logger
}

func NewClient(rpc rpcClient, nodeID string, logger cmtlog.Logger) *Client {
	return &Client{rpc: rpc, nodeID: nodeID, logger: logger}
}

// Notarize returns the ledger reference for transactionID, broadcasting a
// new record only when none exists yet. Re-submitting for an already
// notarized transaction returns the original reference.
func (c *Client) Notarize(ctx context.Context, transactionID, contentHash string) (*lifecycle.LedgerRef, *lifecycle.Error) {
	if ref, err := c.Lookup(ctx, transactionID); err == nil && ref != nil {
		c.logger.Info("transaction already notarized", "tx", transactionID, "ledger_tx", ref.TxHash)
		return ref, nil
	}

	record := Record{
		TransactionID: transactionID,
		ContentHash:   contentHash,
		RecordedAt:    time.Now().UTC(),
		OriginNodeID:  c.nodeID,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, &lifecycle.Error{
			Code:    lifecycle.ErrCodeNotarization,
			Message: "Failed to serialize notarization record",
			Detail:  err.Error(),
		}
	}

	res, err := c.rpc.BroadcastTxCommit(ctx, cmttypes.Tx(raw))
	if err != nil {
		return nil, &lifecycle.Error{
			Code:    lifecycle.ErrCodeNotarization,
			Message: "Failed to commit to ledger",
			Detail:  err.Error(),
		}
	}
	if res.CheckTx.Code != 0 {
		return nil, &lifecycle.Error{
			Code:    lifecycle.ErrCodeNotarization,
			Message: "Ledger rejected notarization record",
			Detail:  fmt.Sprintf("CheckTx code: %d, log: %s", res.CheckTx.Code, res.CheckTx.Log),
		}
	}

	ref := &lifecycle.LedgerRef{
		TxHash:      hex.EncodeToString(res.Hash),
		BlockHeight: res.Height,
	}
	c.logger.Info("notarization committed", "tx", transactionID, "ledger_tx", ref.TxHash, "height", ref.BlockHeight)
	return ref, nil
}

// Lookup queries the chain for an existing notarization of
// transactionID. A nil reference with nil error means none exists.
func (c *Client) Lookup(ctx context.Context, transactionID string) (*lifecycle.LedgerRef, *lifecycle.Error) {
	query := fmt.Sprintf("notarization.transaction_id='%s'", transactionID)
	res, err := c.rpc.TxSearch(ctx, query, false, nil, nil, "asc")
	if err != nil {
		return nil, &lifecycle.Error{
			Code:    lifecycle.ErrCodeNotarization,
			Message: "Failed to query ledger",
			Detail:  err.Error(),
		}
	}
	if len(res.Txs) == 0 {
		return nil, nil
	}
	first := res.Txs[0]
	return &lifecycle.LedgerRef{
		TxHash:      hex.EncodeToString(first.Hash),
		BlockHeight: first.Height,
	}, nil
}
