// Package app implements the ABCI application backing the notarization
// ledger. Each ledger transaction is one notarization record; records are
// keyed by exchange-transaction identifier, and a duplicate identifier is
// finalized as a no-op acknowledging the first record, which gives the
// notarizer its idempotency guarantee.
package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/datavern/exchange/notary"
	"github.com/dgraph-io/badger/v4"
)

// Result codes returned in tx results.
const (
	CodeOK            = 0
	CodeInvalidFormat = 1
	CodeDatabaseError = 2
)

// Application implements the ABCI interface for the ledger node.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	nodeID       string
	mu           sync.Mutex
	logger       cmtlog.Logger
}

// NewABCIApplication creates the ledger application.
func NewABCIApplication(badgerDB *badger.DB, logger cmtlog.Logger) *Application {
	return &Application{
		badgerDB: badgerDB,
		logger:   logger,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("last_block_height"))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte("last_block_app_hash"))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err == nil {
			err = item.Value(func(val []byte) error {
				lastBlockAppHash = val
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		log.Printf("Error getting last block info: %v", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. "verify:<transactionID>" looks
// up a notarization record; anything else is a raw key-value lookup.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: CodeInvalidFormat,
			Log:  "Empty query data",
		}, nil
	}

	if bytes.HasPrefix(req.Data, []byte("verify:")) {
		transactionID := req.Data[7:]
		return app.verifyNotarization(transactionID)
	}

	resp := abcitypes.QueryResponse{Key: req.Data}

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(req.Data)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Log = "key doesn't exist"
			return nil
		}

		return item.Value(func(val []byte) error {
			resp.Log = "exists"
			resp.Value = val
			return nil
		})
	})

	if dbErr != nil {
		log.Printf("Error reading database, unable to execute query: %v", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeDatabaseError,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// verifyNotarization looks up the stored notarization record for an
// exchange transaction.
func (app *Application) verifyNotarization(transactionID []byte) (*abcitypes.QueryResponse, error) {
	var resp abcitypes.QueryResponse

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		key := append([]byte("notary:"), transactionID...)
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				resp.Log = "Notarization not found"
				resp.Code = CodeInvalidFormat
				return nil
			}
			return err
		}

		return item.Value(func(val []byte) error {
			resp.Value = append([]byte{}, val...)
			resp.Log = "notarized"
			resp.Code = CodeOK
			return nil
		})
	})

	if err != nil {
		resp.Code = CodeDatabaseError
		resp.Log = fmt.Sprintf("Database error: %v", err)
	}

	return &resp, nil
}

// CheckTx implements the ABCI CheckTx method. Only well-formed
// notarization records enter the mempool.
func (app *Application) CheckTx(
	_ context.Context,
	check *abcitypes.CheckTxRequest,
) (*abcitypes.CheckTxResponse, error) {
	if err := validateRecord(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{
			Code: CodeInvalidFormat,
			Log:  err.Error(),
		}, nil
	}
	return &abcitypes.CheckTxResponse{
		Code: CodeOK,
	}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	// Include all transactions
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. A block
// containing a malformed record is rejected.
func (app *Application) ProcessProposal(
	_ context.Context,
	proposal *abcitypes.ProcessProposalRequest,
) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		if err := validateRecord(txBytes); err != nil {
			app.logger.Error("rejecting proposal", "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method
func (app *Application) FinalizeBlock(
	_ context.Context,
	req *abcitypes.FinalizeBlockRequest,
) (*abcitypes.FinalizeBlockResponse, error) {
	var txResults = make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		var record notary.Record
		if err := json.Unmarshal(txBytes, &record); err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: CodeInvalidFormat,
				Log:  "Invalid notarization record format",
			}
			continue
		}
		txResults[i] = app.storeRecord(&record, txBytes)
	}

	blockHeight := req.Height
	appHash := calculateAppHash(txResults)

	err := app.onGoingBlock.Set(
		[]byte("last_block_height"),
		int64ToBytes(blockHeight),
	)
	if err != nil {
		log.Printf("Error storing block height: %v", err)
	}

	err = app.onGoingBlock.Set(
		[]byte("last_block_app_hash"),
		appHash,
	)
	if err != nil {
		log.Printf("Error storing app hash: %v", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, err
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	err := app.onGoingBlock.Commit()
	if err != nil {
		log.Printf("Error committing block: %v", err)
	}

	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper Functions

// storeRecord writes a notarization record into the ongoing block. A
// record whose transaction id is already notarized is acknowledged
// without a second write.
func (app *Application) storeRecord(record *notary.Record, rawTx []byte) *abcitypes.ExecTxResult {
	key := append([]byte("notary:"), []byte(record.TransactionID)...)

	status := "accepted"
	_, err := app.onGoingBlock.Get(key)
	switch {
	case err == nil:
		status = "duplicate"
	case errors.Is(err, badger.ErrKeyNotFound):
		if err := app.onGoingBlock.Set(key, rawTx); err != nil {
			log.Printf("Error storing notarization record: %v", err)
			return &abcitypes.ExecTxResult{
				Code: CodeDatabaseError,
				Log:  fmt.Sprintf("Database error: %v", err),
			}
		}
	default:
		log.Printf("Error reading notarization record: %v", err)
		return &abcitypes.ExecTxResult{
			Code: CodeDatabaseError,
			Log:  fmt.Sprintf("Database error: %v", err),
		}
	}

	events := []abcitypes.Event{
		{
			Type: "notarization",
			Attributes: []abcitypes.EventAttribute{
				{Key: "transaction_id", Value: record.TransactionID, Index: true},
				{Key: "content_hash", Value: record.ContentHash, Index: true},
				{Key: "origin_node", Value: record.OriginNodeID, Index: true},
				{Key: "status", Value: status, Index: true},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Data:   []byte(record.TransactionID),
		Log:    status,
		Events: events,
	}
}

// validateRecord checks the ledger transaction shape: a transaction id
// and a 64-character hex content hash.
func validateRecord(raw []byte) error {
	var record notary.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("fail to parse notarization record: %w", err)
	}
	if record.TransactionID == "" {
		return errors.New("notarization record is missing transaction_id")
	}
	if len(record.ContentHash) != sha256.Size*2 {
		return fmt.Errorf("content_hash must be %d hex characters", sha256.Size*2)
	}
	if _, err := hex.DecodeString(record.ContentHash); err != nil {
		return fmt.Errorf("content_hash is not hex: %w", err)
	}
	return nil
}

// calculateAppHash calculates the application hash for the current block
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	allData := make([]byte, 0)

	for _, result := range txResults {
		allData = append(allData, result.Data...)
	}

	hash := sha256.Sum256(allData)
	return hash[:]
}

// int64ToBytes converts an int64 to bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

// bytesToInt64 converts bytes to an int64
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}

	return int64(buf[0])<<56 |
		int64(buf[1])<<48 |
		int64(buf[2])<<40 |
		int64(buf[3])<<32 |
		int64(buf[4])<<24 |
		int64(buf[5])<<16 |
		int64(buf[6])<<8 |
		int64(buf[7])
}
