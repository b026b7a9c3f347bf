package notary

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/repository/models"
)

// fakeRPC simulates the slice of the CometBFT RPC used by the client. A
// broadcast indexes the record so later searches find it.
type fakeRPC struct {
	committed  map[string]*cmtrpctypes.ResultTx
	broadcasts int
	searches   int

	broadcastErr error
	checkTxCode  uint32
	nextHeight   int64
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		committed:  make(map[string]*cmtrpctypes.ResultTx),
		nextHeight: 7,
	}
}

func (f *fakeRPC) BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error) {
	f.broadcasts++
	if f.broadcastErr != nil {
		return nil, f.broadcastErr
	}
	if f.checkTxCode != 0 {
		return &cmtrpctypes.ResultBroadcastTxCommit{
			CheckTx: abcitypes.CheckTxResponse{Code: f.checkTxCode, Log: "rejected"},
		}, nil
	}

	var record Record
	if err := json.Unmarshal(tx, &record); err != nil {
		return nil, err
	}
	hash := bytes.HexBytes(tx.Hash())
	f.committed[record.TransactionID] = &cmtrpctypes.ResultTx{
		Hash:   hash,
		Height: f.nextHeight,
		Tx:     tx,
	}
	return &cmtrpctypes.ResultBroadcastTxCommit{
		CheckTx: abcitypes.CheckTxResponse{Code: 0},
		Hash:    hash,
		Height:  f.nextHeight,
	}, nil
}

func (f *fakeRPC) TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*cmtrpctypes.ResultTxSearch, error) {
	f.searches++
	for id, res := range f.committed {
		if query == "notarization.transaction_id='"+id+"'" {
			return &cmtrpctypes.ResultTxSearch{Txs: []*cmtrpctypes.ResultTx{res}, TotalCount: 1}, nil
		}
	}
	return &cmtrpctypes.ResultTxSearch{}, nil
}

func contentHash() string {
	return lifecycle.ContentHash(&models.DataTransaction{
		ID:            "DTX-1",
		ConsumerOrgID: "ORG-001",
		SubjectOrgID:  "ORG-002",
		HolderOrgID:   "ORG-003",
		AssetID:       "AST-001",
		UnitPrice:     150,
		Currency:      "EUR",
		DurationDays:  365,
	})
}

func TestNotarizeBroadcastsNewRecord(t *testing.T) {
	rpc := newFakeRPC()
	client := NewClient(rpc, "node0", cmtlog.NewNopLogger())

	ref, err := client.Notarize(context.Background(), "DTX-1", contentHash())
	if err != nil {
		t.Fatalf("Notarize: %v", err)
	}
	if rpc.broadcasts != 1 {
		t.Fatalf("expected one broadcast, got %d", rpc.broadcasts)
	}
	if ref.BlockHeight != 7 {
		t.Errorf("unexpected height %d", ref.BlockHeight)
	}

	stored := rpc.committed["DTX-1"]
	if stored == nil {
		t.Fatal("record not committed")
	}
	if ref.TxHash != hex.EncodeToString(stored.Hash) {
		t.Errorf("reference hash mismatch: %s vs %s", ref.TxHash, hex.EncodeToString(stored.Hash))
	}

	var record Record
	if err := json.Unmarshal(stored.Tx, &record); err != nil {
		t.Fatalf("committed record is not valid JSON: %v", err)
	}
	if record.TransactionID != "DTX-1" || record.ContentHash != contentHash() {
		t.Errorf("unexpected record %+v", record)
	}
	if record.OriginNodeID != "node0" {
		t.Errorf("origin node not stamped, got %q", record.OriginNodeID)
	}
	if record.RecordedAt.IsZero() {
		t.Error("recorded_at not stamped")
	}
}

func TestNotarizeIsIdempotent(t *testing.T) {
	rpc := newFakeRPC()
	client := NewClient(rpc, "node0", cmtlog.NewNopLogger())
	ctx := context.Background()

	first, err := client.Notarize(ctx, "DTX-1", contentHash())
	if err != nil {
		t.Fatalf("first Notarize: %v", err)
	}
	second, err := client.Notarize(ctx, "DTX-1", contentHash())
	if err != nil {
		t.Fatalf("second Notarize: %v", err)
	}

	if rpc.broadcasts != 1 {
		t.Fatalf("retry must not broadcast again, got %d broadcasts", rpc.broadcasts)
	}
	if first.TxHash != second.TxHash || first.BlockHeight != second.BlockHeight {
		t.Errorf("retry must return the original reference: %+v vs %+v", first, second)
	}
}

func TestNotarizeBroadcastError(t *testing.T) {
	rpc := newFakeRPC()
	rpc.broadcastErr = errors.New("connection refused")
	client := NewClient(rpc, "node0", cmtlog.NewNopLogger())

	_, err := client.Notarize(context.Background(), "DTX-1", contentHash())
	if err == nil || err.Code != lifecycle.ErrCodeNotarization {
		t.Fatalf("expected %s, got %v", lifecycle.ErrCodeNotarization, err)
	}
}

func TestNotarizeCheckTxRejection(t *testing.T) {
	rpc := newFakeRPC()
	rpc.checkTxCode = 1
	client := NewClient(rpc, "node0", cmtlog.NewNopLogger())

	_, err := client.Notarize(context.Background(), "DTX-1", contentHash())
	if err == nil || err.Code != lifecycle.ErrCodeNotarization {
		t.Fatalf("expected %s, got %v", lifecycle.ErrCodeNotarization, err)
	}
}

func TestLookupNotFound(t *testing.T) {
	rpc := newFakeRPC()
	client := NewClient(rpc, "node0", cmtlog.NewNopLogger())

	ref, err := client.Lookup(context.Background(), "DTX-404")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ref != nil {
		t.Fatalf("expected no reference, got %+v", ref)
	}
}

// reconcilerStore implements just enough of lifecycle.Store for Sweep.
type reconcilerStore struct {
	pending []models.DataTransaction
	marked  map[string]string
}

func (s *reconcilerStore) CreateTransaction(tx *models.DataTransaction) *lifecycle.Error { return nil }
func (s *reconcilerStore) GetTransaction(id string) (*models.DataTransaction, *lifecycle.Error) {
	return nil, nil
}
func (s *reconcilerStore) GetAsset(id string) (*models.DataAsset, *lifecycle.Error) { return nil, nil }
func (s *reconcilerStore) CompareAndSetStatus(id, expected, next string, updates map[string]any, rec models.ApprovalRecord) *lifecycle.Error {
	return nil
}
func (s *reconcilerStore) UpdateTerms(id string, price float64, currency string, durationDays int) *lifecycle.Error {
	return nil
}
func (s *reconcilerStore) FlagNotarizationPending(id string) *lifecycle.Error { return nil }

func (s *reconcilerStore) MarkNotarized(id, txHash string, blockHeight int64) *lifecycle.Error {
	if s.marked == nil {
		s.marked = make(map[string]string)
	}
	s.marked[id] = txHash
	remaining := s.pending[:0]
	for _, tx := range s.pending {
		if tx.ID != id {
			remaining = append(remaining, tx)
		}
	}
	s.pending = remaining
	return nil
}

func (s *reconcilerStore) ListPendingNotarizations(limit int) ([]models.DataTransaction, *lifecycle.Error) {
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	return append([]models.DataTransaction{}, s.pending[:limit]...), nil
}

func TestReconcilerSweep(t *testing.T) {
	rpc := newFakeRPC()
	client := NewClient(rpc, "node0", cmtlog.NewNopLogger())
	store := &reconcilerStore{
		pending: []models.DataTransaction{
			{ID: "DTX-1", ConsumerOrgID: "ORG-001", SubjectOrgID: "ORG-002", HolderOrgID: "ORG-003",
				AssetID: "AST-001", UnitPrice: 150, Currency: "EUR", DurationDays: 365, NotaryPending: true},
			{ID: "DTX-2", ConsumerOrgID: "ORG-004", SubjectOrgID: "ORG-002", HolderOrgID: "ORG-003",
				AssetID: "AST-001", UnitPrice: 90, Currency: "EUR", DurationDays: 30, NotaryPending: true},
		},
	}

	r := NewReconciler(store, client, 0, cmtlog.NewNopLogger())
	r.Sweep(context.Background())

	if len(store.marked) != 2 {
		t.Fatalf("expected 2 reconciled transactions, got %d", len(store.marked))
	}
	if len(store.pending) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(store.pending))
	}
	if rpc.broadcasts != 2 {
		t.Errorf("expected 2 broadcasts, got %d", rpc.broadcasts)
	}
}

func TestReconcilerLeavesFailuresFlagged(t *testing.T) {
	rpc := newFakeRPC()
	rpc.broadcastErr = errors.New("ledger down")
	client := NewClient(rpc, "node0", cmtlog.NewNopLogger())
	store := &reconcilerStore{
		pending: []models.DataTransaction{
			{ID: "DTX-1", ConsumerOrgID: "ORG-001", SubjectOrgID: "ORG-002", HolderOrgID: "ORG-003",
				AssetID: "AST-001", UnitPrice: 150, Currency: "EUR", DurationDays: 365, NotaryPending: true},
		},
	}

	r := NewReconciler(store, client, 0, cmtlog.NewNopLogger())
	r.Sweep(context.Background())

	if len(store.marked) != 0 {
		t.Fatalf("failed notarization must not be marked, got %v", store.marked)
	}
	if len(store.pending) != 1 {
		t.Fatalf("failed notarization must stay in the backlog, got %d", len(store.pending))
	}
}
