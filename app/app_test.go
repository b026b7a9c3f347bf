package app

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/datavern/exchange/notary"
)

func validRaw(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(notary.Record{
		TransactionID: "DTX-1",
		ContentHash:   strings.Repeat("ab", 32),
		RecordedAt:    time.Now().UTC(),
		OriginNodeID:  "node0",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestValidateRecord(t *testing.T) {
	if err := validateRecord(validRaw(t)); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	if err := validateRecord([]byte("not json")); err == nil {
		t.Error("malformed JSON must be rejected")
	}

	missing, _ := json.Marshal(notary.Record{ContentHash: strings.Repeat("ab", 32)})
	if err := validateRecord(missing); err == nil {
		t.Error("missing transaction_id must be rejected")
	}

	short, _ := json.Marshal(notary.Record{TransactionID: "DTX-1", ContentHash: "abcd"})
	if err := validateRecord(short); err == nil {
		t.Error("short content hash must be rejected")
	}

	nonHex, _ := json.Marshal(notary.Record{TransactionID: "DTX-1", ContentHash: strings.Repeat("zz", 32)})
	if err := validateRecord(nonHex); err == nil {
		t.Error("non-hex content hash must be rejected")
	}
}

func TestCalculateAppHash(t *testing.T) {
	a := calculateAppHash([]*abcitypes.ExecTxResult{{Data: []byte("DTX-1")}})
	b := calculateAppHash([]*abcitypes.ExecTxResult{{Data: []byte("DTX-1")}})
	if string(a) != string(b) {
		t.Error("app hash must be deterministic")
	}
	if len(a) != 32 {
		t.Errorf("expected 32-byte hash, got %d", len(a))
	}

	c := calculateAppHash([]*abcitypes.ExecTxResult{{Data: []byte("DTX-2")}})
	if string(a) == string(c) {
		t.Error("different results must hash differently")
	}
}

func TestInt64BytesRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 255, 1 << 20, 1<<62 - 1, -1} {
		if got := bytesToInt64(int64ToBytes(v)); got != v {
			t.Errorf("round trip of %d gave %d", v, got)
		}
	}
	if bytesToInt64([]byte{1, 2}) != 0 {
		t.Error("short buffer must decode to 0")
	}
}
