package accesslog

import (
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/repository/models"
)

type fakeLogStore struct {
	entries []models.AccessLogEntry
}

func (s *fakeLogStore) AppendAccessLog(entry models.AccessLogEntry) *lifecycle.Error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeLogStore) ListAccessLog(orgID, assetID string, limit int) ([]models.AccessLogEntry, *lifecycle.Error) {
	var out []models.AccessLogEntry
	for _, e := range s.entries {
		if orgID != "" && e.OrganizationID != orgID {
			continue
		}
		if assetID != "" && e.AssetID != assetID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func entry(at time.Time, action string, success bool) models.AccessLogEntry {
	return models.AccessLogEntry{
		OrganizationID: "ORG-001",
		AssetID:        "AST-001",
		Action:         action,
		Success:        success,
		OccurredAt:     at,
	}
}

func TestRecordKeepsEveryWrite(t *testing.T) {
	store := &fakeLogStore{}
	rec := NewRecorder(store, cmtlog.NewNopLogger())

	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	for range 3 {
		if err := rec.Record(entry(at, models.AccessActionDownload, true)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// Storage is append-only; duplicates are preserved there.
	if len(store.entries) != 3 {
		t.Fatalf("expected 3 stored entries, got %d", len(store.entries))
	}
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	store := &fakeLogStore{}
	rec := NewRecorder(store, cmtlog.NewNopLogger())

	if err := rec.Record(entry(time.Time{}, models.AccessActionAPICall, true)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if store.entries[0].OccurredAt.IsZero() {
		t.Fatal("missing timestamp must default to now")
	}
}

func TestQueryCollapsesDuplicates(t *testing.T) {
	store := &fakeLogStore{}
	rec := NewRecorder(store, cmtlog.NewNopLogger())

	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	// Three equivalent attempts inside the same second, then a distinct
	// failure and an attempt in the next second.
	rec.Record(entry(base, models.AccessActionDownload, true))
	rec.Record(entry(base.Add(120*time.Millisecond), models.AccessActionDownload, true))
	rec.Record(entry(base.Add(800*time.Millisecond), models.AccessActionDownload, true))
	rec.Record(entry(base.Add(300*time.Millisecond), models.AccessActionDownload, false))
	rec.Record(entry(base.Add(1100*time.Millisecond), models.AccessActionDownload, true))

	got, err := rec.Query(Filter{OrganizationID: "ORG-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 collapsed entries, got %d", len(got))
	}

	// Earliest duplicate wins and input order is preserved.
	if !got[0].OccurredAt.Equal(base) {
		t.Errorf("expected earliest duplicate first, got %v", got[0].OccurredAt)
	}
	if got[1].Success {
		t.Error("the failed attempt must survive the collapse")
	}
	if !got[2].OccurredAt.Equal(base.Add(1100 * time.Millisecond)) {
		t.Errorf("next-second attempt must survive, got %v", got[2].OccurredAt)
	}
}

func TestQueryFilters(t *testing.T) {
	store := &fakeLogStore{}
	rec := NewRecorder(store, cmtlog.NewNopLogger())

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	rec.Record(entry(at, models.AccessActionDownload, true))
	other := entry(at, models.AccessActionDownload, true)
	other.OrganizationID = "ORG-009"
	rec.Record(other)

	got, err := rec.Query(Filter{OrganizationID: "ORG-009"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].OrganizationID != "ORG-009" {
		t.Fatalf("filter not applied: %+v", got)
	}
}

func TestDedupKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 250_000_000, time.UTC)
	a := entry(at, models.AccessActionDownload, true)
	b := entry(at.Add(400*time.Millisecond), models.AccessActionDownload, true)
	if DedupKey(a) != DedupKey(b) {
		t.Error("sub-second spread within a second must share a key")
	}

	c := entry(at.Add(time.Second), models.AccessActionDownload, true)
	if DedupKey(a) == DedupKey(c) {
		t.Error("different seconds must not share a key")
	}

	d := entry(at, models.AccessActionMetadataView, true)
	if DedupKey(a) == DedupKey(d) {
		t.Error("different actions must not share a key")
	}

	e := entry(at, models.AccessActionDownload, false)
	if DedupKey(a) == DedupKey(e) {
		t.Error("different outcomes must not share a key")
	}
}
