// Package accesslog records every access attempt against an asset and
// serves a deduplicated view of the log. Writes are append-only and never
// suppressed; deduplication is a read-time derived view keyed by a
// deterministic tuple, so near-simultaneous duplicate attempts collapse
// when read back.
package accesslog

import (
	"fmt"
	"time"

	"github.com/datavern/exchange/lifecycle"
	"github.com/datavern/exchange/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Store is the append-only persistence behind the recorder.
type Store interface {
	AppendAccessLog(entry models.AccessLogEntry) *lifecycle.Error
	ListAccessLog(orgID, assetID string, limit int) ([]models.AccessLogEntry, *lifecycle.Error)
}

// Filter narrows a query; zero values match everything.
type Filter struct {
	OrganizationID string
	AssetID        string
	Limit          int
}

type Recorder struct {
	store  Store
	logger cmtlog.Logger
}

func NewRecorder(store Store, logger cmtlog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record appends one access attempt. A missing timestamp defaults to now.
func (r *Recorder) Record(entry models.AccessLogEntry) *lifecycle.Error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if err := r.store.AppendAccessLog(entry); err != nil {
		return err
	}
	r.logger.Info("access attempt recorded",
		"org", entry.OrganizationID, "asset", entry.AssetID,
		"action", entry.Action, "success", entry.Success)
	return nil
}

// Query returns the collapsed, ordered view of the log: entries sharing a
// dedup key are presented once, keeping the earliest occurrence.
func (r *Recorder) Query(f Filter) ([]models.AccessLogEntry, *lifecycle.Error) {
	entries, err := r.store.ListAccessLog(f.OrganizationID, f.AssetID, f.Limit)
	if err != nil {
		return nil, err
	}
	return Collapse(entries), nil
}

// DedupKey is the deterministic collapse key: timestamp truncated to the
// second, action, outcome, asset, and organization.
func DedupKey(e models.AccessLogEntry) string {
	return fmt.Sprintf("%d|%s|%t|%s|%s",
		e.OccurredAt.Truncate(time.Second).Unix(),
		e.Action, e.Success, e.AssetID, e.OrganizationID)
}

// Collapse removes later entries whose dedup key was already seen,
// preserving input order.
func Collapse(entries []models.AccessLogEntry) []models.AccessLogEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]models.AccessLogEntry, 0, len(entries))
	for _, e := range entries {
		key := DedupKey(e)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}
