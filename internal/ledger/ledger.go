// Package ledger decides which listings are new and which deals may still be notified.
//
// A source id moves UNSEEN -> RECORDED on first insert and RECORDED -> NOTIFIED once a
// notification for it reached at least one recipient. NOTIFIED is terminal: a notified
// listing is never offered again, whatever its later price.
package ledger

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/carwatch/internal/database"
	"github.com/TobiSchelling/carwatch/internal/score"
)

// Store is the listing persistence the ledger reads and marks.
type Store interface {
	ExistingIDs(model string) (map[string]struct{}, error)
	NotifiedIDs(model string) (map[string]struct{}, error)
	MarkEmailSent(model string, sourceIDs []string) error
}

// State is the lifecycle position of a source id within a model.
type State int

const (
	Unseen State = iota
	Recorded
	Notified
)

func (s State) String() string {
	switch s {
	case Recorded:
		return "recorded"
	case Notified:
		return "notified"
	default:
		return "unseen"
	}
}

// Action is what the ingest step must do with an observed listing.
type Action int

const (
	// Insert stores the full record with email_sent = false.
	Insert Action = iota
	// Rescore touches only the mutable score of an existing record.
	Rescore
)

// Ledger is the per-model view of known and notified source ids.
type Ledger struct {
	store    Store
	model    string
	existing map[string]struct{}
	notified map[string]struct{}
}

// Load reads the existing and notified id sets of a model.
func Load(ctx context.Context, store Store, model string) (*Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	existing, err := store.ExistingIDs(model)
	if err != nil {
		return nil, fmt.Errorf("loading existing ids of %s: %w", model, err)
	}
	notified, err := store.NotifiedIDs(model)
	if err != nil {
		return nil, fmt.Errorf("loading notified ids of %s: %w", model, err)
	}
	return &Ledger{store: store, model: model, existing: existing, notified: notified}, nil
}

// State returns the lifecycle state of a source id.
func (l *Ledger) State(sourceID string) State {
	id := database.NormalizeID(sourceID)
	if _, ok := l.notified[id]; ok {
		return Notified
	}
	if _, ok := l.existing[id]; ok {
		return Recorded
	}
	return Unseen
}

// Route tells the ingest step whether a listing is new or already recorded.
func (l *Ledger) Route(sourceID string) Action {
	if l.State(sourceID) == Unseen {
		return Insert
	}
	return Rescore
}

// Recorded notes that a listing was inserted during this run.
func (l *Ledger) Recorded(sourceID string) {
	l.existing[database.NormalizeID(sourceID)] = struct{}{}
}

// Eligible drops the deals that were already notified according to the loaded set.
func (l *Ledger) Eligible(batch []score.DealAssessment) []score.DealAssessment {
	return filterNotified(batch, l.notified)
}

// Recheck re-reads the notified set from the store and filters batch against it again.
// It must run right before sending.
func (l *Ledger) Recheck(ctx context.Context, batch []score.DealAssessment) ([]score.DealAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fresh, err := l.store.NotifiedIDs(l.model)
	if err != nil {
		return nil, fmt.Errorf("rechecking notified ids of %s: %w", l.model, err)
	}
	l.notified = fresh
	return filterNotified(batch, fresh), nil
}

// Commit marks the ids as notified. Call it only after a delivery reached at least
// one recipient.
func (l *Ledger) Commit(ctx context.Context, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.store.MarkEmailSent(l.model, sourceIDs); err != nil {
		return fmt.Errorf("marking %d listings of %s notified: %w", len(sourceIDs), l.model, err)
	}
	for _, id := range sourceIDs {
		l.notified[database.NormalizeID(id)] = struct{}{}
	}
	return nil
}

// NotifiedCount returns the size of the last loaded notified set.
func (l *Ledger) NotifiedCount() int {
	return len(l.notified)
}

func filterNotified(batch []score.DealAssessment, notified map[string]struct{}) []score.DealAssessment {
	out := make([]score.DealAssessment, 0, len(batch))
	for _, a := range batch {
		if _, done := notified[database.NormalizeID(a.Listing.SourceID)]; done {
			continue
		}
		out = append(out, a)
	}
	return out
}
