package progress

import (
	"sync"

	"github.com/thalesfsp/pipetune/space"
	"github.com/thalesfsp/pipetune/trial"
)

//////
// Const, vars, types.
//////

// BestResult is the best valid trial seen so far. It only ever improves:
// the tracker's score is monotonically non-decreasing across a run.
type BestResult struct {
	Iteration int          `json:"iteration"`
	Params    space.Vector `json:"params"`
	Score     float64      `json:"score"`
}

// Tracker derives the current best from observed records. It replaces any
// ambient "best score so far" state: the run loop owns a Tracker and updates
// it through Observe, nothing else may touch it.
type Tracker struct {
	mu   sync.Mutex
	best *BestResult
}

//////
// Methods.
//////

// Observe considers a record and reports whether it became the new best.
// Only valid records with a strictly better score win; on a tie the
// first-found result stands, which keeps reruns reproducible.
func (t *Tracker) Observe(rec *trial.Record) bool {
	if !rec.Outcome.IsValid() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.best != nil && rec.Outcome.Score() <= t.best.Score {
		return false
	}

	t.best = &BestResult{
		Iteration: rec.Iteration,
		Params:    rec.Params.Clone(),
		Score:     rec.Outcome.Score(),
	}

	return true
}

// Best returns a copy of the current best result. The second return is
// false until the first valid trial has been observed.
func (t *Tracker) Best() (BestResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.best == nil {
		return BestResult{}, false
	}

	out := *t.best
	out.Params = t.best.Params.Clone()

	return out, true
}

//////
// Exported functionalities.
//////

// Replay rebuilds run state from a store's full history: the returned
// tracker reflects every persisted record, and each observer (the sampler,
// typically) sees the records in iteration order. This is how a resumed run
// recovers both its best result and its surrogate history.
func Replay(s *Store, observers ...func(*trial.Record)) (*Tracker, error) {
	records, err := s.All()
	if err != nil {
		return nil, err
	}

	tracker := &Tracker{}

	for _, rec := range records {
		tracker.Observe(rec)

		for _, observe := range observers {
			observe(rec)
		}
	}

	return tracker, nil
}
