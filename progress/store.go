// Package progress holds the durable, resumable record of a search: an
// append-only, iteration-indexed log of trial records backed by BadgerDB,
// and the best-result tracker derived from it.
//
// Append is the single commit point for a trial. A completed evaluation is
// expensive; losing one silently is worse than aborting the run, so a failed
// append is retried a bounded number of times and then escalated as a fatal
// *PersistenceError. Appends are mutually exclusive per record while reads
// remain concurrent (Badger transactions see a consistent snapshot), which
// is all the run loop's workers require.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/thalesfsp/pipetune/trial"
)

//////
// Const, vars, types.
//////

const (
	trialKeyPrefix = "trial/"
	trialKeyFormat = "trial/%08d"
	runIDKey       = "meta/run_id"

	// appendAttempts bounds the retry loop around the commit of a record.
	appendAttempts = 3
)

// ErrNotFound is returned by Get for an iteration with no record.
var ErrNotFound = errors.New("progress: record not found")

// PersistenceError reports that a completed trial could not be durably
// recorded after bounded retries. It is fatal to the run.
type PersistenceError struct {
	Iteration int
	Err       error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting trial %d failed after %d attempts: %v", e.Iteration, appendAttempts, e.Err)
}

// Unwrap exposes the underlying storage error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store is the append-only trial log. Safe for concurrent use: appends are
// serialized, reads are not blocked by writers.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu   sync.Mutex
	next int
}

// badgerLogger adapts slog to Badger's internal logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

//////
// Exported functionalities.
//////

// Open opens (or creates) a persistent store at path with synchronous
// writes. Existing records are counted so iteration numbering resumes at
// max(existing index) + 1. A nil logger disables Badger's internal logging.
func Open(path string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithSyncWrites(true).WithNumVersionsToKeep(1)

	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening progress store at %s: %w", path, err)
	}

	return newStore(db, logger)
}

// OpenInMemory opens a store with no disk persistence, for tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory progress store: %w", err)
	}

	return newStore(db, slog.Default())
}

//////
// Methods.
//////

// Append durably records a completed trial. The record's iteration must be
// exactly NextIteration(): the log has no gaps and no duplicates, ever.
// On storage failure the commit is retried up to the attempt bound, then a
// *PersistenceError is returned and the caller must abort the run.
func (s *Store) Append(rec *trial.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Iteration != s.next {
		return fmt.Errorf("append out of order: got iteration %d, want %d", rec.Iteration, s.next)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &PersistenceError{Iteration: rec.Iteration, Err: err}
	}

	key := []byte(fmt.Sprintf(trialKeyFormat, rec.Iteration))

	var lastErr error

	for attempt := 1; attempt <= appendAttempts; attempt++ {
		lastErr = s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, data)
		})
		if lastErr == nil {
			s.next++

			return nil
		}

		s.logger.Warn("progress append failed, retrying",
			"iteration", rec.Iteration,
			"attempt", attempt,
			"error", lastErr,
		)
	}

	return &PersistenceError{Iteration: rec.Iteration, Err: lastErr}
}

// Get returns the record at the given iteration, or ErrNotFound.
func (s *Store) Get(iteration int) (*trial.Record, error) {
	var rec trial.Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fmt.Sprintf(trialKeyFormat, iteration)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}

		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// All returns every record in iteration order. The zero-padded key format
// makes Badger's lexical iteration numeric.
func (s *Store) All() ([]*trial.Record, error) {
	var records []*trial.Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(trialKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec trial.Record

			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			records = append(records, &rec)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading progress history: %w", err)
	}

	return records, nil
}

// Len returns the number of persisted records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next - 1
}

// NextIteration returns the 1-based index the next trial must use.
func (s *Store) NextIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next
}

// SetRunID persists the run identity. Set once when a store is created;
// resume keeps the original identity.
func (s *Store) SetRunID(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runIDKey), []byte(id))
	})
}

// RunID returns the persisted run identity, empty when none was set.
func (s *Store) RunID() (string, error) {
	var id string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runIDKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			id = string(val)

			return nil
		})
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

//////
// Helpers.
//////

// newStore scans the existing log to find where iteration numbering must
// continue. Keys are contiguous, so the count is also the max index.
func newStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger, next: 1}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(trialKeyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}

		s.next = count + 1

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("scanning progress store: %w", err)
	}

	return s, nil
}
