package authority

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/hashicorp/go-memdb"

	"github.com/matt-riley/flagsync/internal/core"
)

const (
	tableEvaluations = "evaluations"
	tableEvents      = "events"

	// AnyTarget holds evaluations served to every target of an environment
	// that has no value of its own for a flag.
	AnyTarget = "*"

	// FlagDomain is the domain of change events about flag evaluations.
	FlagDomain = "flag"
)

type evaluationRecord struct {
	Environment string
	Target      string
	Flag        string
	Value       core.Value
	Version     int
}

type eventRecord struct {
	Environment string
	// Seq is zero-padded so the string index orders numerically.
	Seq     string
	ID      uint64
	Message core.Message
}

// ChangeEvent is one entry of an environment's change feed.
type ChangeEvent struct {
	ID      uint64
	Message core.Message
}

// Store keeps evaluations and the per-environment change feed in memory.
// Readers can block on the watch channel returned by EventsSince until the
// feed grows.
type Store struct {
	db *memdb.MemDB

	mu  sync.Mutex
	seq uint64
}

func NewStore() (*Store, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableEvaluations: {
				Name: tableEvaluations,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Environment"},
								&memdb.StringFieldIndex{Field: "Target"},
								&memdb.StringFieldIndex{Field: "Flag"},
							},
						},
					},
				},
			},
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Environment"},
								&memdb.StringFieldIndex{Field: "Seq"},
							},
						},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("create authority store: %w", err)
	}
	return &Store{db: db}, nil
}

func seqKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// Put stores eval for target and appends a change event to the environment's
// feed. Setting a value equal to the stored one is a no-op.
func (s *Store) Put(environment, target string, eval core.Evaluation) (ChangeEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	version := 1
	existing, err := txn.First(tableEvaluations, "id", environment, target, eval.Flag)
	if err != nil {
		return ChangeEvent{}, false, fmt.Errorf("lookup evaluation: %w", err)
	}
	if existing != nil {
		rec := existing.(evaluationRecord)
		if rec.Value.Equal(eval.Value) {
			return ChangeEvent{}, false, nil
		}
		version = rec.Version + 1
	}

	if err := txn.Insert(tableEvaluations, evaluationRecord{
		Environment: environment,
		Target:      target,
		Flag:        eval.Flag,
		Value:       eval.Value,
		Version:     version,
	}); err != nil {
		return ChangeEvent{}, false, fmt.Errorf("insert evaluation: %w", err)
	}

	s.seq++
	ev := ChangeEvent{
		ID: s.seq,
		Message: core.Message{
			Event:      strconv.FormatUint(s.seq, 10),
			Domain:     FlagDomain,
			Identifier: eval.Flag,
			Version:    version,
		},
	}
	if err := txn.Insert(tableEvents, eventRecord{
		Environment: environment,
		Seq:         seqKey(ev.ID),
		ID:          ev.ID,
		Message:     ev.Message,
	}); err != nil {
		return ChangeEvent{}, false, fmt.Errorf("insert event: %w", err)
	}

	txn.Commit()
	return ev, true, nil
}

// List returns the evaluations target sees: its own values over the
// environment's AnyTarget values, ordered by flag.
func (s *Store) List(environment, target string) ([]core.Evaluation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	byFlag := make(map[string]core.Evaluation)
	var order []string
	for _, t := range []string{AnyTarget, target} {
		it, err := txn.Get(tableEvaluations, "id_prefix", environment, t)
		if err != nil {
			return nil, fmt.Errorf("list evaluations: %w", err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			rec := obj.(evaluationRecord)
			// The prefix also matches longer target names.
			if rec.Target != t {
				continue
			}
			if _, seen := byFlag[rec.Flag]; !seen {
				order = append(order, rec.Flag)
			}
			byFlag[rec.Flag] = core.Evaluation{Flag: rec.Flag, Value: rec.Value}
		}
		if t == AnyTarget && target == AnyTarget {
			break
		}
	}

	slices.Sort(order)
	evals := make([]core.Evaluation, 0, len(order))
	for _, flag := range order {
		evals = append(evals, byFlag[flag])
	}
	return evals, nil
}

// Get returns the evaluation of flag for target, falling back to AnyTarget.
func (s *Store) Get(environment, target, flag string) (core.Evaluation, bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	for _, t := range []string{target, AnyTarget} {
		obj, err := txn.First(tableEvaluations, "id", environment, t, flag)
		if err != nil {
			return core.Evaluation{}, false, fmt.Errorf("get evaluation: %w", err)
		}
		if obj != nil {
			rec := obj.(evaluationRecord)
			return core.Evaluation{Flag: rec.Flag, Value: rec.Value}, true, nil
		}
	}
	return core.Evaluation{}, false, nil
}

// EventsSince returns the environment's change events with an id greater than
// after, and a channel that is closed when newer events may be available.
func (s *Store) EventsSince(environment string, after uint64) ([]ChangeEvent, <-chan struct{}, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.LowerBound(tableEvents, "id", environment, seqKey(after+1))
	if err != nil {
		return nil, nil, fmt.Errorf("list events: %w", err)
	}

	var events []ChangeEvent
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(eventRecord)
		if rec.Environment != environment {
			break
		}
		events = append(events, ChangeEvent{ID: rec.ID, Message: rec.Message})
	}

	watch, err := s.watchEnvironment(txn, environment)
	if err != nil {
		return nil, nil, err
	}
	return events, watch, nil
}

func (s *Store) watchEnvironment(txn *memdb.Txn, environment string) (<-chan struct{}, error) {
	it, err := txn.Get(tableEvents, "id_prefix", environment)
	if err != nil {
		return nil, fmt.Errorf("watch events: %w", err)
	}
	return it.WatchCh(), nil
}

// LastEventID returns the id of the newest event across all environments.
func (s *Store) LastEventID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
