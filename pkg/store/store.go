package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/iore/iore/pkg/engine"
	"github.com/iore/iore/pkg/results"
)

const resultPrefix = "result:"

// ErrInvalidExperiment is returned for experiment ids that cannot be keyed.
var ErrInvalidExperiment = errors.New("invalid experiment id")

// CheckExperimentID rejects ids that are empty or contain the key
// separator, which would let one experiment's prefix match another's.
func CheckExperimentID(id string) error {
	if id == "" || strings.Contains(id, ":") {
		return fmt.Errorf("%w %q: must be non-empty and must not contain ':'", ErrInvalidExperiment, id)
	}
	return nil
}

// Record is one archived phase result.
type Record struct {
	Experiment   string    `json:"experiment"`
	Host         string    `json:"host"`
	Timestamp    time.Time `json:"ts"`
	Run          int       `json:"run"`
	Repetition   int       `json:"rep"`
	Access       string    `json:"access"`
	API          string    `json:"api"`
	Policy       string    `json:"policy"`
	Pattern      string    `json:"pattern"`
	Tasks        int       `json:"tasks"`
	Bytes        int64     `json:"bytes"`
	Seconds      float64   `json:"seconds"`
	BandwidthMiB float64   `json:"bandwidth_mib_s"`
	OpenSeconds  float64   `json:"open_s"`
	XferSeconds  float64   `json:"xfer_s"`
	CloseSeconds float64   `json:"close_s"`
}

// key orders records by experiment, run, access and repetition.
func (r Record) key() []byte {
	return []byte(fmt.Sprintf("%s%s:%06d:%s:%06d", resultPrefix, r.Experiment, r.Run, r.Access, r.Repetition))
}

// Store is a results archive in a badger directory.
type Store struct {
	db *badger.DB
}

// Open opens or creates the archive in dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("store.Open: %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Put writes records in one transaction.
func (s *Store) Put(recs ...Record) error {
	for _, r := range recs {
		if err := CheckExperimentID(r.Experiment); err != nil {
			return fmt.Errorf("store.Put: %w", err)
		}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, r := range recs {
			val, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := txn.Set(r.key(), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store.Put: %w", err)
	}
	return nil
}

// List returns the records of one experiment, or of all experiments when
// experiment is empty, in key order.
func (s *Store) List(experiment string) ([]Record, error) {
	prefix := resultPrefix
	if experiment != "" {
		if err := CheckExperimentID(experiment); err != nil {
			return nil, fmt.Errorf("store.List: %w", err)
		}
		prefix += experiment + ":"
	}
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var r Record
				if err := json.Unmarshal(val, &r); err != nil {
					slog.Warn("skipping corrupt record", "component", "store", "key", string(item.Key()), "error", err)
					return nil
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.List: %w", err)
	}
	return out, nil
}

// Experiments returns the archived experiment ids ordered by their first
// record's timestamp.
func (s *Store) Experiments() ([]string, error) {
	recs, err := s.List("")
	if err != nil {
		return nil, err
	}
	first := make(map[string]time.Time)
	for _, r := range recs {
		if ts, ok := first[r.Experiment]; !ok || r.Timestamp.Before(ts) {
			first[r.Experiment] = r.Timestamp
		}
	}
	ids := make([]string, 0, len(first))
	for id := range first {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if first[ids[i]].Equal(first[ids[j]]) {
			return ids[i] < ids[j]
		}
		return first[ids[i]].Before(first[ids[j]])
	})
	return ids, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sink archives every repetition reported by the engine.
type Sink struct {
	store      *Store
	Experiment string
	Host       string
}

// NewSink returns a sink for experiment; an empty id gets a fresh UUID.
func (s *Store) NewSink(experiment, host string) *Sink {
	if experiment == "" {
		experiment = uuid.NewString()
	}
	return &Sink{store: s, Experiment: experiment, Host: host}
}

func (k *Sink) RunStarted(*engine.Run, engine.RunInfo) error { return nil }

func (k *Sink) Repetition(run *engine.Run, rep int, write, read *results.Summary) error {
	var recs []Record
	now := time.Now()
	for _, sum := range []*results.Summary{write, read} {
		if sum == nil {
			continue
		}
		recs = append(recs, Record{
			Experiment:   k.Experiment,
			Host:         k.Host,
			Timestamp:    now,
			Run:          run.ID,
			Repetition:   rep,
			Access:       sum.Access.String(),
			API:          run.Params.API,
			Policy:       string(run.Params.SharingPolicy),
			Pattern:      string(run.Params.AccessPattern),
			Tasks:        run.Tasks,
			Bytes:        sum.Bytes,
			Seconds:      sum.Elapsed(),
			BandwidthMiB: sum.Bandwidth(),
			OpenSeconds:  sum.OpenTime(),
			XferSeconds:  sum.XferTime(),
			CloseSeconds: sum.CloseTime(),
		})
	}
	if len(recs) == 0 {
		return nil
	}
	return k.store.Put(recs...)
}

func (k *Sink) RunFinished(*engine.Run, []results.Stats) error { return nil }
