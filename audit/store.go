// Package audit records security-relevant events in an append-only store
// with payload sanitization and a risk score per event. The store backs
// the compliance query surface; records are never updated or deleted.
package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/qsrgraph/qsrgraph/common"
)

var bucketEvents = []byte("events")

// Event is one audited action.
type Event struct {
	ID        string            `json:"id"`
	At        time.Time         `json:"at"`
	EventType string            `json:"event_type"`
	Actor     string            `json:"actor"`
	ActorRole string            `json:"actor_role"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Result    string            `json:"result"`
	Details   map[string]string `json:"details,omitempty"`
	RiskScore int               `json:"risk_score"`
}

// Well-known event types and results.
const (
	EventUpload         = "upload"
	EventProcessControl = "process_control"
	EventConfigChange   = "config_change"
	EventDataAccess     = "data_access"
	EventDataDeletion   = "data_deletion"
	EventAuthFailure    = "auth_failure"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// baseRisk is the per-event-type starting score.
var baseRisk = map[string]int{
	EventUpload:         1,
	EventDataAccess:     1,
	EventProcessControl: 2,
	EventConfigChange:   3,
	EventDataDeletion:   4,
	EventAuthFailure:    5,
}

// Store is the append-only audit log.
type Store struct {
	db       *bolt.DB
	sanitize bool
	seq      atomic.Uint64
	log      *logrus.Entry
}

// Open creates or opens the audit database under dir.
func Open(dir string, sanitize bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, common.Wrap(common.KindInternal, "creating audit dir", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "events.db"), 0o600,
		&bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "opening audit store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, common.Wrap(common.KindInternal, "initializing audit store", err)
	}
	return &Store{
		db:       db,
		sanitize: sanitize,
		log:      common.Logger.WithField("component", "audit"),
	}, nil
}

// Record sanitizes, scores, and appends one event. The stored record is
// returned with its id and risk score filled in.
func (s *Store) Record(e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	suspicious := false
	if s.sanitize {
		e.Action = Sanitize(e.Action)
		e.Resource = Sanitize(e.Resource)
		if SanitizeMap(e.Details) || WasSanitized(e.Action) || WasSanitized(e.Resource) {
			suspicious = true
		}
	}
	e.RiskScore = score(e, suspicious)

	data, err := json.Marshal(e)
	if err != nil {
		return e, common.Wrap(common.KindInternal, "encoding audit event", err)
	}
	// Key: event time plus a sequence tiebreaker, so range scans come
	// back in chronological order.
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(e.At.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], s.seq.Add(1))

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(key, data)
	})
	if err != nil {
		return e, common.Wrap(common.KindInternal, "writing audit event", err)
	}
	if e.RiskScore >= 7 {
		s.log.WithFields(logrus.Fields{
			"event_type": e.EventType, "actor": e.Actor, "risk_score": e.RiskScore,
		}).Warn("high-risk audit event")
	}
	return e, nil
}

// score computes the 0..10 risk score.
func score(e Event, suspicious bool) int {
	risk, ok := baseRisk[e.EventType]
	if !ok {
		risk = 1
	}
	switch e.ActorRole {
	case "", "anonymous":
		risk += 2
	case "operator":
		risk++
	}
	if e.Result == ResultFailure || e.Result == ResultDenied {
		risk += 2
	}
	if suspicious {
		risk += 2
	}
	hour := e.At.UTC().Hour()
	if hour < 6 || hour >= 22 {
		risk++
	}
	if risk > 10 {
		risk = 10
	}
	return risk
}

// Filter narrows a period query. Zero values match everything.
type Filter struct {
	EventType string
	Actor     string
	MinRisk   int
}

// Query returns events in [from, to], oldest first, matching the filter.
func (s *Store) Query(from, to time.Time, f Filter) ([]Event, error) {
	min := make([]byte, 16)
	max := make([]byte, 16)
	binary.BigEndian.PutUint64(min[:8], uint64(from.UnixNano()))
	binary.BigEndian.PutUint64(max[:8], uint64(to.UnixNano()))
	for i := 8; i < 16; i++ {
		max[i] = 0xff
	}

	var out []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if f.EventType != "" && e.EventType != f.EventType {
				continue
			}
			if f.Actor != "" && e.Actor != f.Actor {
				continue
			}
			if e.RiskScore < f.MinRisk {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Report summarizes a period for compliance review.
type Report struct {
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Total     int            `json:"total"`
	ByType    map[string]int `json:"by_type"`
	ByResult  map[string]int `json:"by_result"`
	HighRisk  int            `json:"high_risk"`
	Sanitized int            `json:"sanitized"`
}

// Summarize builds the compliance report for a period.
func (s *Store) Summarize(from, to time.Time) (*Report, error) {
	events, err := s.Query(from, to, Filter{})
	if err != nil {
		return nil, err
	}
	r := &Report{
		From:     from,
		To:       to,
		Total:    len(events),
		ByType:   make(map[string]int),
		ByResult: make(map[string]int),
	}
	for _, e := range events {
		r.ByType[e.EventType]++
		r.ByResult[e.Result]++
		if e.RiskScore >= 7 {
			r.HighRisk++
		}
		for _, v := range e.Details {
			if WasSanitized(v) {
				r.Sanitized++
				break
			}
		}
	}
	return r, nil
}

func (s *Store) Close() error { return s.db.Close() }
