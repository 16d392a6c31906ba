package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snapflowio/dbsync/logger"
)

// HealthRecord tracks one replica's recent fate. Mutated only by the
// scheduler after a cycle; read by anything that must skip a suspended
// replica.
type HealthRecord struct {
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Suspended           bool      `json:"suspended"`
}

// HealthStore persists health records in a local JSON file so sustained
// failure counts survive a restart. Suspension does not: a restart gives
// every replica a fresh chance.
type HealthStore struct {
	path    string
	mu      sync.Mutex
	records map[string]*HealthRecord
}

func OpenHealthStore(dir string) (*HealthStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &HealthStore{
		path:    filepath.Join(dir, "health.json"),
		records: make(map[string]*HealthRecord),
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read health state: %w", err)
	}
	if err := json.Unmarshal(raw, &s.records); err != nil {
		logger.Warn("[health] state file unreadable, starting fresh", "path", s.path, "error", err)
		s.records = make(map[string]*HealthRecord)
		return s, nil
	}
	for _, r := range s.records {
		r.Suspended = false
	}
	return s, nil
}

// Record returns a copy of the named replica's record.
func (s *HealthStore) Record(name string) HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[name]; ok {
		return *r
	}
	return HealthRecord{}
}

func (s *HealthStore) IsSuspended(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	return ok && r.Suspended
}

// Success resets the failure streak after any successful cycle.
func (s *HealthStore) Success(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(name)
	r.LastSuccess = time.Now().UTC()
	r.ConsecutiveFailures = 0
	r.Suspended = false
	s.persist()
}

// Failure increments the streak and suspends the replica once it reaches
// maxConsecutive fully-failed cycles. Returns the updated record.
func (s *HealthStore) Failure(name string, maxConsecutive int) HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(name)
	r.LastFailure = time.Now().UTC()
	r.ConsecutiveFailures++
	if maxConsecutive > 0 && r.ConsecutiveFailures >= maxConsecutive && !r.Suspended {
		r.Suspended = true
		logger.Warn("[health] replica suspended after sustained failure", "replica", name, "consecutiveFailures", r.ConsecutiveFailures)
	}
	s.persist()
	return *r
}

// Reset clears a suspension manually.
func (s *HealthStore) Reset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(name)
	r.ConsecutiveFailures = 0
	r.Suspended = false
	s.persist()
	logger.Info("[health] replica reset", "replica", name)
}

// Records returns a copy of every record, for inspection surfaces.
func (s *HealthStore) Records() map[string]HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]HealthRecord, len(s.records))
	for name, r := range s.records {
		out[name] = *r
	}
	return out
}

func (s *HealthStore) record(name string) *HealthRecord {
	r, ok := s.records[name]
	if !ok {
		r = &HealthRecord{}
		s.records[name] = r
	}
	return r
}

// persist writes the full record set atomically: temp file then rename.
// Callers hold s.mu.
func (s *HealthStore) persist() {
	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		logger.Error("[health] marshal state failed", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		logger.Error("[health] write state failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logger.Error("[health] replace state failed", "path", s.path, "error", err)
	}
}
