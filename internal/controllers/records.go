package controllers

import (
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/types"

	"github.com/usize/agentic-control-plane/internal/k8s"
	"github.com/usize/agentic-control-plane/internal/metrics"
)

// agentRecord is the reconciler's state for one derived agent identity.
type agentRecord struct {
	// flight serializes reconciles of this key.
	flight sync.Mutex

	// Fields below are guarded by recordSet.mu.
	workloads map[types.UID]k8s.TrackedWorkload
	removedAt time.Time
	// seq advances whenever the workload backing the key changes.
	seq int64
	// appliedSeq is the seq of the last fetch result written.
	appliedSeq int64
	// failures counts consecutive failures, including ones with no AgentCard to record them on.
	failures int
}

// recordSnapshot is a consistent copy of a record taken under the lock.
type recordSnapshot struct {
	workload  *k8s.TrackedWorkload
	removedAt time.Time
	seq       int64
}

// recordSet owns every agentRecord. It is the only place reconciliation state lives.
type recordSet struct {
	mu      sync.Mutex
	records map[types.NamespacedName]*agentRecord
	// byUID remembers which key each workload was last filed under.
	byUID map[types.UID]types.NamespacedName
}

func newRecordSet() *recordSet {
	return &recordSet{
		records: make(map[types.NamespacedName]*agentRecord),
		byUID:   make(map[types.UID]types.NamespacedName),
	}
}

func (s *recordSet) getOrCreate(key types.NamespacedName) *agentRecord {
	rec, ok := s.records[key]
	if !ok {
		rec = &agentRecord{workloads: make(map[types.UID]k8s.TrackedWorkload)}
		s.records[key] = rec
		metrics.SetTrackedAgents(len(s.records))
	}
	return rec
}

// observe applies a watcher event and returns the keys that need a reconcile.
func (s *recordSet) observe(ev k8s.Event, now time.Time) []types.NamespacedName {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.Workload.Key()
	wl := ev.Workload
	var dirty []types.NamespacedName

	switch ev.Type {
	case k8s.EventAdded, k8s.EventUpdated:
		// A relabelled workload moves to a new derived identity.
		if oldKey, ok := s.byUID[wl.UID]; ok && oldKey != key {
			if s.detach(oldKey, wl.UID, now) {
				dirty = append(dirty, oldKey)
			}
		}
		s.byUID[wl.UID] = key

		rec := s.getOrCreate(key)
		prev, had := rec.workloads[wl.UID]
		rec.workloads[wl.UID] = wl
		wasRemoved := !rec.removedAt.IsZero()
		rec.removedAt = time.Time{}

		switch {
		case !had, prev.Endpoint != wl.Endpoint:
			rec.seq++
			dirty = append(dirty, key)
		case wasRemoved, prev.Ready != wl.Ready:
			dirty = append(dirty, key)
		}

	case k8s.EventRemoved:
		if oldKey, ok := s.byUID[wl.UID]; ok {
			key = oldKey
		}
		delete(s.byUID, wl.UID)
		if s.detach(key, wl.UID, now) {
			dirty = append(dirty, key)
		}
	}
	return dirty
}

// detach removes a workload from key's record. Must be called with mu held.
func (s *recordSet) detach(key types.NamespacedName, uid types.UID, now time.Time) bool {
	rec, ok := s.records[key]
	if !ok {
		return false
	}
	if _, had := rec.workloads[uid]; !had {
		return false
	}
	delete(rec.workloads, uid)
	rec.seq++
	if len(rec.workloads) == 0 {
		rec.removedAt = now
	}
	return true
}

// adoptOrphan starts the grace period for a key with an AgentCard but no record.
func (s *recordSet) adoptOrphan(key types.NamespacedName, now time.Time) (*agentRecord, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrCreate(key)
	if len(rec.workloads) == 0 && rec.removedAt.IsZero() {
		rec.removedAt = now
	}
	return rec, rec.removedAt
}

func (s *recordSet) get(key types.NamespacedName) *agentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key]
}

func (s *recordSet) snapshot(rec *agentRecord) recordSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := recordSnapshot{removedAt: rec.removedAt, seq: rec.seq}
	if wl, ok := activeWorkload(rec.workloads); ok {
		snap.workload = &wl
	}
	return snap
}

// current reports whether a fetch started at seq may still be applied.
func (s *recordSet) current(rec *agentRecord, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq == rec.seq && seq >= rec.appliedSeq
}

func (s *recordSet) markApplied(rec *agentRecord, seq int64, failed bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > rec.appliedSeq {
		rec.appliedSeq = seq
	}
	if failed {
		rec.failures++
	} else {
		rec.failures = 0
	}
	return rec.failures
}

// stillRemoved reports whether the key has had no workload since removedAt.
func (s *recordSet) stillRemoved(rec *agentRecord, removedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(rec.workloads) == 0 && rec.removedAt.Equal(removedAt)
}

func (s *recordSet) forget(key types.NamespacedName, rec *agentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[key] == rec && len(rec.workloads) == 0 {
		delete(s.records, key)
	}
	metrics.SetTrackedAgents(len(s.records))
}

func (s *recordSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// activeWorkload picks the workload that serves the agent: ready ones first,
// then by name for a stable choice.
func activeWorkload(workloads map[types.UID]k8s.TrackedWorkload) (k8s.TrackedWorkload, bool) {
	if len(workloads) == 0 {
		return k8s.TrackedWorkload{}, false
	}
	all := make([]k8s.TrackedWorkload, 0, len(workloads))
	for _, wl := range workloads {
		all = append(all, wl)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Ready != all[j].Ready {
			return all[i].Ready
		}
		return all[i].Name < all[j].Name
	})
	return all[0], true
}
