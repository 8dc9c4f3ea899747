package aggregator

import (
	"errors"
	"sync"

	"dapnode.dev/aggregator/dap"
)

// BatchStatus is the lifecycle stage of a batch's accumulation.
type BatchStatus uint8

const (
	BatchOpen BatchStatus = iota
	BatchSaturated
	BatchCollected
)

// Batch accumulates finished reports until it is closed (fixed-size, at
// max_batch_size) or collected. Grounded on spec.md §4.4 "Batch
// accumulation" and the per-(task_id, nonce) finality invariant of §3.
type Batch struct {
	TaskId       dap.TaskId
	Interval     dap.Interval // zero value for fixed-size batches
	BatchId      dap.BatchId  // zero value for time-interval batches
	FixedSize    bool
	Status       BatchStatus
	ReportCount  uint64
	MaxBatchSize uint64 // 0 means unbounded

	// Checksum is the running XOR-fold of the per-report checksum
	// contribution of every Finished report aggregated into this batch
	// (see BatchStore.RecordFinished for the fold itself).
	Checksum [32]byte
}

// timeIntervalBucket returns the half-open [start, start+time_precision)
// interval a report at t belongs to, per spec.md §4.4.
func timeIntervalBucket(t dap.Time, precision dap.Duration) dap.Interval {
	if precision == 0 {
		return dap.Interval{Start: t, Duration: 0}
	}
	start := dap.Time((uint64(t) / uint64(precision)) * uint64(precision))
	return dap.Interval{Start: start, Duration: precision}
}

// BatchStore holds every batch known to an Aggregator for a task,
// indexed by time-interval bucket or fixed-size batch ID. Guarded by a
// single RWMutex per the teacher's shared-mutable-map idiom (node/sync.go's
// SyncEngine), since batches belonging to different tasks are independent
// but most accesses are reads (report intake checking batch state).
type BatchStore struct {
	mu             sync.RWMutex
	byInterval     map[dap.TaskId]map[dap.Time]*Batch // keyed by interval.Start
	byFixedSizeId  map[dap.TaskId]map[dap.BatchId]*Batch
	openFixedSize  map[dap.TaskId][]dap.BatchId // FIFO of open fixed-size batches, oldest first
}

func NewBatchStore() *BatchStore {
	return &BatchStore{
		byInterval:    make(map[dap.TaskId]map[dap.Time]*Batch),
		byFixedSizeId: make(map[dap.TaskId]map[dap.BatchId]*Batch),
		openFixedSize: make(map[dap.TaskId][]dap.BatchId),
	}
}

// ResolveTimeInterval returns the (possibly newly created) batch for a
// report's timestamp, creating it open if this is the first report in the
// bucket.
func (s *BatchStore) ResolveTimeInterval(taskID dap.TaskId, t dap.Time, precision dap.Duration) *Batch {
	iv := timeIntervalBucket(t, precision)

	s.mu.Lock()
	defer s.mu.Unlock()
	perTask, ok := s.byInterval[taskID]
	if !ok {
		perTask = make(map[dap.Time]*Batch)
		s.byInterval[taskID] = perTask
	}
	b, ok := perTask[iv.Start]
	if !ok {
		b = &Batch{TaskId: taskID, Interval: iv, Status: BatchOpen}
		perTask[iv.Start] = b
	}
	return b
}

// ResolveFixedSize returns the current open fixed-size batch for a task,
// creating a fresh one if none is open (the previous one is saturated or
// collected, or none exists yet). maxBatchSize is 0 for unbounded.
func (s *BatchStore) ResolveFixedSize(taskID dap.TaskId, newBatchID func() dap.BatchId, maxBatchSize uint64) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.openFixedSize[taskID]
	byID := s.byFixedSizeId[taskID]
	if byID == nil {
		byID = make(map[dap.BatchId]*Batch)
		s.byFixedSizeId[taskID] = byID
	}
	for len(ids) > 0 {
		last := ids[len(ids)-1]
		if b := byID[last]; b.Status == BatchOpen {
			return b
		}
		ids = ids[:len(ids)-1]
	}
	id := newBatchID()
	b := &Batch{TaskId: taskID, BatchId: id, FixedSize: true, Status: BatchOpen, MaxBatchSize: maxBatchSize}
	byID[id] = b
	s.openFixedSize[taskID] = append(ids, id)
	return b
}

// EnsureFixedSize returns the batch for an explicit fixed-size batch ID,
// creating it (open) if this is the first time it's been referenced. Used
// by the Helper side, which learns a job's batch ID from the Leader's
// BatchParameter rather than choosing it itself via ResolveFixedSize.
func (s *BatchStore) EnsureFixedSize(taskID dap.TaskId, batchID dap.BatchId, maxBatchSize uint64) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.byFixedSizeId[taskID]
	if byID == nil {
		byID = make(map[dap.BatchId]*Batch)
		s.byFixedSizeId[taskID] = byID
	}
	b, ok := byID[batchID]
	if !ok {
		b = &Batch{TaskId: taskID, BatchId: batchID, FixedSize: true, Status: BatchOpen, MaxBatchSize: maxBatchSize}
		byID[batchID] = b
	}
	return b
}

// OldestUncollectedFixedSize returns the oldest not-yet-collected batch ID
// among the fixed-size batches ResolveFixedSize still tracks for a task.
// A saturated batch stays tracked only until the next ResolveFixedSize
// call opens a newer batch; after that it is no longer returned here.
// Used by the interop test surface's current_batch endpoint.
func (s *BatchStore) OldestUncollectedFixedSize(taskID dap.TaskId) (dap.BatchId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.byFixedSizeId[taskID]
	for _, id := range s.openFixedSize[taskID] {
		if b, ok := byID[id]; ok && b.Status != BatchCollected {
			return id, true
		}
	}
	return dap.BatchId{}, false
}

// LookupFixedSize returns the batch for a known fixed-size batch ID.
func (s *BatchStore) LookupFixedSize(taskID dap.TaskId, batchID dap.BatchId) (*Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byFixedSizeId[taskID][batchID]
	return b, ok
}

// LookupTimeInterval returns every batch whose bucket falls within iv.
func (s *BatchStore) LookupTimeInterval(taskID dap.TaskId, iv dap.Interval, precision dap.Duration) []*Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Batch
	end := iv.End()
	for start := iv.Start; start < end; start += dap.Time(precision) {
		if b, ok := s.byInterval[taskID][start]; ok {
			out = append(out, b)
		}
	}
	return out
}

// ErrBatchSaturated and ErrBatchCollected report which terminal batch
// state rejected a RecordFinished call, so callers can surface the
// matching dap.TransitionFailure for that report instead of the generic
// request-level BatchInvalid abort.
var (
	ErrBatchSaturated = errors.New("batch already saturated")
	ErrBatchCollected = errors.New("batch already collected")
)

// RecordFinished folds a finished report into b, XORing checksum into the
// batch's running checksum and closing it once MaxBatchSize is reached.
// Returns ErrBatchSaturated or ErrBatchCollected, leaving b unchanged, if
// b is already at capacity or collected.
func (s *BatchStore) RecordFinished(b *Batch, checksum [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch b.Status {
	case BatchCollected:
		return ErrBatchCollected
	case BatchSaturated:
		return ErrBatchSaturated
	}
	for i := range checksum {
		b.Checksum[i] ^= checksum[i]
	}
	b.ReportCount++
	if b.FixedSize && b.MaxBatchSize > 0 && b.ReportCount >= b.MaxBatchSize {
		b.Status = BatchSaturated
	}
	return nil
}

// MarkCollected transitions every batch in bs to BatchCollected, failing
// the whole call if any of them is already collected (so a retried collect
// over an overlapping range surfaces the conflict rather than silently
// double-counting).
func (s *BatchStore) MarkCollected(bs []*Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bs {
		if b.Status == BatchCollected {
			return abort(AbortBatchInvalid, b.TaskId.Base64URL(), "batch already collected")
		}
	}
	for _, b := range bs {
		b.Status = BatchCollected
	}
	return nil
}
