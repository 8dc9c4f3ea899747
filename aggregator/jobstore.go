package aggregator

import (
	"sync"

	"dapnode.dev/aggregator/dap"
)

// JobStore holds in-flight aggregation Jobs in memory, keyed by
// (task_id, agg_job_id). No method removes a Job: it stays here after
// reaching FINISHED or FAILED, until the whole table is replaced. Once
// finished its per-nonce checksums have already been folded into the
// owning Batch, so the Job itself need not survive a process restart.
// Mirrors JobLocks' sync.Map-keyed-table
// shape for the same reason: many distinct keys, low contention per key.
type JobStore struct {
	jobs sync.Map // jobKey -> *Job
}

type jobKey struct {
	TaskId   dap.TaskId
	AggJobId dap.AggJobId
}

func NewJobStore() *JobStore {
	return &JobStore{}
}

// GetOrCreate returns the existing Job for (taskID, aggJobID) if present,
// otherwise constructs one via newJob and stores it.
func (s *JobStore) GetOrCreate(taskID dap.TaskId, aggJobID dap.AggJobId, newJob func() *Job) (job *Job, created bool) {
	key := jobKey{TaskId: taskID, AggJobId: aggJobID}
	if v, ok := s.jobs.Load(key); ok {
		return v.(*Job), false
	}
	j := newJob()
	actual, loaded := s.jobs.LoadOrStore(key, j)
	return actual.(*Job), !loaded
}

// Lookup returns the Job for (taskID, aggJobID), if any.
func (s *JobStore) Lookup(taskID dap.TaskId, aggJobID dap.AggJobId) (*Job, bool) {
	v, ok := s.jobs.Load(jobKey{TaskId: taskID, AggJobId: aggJobID})
	if !ok {
		return nil, false
	}
	return v.(*Job), true
}

// LockKey renders the (taskID, aggJobID) pair to the string JobLocks
// stripes on.
func LockKey(taskID dap.TaskId, aggJobID dap.AggJobId) string {
	return taskID.Base64URL() + "/" + aggJobID.Base64URL()
}
