package aggregator

import "sync"

// JobLocks serializes state transitions per agg_job_id: spec.md §5
// requires that at most one transition be in flight for a given
// aggregation job, even though unrelated jobs must proceed concurrently.
// A single global mutex would over-serialize; a sync.Map-backed
// per-key mutex table gives each job its own lock without pre-declaring
// the key space.
type JobLocks struct {
	locks sync.Map // string (LockKey(task_id, agg_job_id)) -> *sync.Mutex
}

func NewJobLocks() *JobLocks {
	return &JobLocks{}
}

func (j *JobLocks) lockFor(key string) *sync.Mutex {
	v, _ := j.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// With runs fn while holding the lock for key, blocking any concurrent
// caller addressing the same job until fn returns.
func (j *JobLocks) With(key string, fn func() error) error {
	mu := j.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
