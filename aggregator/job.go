package aggregator

import (
	"sync"

	"golang.org/x/crypto/sha3"

	"dapnode.dev/aggregator/dap"
)

// checksumTag computes the per-report commitment tag folded into a
// batch's running checksum once a report's transition reaches Finished:
// SHA3-256(task_id || agg_job_id || nonce). Binding the tag to the
// aggregation job it was produced under means two different jobs over
// the same underlying reports can never collide in the fold (Open
// Question 3's resolution).
func checksumTag(taskID dap.TaskId, aggJobID dap.AggJobId, nonce dap.Nonce) [32]byte {
	h := sha3.New256()
	taskRaw := dap.Id(taskID)
	jobRaw := dap.Id(aggJobID)
	h.Write(taskRaw[:])
	h.Write(jobRaw[:])
	h.Write(nonce[:])
	var tag [32]byte
	h.Sum(tag[:0])
	return tag
}

// JobState is the lifecycle stage of an aggregation job, per spec.md
// §4.4: INIT -> CONTINUING -> FINISHED | FAILED.
type JobState uint8

const (
	JobInit JobState = iota
	JobContinuing
	JobFinished
	JobFailed
)

// PendingReport is a report still being carried through an aggregation
// job's VDAF preparation rounds, tracked by nonce (not position) per
// spec.md §4.4 "Ordering & tie-breaks".
type PendingReport struct {
	Nonce       dap.Nonce
	Time        dap.Time
	PublicShare []byte
	// Checksum is this report's contribution to the batch checksum,
	// folded in once the report reaches Finished.
	Checksum [32]byte
}

// Job is one aggregation job: the Leader's view of a set of reports moving
// together through VDAF preparation. Grounded on spec.md §4.4 plus the
// teacher's SyncEngine shape (config-like identity fields, RWMutex-guarded
// mutable state, small advance-on-success methods) since the merge logic
// itself has no direct wire-codec analogue.
type Job struct {
	TaskId     dap.TaskId
	AggJobId   dap.AggJobId
	BatchParam dap.BatchParameter

	mu       sync.RWMutex
	state    JobState
	pending       map[dap.Nonce]*PendingReport
	finished      map[dap.Nonce][32]byte // nonce -> checksum tag
	finishedTimes map[dap.Nonce]dap.Time
	failed        map[dap.Nonce]dap.TransitionFailure

	// lastResp caches the Helper's most recent AggregateResp bytes so a
	// retried request for the same (task_id, agg_job_id) can be answered
	// idempotently rather than re-run, per spec.md §4.4 "Helper side".
	lastReqDigest [32]byte
	lastResp      dap.AggregateResp
	haveLastResp  bool
}

// NewJob creates a job in state INIT carrying the given pending reports,
// keyed by nonce. NewJob does not check for duplicate nonces in the
// input: a later report with the same nonce replaces an earlier one.
func NewJob(taskID dap.TaskId, aggJobID dap.AggJobId, param dap.BatchParameter, reports []PendingReport) *Job {
	j := &Job{
		TaskId:     taskID,
		AggJobId:   aggJobID,
		BatchParam: param,
		state:      JobInit,
		pending:       make(map[dap.Nonce]*PendingReport, len(reports)),
		finished:      make(map[dap.Nonce][32]byte),
		finishedTimes: make(map[dap.Nonce]dap.Time),
		failed:        make(map[dap.Nonce]dap.TransitionFailure),
	}
	for i := range reports {
		r := reports[i]
		j.pending[r.Nonce] = &r
	}
	return j
}

func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// PendingNonces returns the nonces still awaiting a terminal transition.
func (j *Job) PendingNonces() []dap.Nonce {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]dap.Nonce, 0, len(j.pending))
	for n := range j.pending {
		out = append(out, n)
	}
	return out
}

// PrepareStepFunc runs the Leader's VDAF preparation step against a
// Continued message for one report.
type PrepareStepFunc func(report *PendingReport, msg []byte) error

// MergeTransitions applies one AggregateResp's transitions to the job,
// matching each by nonce rather than position. Transitions for nonces the
// job does not know are ignored; nonces the job knows but that go
// unmentioned are left untouched (spec.md §4.4 "Ordering & tie-breaks").
// Returns a BadRequest DapAbort if resp itself repeats a nonce.
func (j *Job) MergeTransitions(resp dap.AggregateResp, step PrepareStepFunc) error {
	seen := make(map[dap.Nonce]struct{}, len(resp.Transitions))
	for _, t := range resp.Transitions {
		if _, dup := seen[t.Nonce]; dup {
			return abort(AbortBadRequest, j.TaskId.Base64URL(), "duplicate nonce in aggregate response")
		}
		seen[t.Nonce] = struct{}{}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, t := range resp.Transitions {
		report, known := j.pending[t.Nonce]
		if !known {
			continue
		}
		switch t.Var.Kind {
		case dap.TransitionVarFinished:
			report.Checksum = checksumTag(j.TaskId, j.AggJobId, t.Nonce)
			delete(j.pending, t.Nonce)
			j.finished[t.Nonce] = report.Checksum
			j.finishedTimes[t.Nonce] = report.Time
		case dap.TransitionVarFailed:
			delete(j.pending, t.Nonce)
			j.failed[t.Nonce] = t.Var.Failure
		case dap.TransitionVarContinued:
			if err := step(report, t.Var.Continued); err != nil {
				delete(j.pending, t.Nonce)
				j.failed[t.Nonce] = dap.TransitionFailureVdafPrepError
				continue
			}
		}
	}

	if len(j.pending) == 0 {
		j.state = JobFinished
	} else {
		j.state = JobContinuing
	}
	return nil
}

// FinishedReports returns the nonces that reached a terminal Finished
// state.
func (j *Job) FinishedReports() []dap.Nonce {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]dap.Nonce, 0, len(j.finished))
	for n := range j.finished {
		out = append(out, n)
	}
	return out
}

// FinishedChecksum returns the checksum tag recorded for a finished
// report's nonce, for folding into a batch's running checksum via
// BatchStore.RecordFinished.
func (j *Job) FinishedChecksum(nonce dap.Nonce) ([32]byte, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	tag, ok := j.finished[nonce]
	return tag, ok
}

// DowngradeFinished moves nonce out of the finished set and into failed,
// recording failure as the reason. Used when a report's checksum turns
// out to arrive too late to fold into any batch (BatchStore.RecordFinished
// found the batch already saturated or collected), so the job's own
// bookkeeping matches what the wire response ends up claiming for that
// nonce. A no-op if nonce was not finished.
func (j *Job) DowngradeFinished(nonce dap.Nonce, failure dap.TransitionFailure) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.finished[nonce]; !ok {
		return
	}
	delete(j.finished, nonce)
	delete(j.finishedTimes, nonce)
	j.failed[nonce] = failure
}

// ReportTime returns the timestamp a pending-or-finished report carried,
// for resolving which batch its checksum belongs in once it finishes.
func (j *Job) ReportTime(nonce dap.Nonce) (dap.Time, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if r, ok := j.pending[nonce]; ok {
		return r.Time, true
	}
	t, ok := j.finishedTimes[nonce]
	return t, ok
}

// CachedResponse returns the previously computed AggregateResp for a
// request digest matching an earlier call, implementing the Helper-side
// idempotency spec.md §4.4 requires: a repeated AggregateInitializeReq for
// the same (task_id, agg_job_id) gets back the same bytes.
func (j *Job) CachedResponse(digest [32]byte) (dap.AggregateResp, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.haveLastResp || digest != j.lastReqDigest {
		return dap.AggregateResp{}, false
	}
	return j.lastResp, true
}

// CacheResponse records resp as the answer to a request with the given
// digest, for future idempotent replay.
func (j *Job) CacheResponse(digest [32]byte, resp dap.AggregateResp) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastReqDigest = digest
	j.lastResp = resp
	j.haveLastResp = true
}
