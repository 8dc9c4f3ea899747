package aggregator

import (
	"context"
	"log/slog"

	"dapnode.dev/aggregator/dap"
	"dapnode.dev/aggregator/store"
)

// TaskLookup resolves a task_id to its persisted configuration, used by
// Intake to validate a report against its task without this package
// depending on the store's concrete backend.
type TaskLookup func(ctx context.Context, taskID dap.TaskId) (store.TaskConfig, error)

// ReplayCheck performs the atomic check-and-set replay test for
// (task_id, nonce): it returns true if the pair was already present. The
// underlying operation must be store.Store.PutIfNotExists, never an
// in-process structure, per spec.md §9 ("Replay cache ... never an
// in-process data structure alone").
type ReplayCheck func(ctx context.Context, taskID dap.TaskId, nonce dap.Nonce) (alreadySeen bool, err error)

// PendingBucket persists an intaken report into its batch assignment.
type PendingBucket func(ctx context.Context, report dap.Report) error

// Intake implements report intake (Leader side), per spec.md §4.4 steps
// 1-5: decode has already happened by the time Intake is called (decoding
// is the HTTP handler's job, out of this package's scope); Intake starts
// at task lookup.
type Intake struct {
	log        *slog.Logger
	lookup     TaskLookup
	replay     ReplayCheck
	persist    PendingBucket
	replayMode func(ctx context.Context) ReplayProtection
}

func NewIntake(log *slog.Logger, lookup TaskLookup, replay ReplayCheck, persist PendingBucket, replayMode func(ctx context.Context) ReplayProtection) *Intake {
	return &Intake{log: log, lookup: lookup, replay: replay, persist: persist, replayMode: replayMode}
}

// Accept runs a decoded report through intake, returning a DapAbort or
// a TransitionFailure-carrying result as appropriate. A nil error and a
// zero-value TransitionFailure (with rejected=false) means the report was
// accepted and persisted.
func (in *Intake) Accept(ctx context.Context, r dap.Report) (failure dap.TransitionFailure, rejected bool, err error) {
	task, err := in.lookup(ctx, r.TaskId)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, false, abort(AbortUnrecognizedTask, r.TaskId.Base64URL(), "unknown task_id")
		}
		return 0, false, fatal("looking up task config", err)
	}
	if r.Metadata.Time < task.NotBefore || r.Metadata.Time > task.NotAfter {
		return dap.TransitionFailureReportDropped, true, nil
	}
	if task.TimePrecision == 0 || uint64(r.Metadata.Time)%uint64(task.TimePrecision) != 0 {
		return dap.TransitionFailureReportDropped, true, nil
	}

	if in.replayMode(ctx) == ReplayProtectionEnabled {
		seen, err := in.replay(ctx, r.TaskId, r.Metadata.Nonce)
		if err != nil {
			return 0, false, fatal("checking replay cache", err)
		}
		if seen {
			return dap.TransitionFailureReportReplayed, true, nil
		}
	}

	if err := in.persist(ctx, r); err != nil {
		return 0, false, fatal("persisting intaken report", err)
	}
	return 0, false, nil
}
