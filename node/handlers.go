package node

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"dapnode.dev/aggregator/aggregator"
	"dapnode.dev/aggregator/dap"
	"dapnode.dev/aggregator/store"
)

// Media types for the DAP binary wire messages, carried as the
// Content-Type of request/response bodies. HTTP routing and
// authentication middleware are out of scope (spec.md §1): these
// handlers assume a router has already matched {id} and stripped any
// auth layer, and speak nothing but the raw framed bytes below.
const (
	mediaTypeAggregateInitializeReq = "application/dap-aggregate-initialize-req"
	mediaTypeAggregateContinueReq   = "application/dap-aggregate-continue-req"
	mediaTypeAggregateResp          = "application/dap-aggregate-resp"
	mediaTypeCollectResp            = "application/dap-collect-resp"
	mediaTypeAggregateShareResp     = "application/dap-aggregate-share-resp"
	mediaTypeHpkeConfigList         = "application/dap-hpke-config-list"
)

// problemDetails is the RFC 7807 error body spec.md §6 mandates for every
// non-success response.
type problemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	TaskId string `json:"taskid,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, code, detail, taskID string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetails{
		Type:   "urn:ietf:params:dap:error:" + code,
		Title:  code,
		Detail: detail,
		TaskId: taskID,
	})
}

// writeErr translates an aggregator error (DapAbort or FatalError) into
// an HTTP response, or 500s on anything unrecognized.
func writeErr(w http.ResponseWriter, err error) {
	if abort, ok := err.(*aggregator.DapAbort); ok {
		status := http.StatusBadRequest
		switch abort.Code {
		case aggregator.AbortUnrecognizedTask:
			status = http.StatusNotFound
		case aggregator.AbortStepMismatch:
			status = http.StatusConflict
		}
		writeProblem(w, status, string(abort.Code), abort.Msg, abort.TaskID)
		return
	}
	writeProblem(w, http.StatusInternalServerError, "internalError", err.Error(), "")
}

func writeSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

const maxRequestBody = 10 << 20 // 10MiB; reports and prep messages are small, batches of them are not

// HandleUploadReport implements PUT /tasks/{id}/reports (Leader).
func (a *App) HandleUploadReport(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxRequestBody)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	report, err := dap.DecodeReport(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	failure, rejected, err := a.Intake.Accept(r.Context(), report)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rejected {
		writeProblem(w, http.StatusBadRequest, "reportRejected", failure.String(), report.TaskId.Base64URL())
		return
	}
	writeSuccess(w)
}

// HandleAggregate implements POST /tasks/{id}/aggregate (Helper): it
// dispatches on Content-Type between the initialize and continue phases
// of one aggregation job, per spec.md §4.4 "Helper side".
func (a *App) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	switch r.Header.Get("Content-Type") {
	case mediaTypeAggregateInitializeReq:
		a.handleAggregateInitialize(w, r)
	case mediaTypeAggregateContinueReq:
		a.handleAggregateContinue(w, r)
	default:
		writeProblem(w, http.StatusUnsupportedMediaType, "malformedMessage", "unrecognized aggregate content-type", "")
	}
}

func (a *App) handleAggregateInitialize(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxRequestBody)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	req, err := dap.DecodeAggregateInitializeReq(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	digest := sha256.Sum256(body)

	task, err := a.taskLookup(r.Context(), req.TaskId)
	if err != nil {
		if err == store.ErrNotFound {
			writeProblem(w, http.StatusNotFound, string(aggregator.AbortUnrecognizedTask), "unknown task_id", req.TaskId.Base64URL())
			return
		}
		writeErr(w, err)
		return
	}

	var resp dap.AggregateResp
	lockErr := a.JobLocks.With(aggregator.LockKey(req.TaskId, req.AggJobId), func() error {
		job, created := a.Jobs.GetOrCreate(req.TaskId, req.AggJobId, func() *aggregator.Job {
			reports := make([]aggregator.PendingReport, len(req.ReportShares))
			for i, s := range req.ReportShares {
				reports[i] = aggregator.PendingReport{Nonce: s.Metadata.Nonce, Time: s.Metadata.Time, PublicShare: s.PublicShare}
			}
			return aggregator.NewJob(req.TaskId, req.AggJobId, req.BatchParam, reports)
		})
		if !created {
			if cached, ok := job.CachedResponse(digest); ok {
				resp = cached
				return nil
			}
			return &aggregator.DapAbort{Code: aggregator.AbortStepMismatch, TaskID: req.TaskId.Base64URL(), Msg: "agg_job_id already in use with a different request"}
		}
		if a.VdafInitialize == nil {
			return fatalNotWired("VdafInitialize")
		}
		r, err := a.VdafInitialize(task, req.AggParam, req.ReportShares)
		if err != nil {
			return err
		}
		if err := job.MergeTransitions(r, a.VdafStep); err != nil {
			return err
		}
		a.recordFinishedChecksums(job, task, &r)
		job.CacheResponse(digest, r)
		resp = r
		return nil
	})
	if lockErr != nil {
		writeErr(w, lockErr)
		return
	}
	writeAggregateResp(w, resp)
}

func (a *App) handleAggregateContinue(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxRequestBody)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	req, err := dap.DecodeAggregateContinueReq(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	digest := sha256.Sum256(body)

	task, err := a.taskLookup(r.Context(), req.TaskId)
	if err != nil {
		if err == store.ErrNotFound {
			writeProblem(w, http.StatusNotFound, string(aggregator.AbortUnrecognizedTask), "unknown task_id", req.TaskId.Base64URL())
			return
		}
		writeErr(w, err)
		return
	}

	var resp dap.AggregateResp
	lockErr := a.JobLocks.With(aggregator.LockKey(req.TaskId, req.AggJobId), func() error {
		job, ok := a.Jobs.Lookup(req.TaskId, req.AggJobId)
		if !ok {
			return &aggregator.DapAbort{Code: aggregator.AbortUnrecognizedTask, TaskID: req.TaskId.Base64URL(), Msg: "unknown agg_job_id"}
		}
		if cached, ok := job.CachedResponse(digest); ok {
			resp = cached
			return nil
		}
		aggResp := dap.AggregateResp{Transitions: req.Transitions}
		if err := job.MergeTransitions(aggResp, a.VdafStep); err != nil {
			return err
		}
		a.recordFinishedChecksums(job, task, &aggResp)
		job.CacheResponse(digest, aggResp)
		resp = aggResp
		return nil
	})
	if lockErr != nil {
		writeErr(w, lockErr)
		return
	}
	writeAggregateResp(w, resp)
}

// recordFinishedChecksums folds every newly finished report's checksum
// tag into its batch, resolving the batch the job's BatchParam addresses
// the same way Collect resolves a Query. A report whose batch is already
// BatchSaturated or BatchCollected by the time it gets here is downgraded
// in place, in both job and resp, from Finished to a TransitionFailure
// carrying that reason — otherwise the wire response would claim
// Finished for a report whose checksum never actually joined a batch,
// and ReportCount would undercount it forever.
func (a *App) recordFinishedChecksums(job *aggregator.Job, task store.TaskConfig, resp *dap.AggregateResp) {
	for _, nonce := range job.FinishedReports() {
		tag, ok := job.FinishedChecksum(nonce)
		if !ok {
			continue
		}
		var batch *aggregator.Batch
		if job.BatchParam.FixedSize {
			batch = a.Batches.EnsureFixedSize(job.TaskId, job.BatchParam.BatchId, uint64(task.Query.Var.MaxBatchSize))
		} else {
			reportTime, ok := job.ReportTime(nonce)
			if !ok {
				continue
			}
			batch = a.Batches.ResolveTimeInterval(job.TaskId, reportTime, task.TimePrecision)
		}
		if err := a.Batches.RecordFinished(batch, tag); err != nil {
			failure := dap.TransitionFailureBatchSaturated
			if errors.Is(err, aggregator.ErrBatchCollected) {
				failure = dap.TransitionFailureBatchCollected
			}
			job.DowngradeFinished(nonce, failure)
			downgradeTransition(resp, nonce, failure)
		}
	}
}

// downgradeTransition rewrites resp's transition for nonce from Finished
// to Failed in place, so a response already built from MergeTransitions
// never leaves the wire claiming success for a report recordFinishedChecksums
// just rejected.
func downgradeTransition(resp *dap.AggregateResp, nonce dap.Nonce, failure dap.TransitionFailure) {
	for i := range resp.Transitions {
		if resp.Transitions[i].Nonce == nonce {
			resp.Transitions[i].Var = dap.TransitionVar{Kind: dap.TransitionVarFailed, Failure: failure}
			return
		}
	}
}

func writeAggregateResp(w http.ResponseWriter, resp dap.AggregateResp) {
	raw, err := resp.Encode()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "internalError", err.Error(), "")
		return
	}
	w.Header().Set("Content-Type", mediaTypeAggregateResp)
	_, _ = w.Write(raw)
}

// HandleCollect implements POST /tasks/{id}/collect (Leader).
func (a *App) HandleCollect(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxRequestBody)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	req, err := dap.DecodeCollectReq(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	task, err := a.taskLookup(r.Context(), req.TaskId)
	if err != nil {
		if err == store.ErrNotFound {
			writeProblem(w, http.StatusNotFound, string(aggregator.AbortUnrecognizedTask), "unknown task_id", req.TaskId.Base64URL())
			return
		}
		writeErr(w, err)
		return
	}
	if a.LeaderShare == nil || a.HelperShare == nil {
		writeErr(w, fatalNotWired("LeaderShare/HelperShare"))
		return
	}
	resp, err := aggregator.Collect(r.Context(), req, uint64(task.Query.MinBatchSize), task.TimePrecision, a.Batches, a.LeaderShare, a.HelperShare, task.CollectorHpkeConfig)
	if err != nil {
		writeErr(w, err)
		return
	}
	raw, err := resp.Encode()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "internalError", err.Error(), "")
		return
	}
	w.Header().Set("Content-Type", mediaTypeCollectResp)
	_, _ = w.Write(raw)
}

// HandleAggregateShare implements POST /tasks/{id}/aggregate_share
// (Helper): it computes this Helper's encrypted aggregate share for the
// batches req.BatchSelector addresses, verifying the Leader-supplied
// checksum and report count against its own records first.
func (a *App) HandleAggregateShare(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxRequestBody)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	req, err := dap.DecodeAggregateShareReq(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	task, err := a.taskLookup(r.Context(), req.TaskId)
	if err != nil {
		if err == store.ErrNotFound {
			writeProblem(w, http.StatusNotFound, string(aggregator.AbortUnrecognizedTask), "unknown task_id", req.TaskId.Base64URL())
			return
		}
		writeErr(w, err)
		return
	}
	batches, err := aggregator.ResolveBatches(req.BatchSelector, req.TaskId, a.Batches, task.TimePrecision)
	if err != nil {
		writeErr(w, err)
		return
	}
	var reportCount uint64
	var checksum [32]byte
	for _, b := range batches {
		reportCount += b.ReportCount
		checksum = aggregator.XorChecksum(checksum, b.Checksum)
	}
	if reportCount != req.ReportCount || !dap.ConstantTimeEqual(checksum[:], req.Checksum[:]) {
		writeErr(w, &aggregator.DapAbort{Code: aggregator.AbortBatchMismatch, TaskID: req.TaskId.Base64URL(), Msg: "report count or checksum mismatch"})
		return
	}
	if a.LeaderShare == nil {
		writeErr(w, fatalNotWired("LeaderShare"))
		return
	}
	ct, err := a.LeaderShare(batches, req.AggParam, task.CollectorHpkeConfig)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := a.Batches.MarkCollected(batches); err != nil {
		writeErr(w, err)
		return
	}
	resp := dap.AggregateShareResp{EncryptedAggShare: ct}
	raw, err := resp.Encode()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "internalError", err.Error(), "")
		return
	}
	w.Header().Set("Content-Type", mediaTypeAggregateShareResp)
	_, _ = w.Write(raw)
}

// HandleHpkeConfig implements GET /hpke_config.
func (a *App) HandleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	set, err := store.HpkeReceiverConfigSetPrefix.GetCloned(r.Context(), a.Store, a.Config.DefaultVersion, store.GetOptions{})
	if err != nil {
		if err == store.ErrNotFound {
			writeProblem(w, http.StatusNotFound, "hpkeConfigNotFound", "no hpke config provisioned", "")
			return
		}
		writeErr(w, fatal("loading hpke config set", err))
		return
	}
	var raw []byte
	for _, rc := range set {
		var err error
		raw, err = rc.Config.Encode(raw)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "internalError", err.Error(), "")
			return
		}
	}
	w.Header().Set("Content-Type", mediaTypeHpkeConfigList)
	_, _ = w.Write(raw)
}

var errNotWired = errors.New("collaborator not wired")

func fatalNotWired(what string) error {
	return fatal(what+" is not wired", errNotWired)
}
