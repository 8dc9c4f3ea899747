//go:build interop

package node

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"time"

	"dapnode.dev/aggregator/aggregator"
	"dapnode.dev/aggregator/dap"
	"dapnode.dev/aggregator/internal/telemetry"
	"dapnode.dev/aggregator/store"
)

// Internal test surface, present only in interop builds. Grounded
// field-for-field on daphne-server's internal_add_task/
// internal_add_hpke_config and the daphne_worker test router's
// /internal/test/* route list: a thin JSON-over-HTTP harness interop
// suites use to provision and inspect aggregator state directly,
// bypassing taskprov.

// internalTestVdaf is the interop harness's plaintext description of a
// VDAF, decoded into a dap.VdafConfig by resolveVdaf.
type internalTestVdaf struct {
	Typ         string `json:"type"`
	Bits        string `json:"bits,omitempty"`
	Length      string `json:"length,omitempty"`
	ChunkLength string `json:"chunk_length,omitempty"`
}

type internalTestAddTask struct {
	TaskId                     string            `json:"task_id"`
	Leader                     string            `json:"leader"`
	Helper                     string            `json:"helper"`
	Vdaf                       internalTestVdaf  `json:"vdaf"`
	VdafVerifyKey              string            `json:"vdaf_verify_key"`
	CollectorHpkeConfig        string            `json:"collector_hpke_config"`
	QueryType                  int                `json:"query_type"`
	MinBatchSize               uint32            `json:"min_batch_size"`
	MaxBatchSize               *uint32           `json:"max_batch_size,omitempty"`
	TimePrecision              uint64            `json:"time_precision"`
	TaskExpiration             uint64            `json:"task_expiration"`
	Role                       string            `json:"role"` // "leader" | "helper"
	LeaderAuthenticationToken  string            `json:"leader_authentication_token"`
	CollectorAuthenticationToken *string         `json:"collector_authentication_token,omitempty"`
}

type internalTestEndpointForTask struct {
	Role string `json:"role"`
}

// resolveVdaf maps the harness's plaintext VDAF description onto the
// wire-codec's VdafTypeVar. Only Prio2 has a concrete wire encoding today
// (dap/taskprov.go); every other named VDAF is accepted and carried as
// VdafTypeVarNotImplemented with its parameters packed into Param, the
// same fallback the codec itself uses for a Typ it cannot interpret.
func resolveVdaf(v internalTestVdaf) dap.VdafConfig {
	if v.Typ == "Prio2" {
		return dap.VdafConfig{Var: dap.VdafTypeVar{Kind: dap.VdafTypeVarPrio2}}
	}
	var typ uint32
	for _, c := range []byte(v.Typ) {
		typ = typ*31 + uint32(c)
	}
	param := make([]byte, 0, 12)
	for _, s := range []string{v.Bits, v.Length, v.ChunkLength} {
		var n uint32
		for _, c := range []byte(s) {
			n = n*10 + uint32(c-'0')
		}
		param = binary.BigEndian.AppendUint32(param, n)
	}
	return dap.VdafConfig{Var: dap.VdafTypeVar{Kind: dap.VdafTypeVarNotImplemented, Typ: typ, Param: param}}
}

// HandleInternalAddTask implements POST /internal/test/add_task.
func (a *App) HandleInternalAddTask(w http.ResponseWriter, r *http.Request) {
	var cmd internalTestAddTask
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	taskID, err := dap.IdFromBase64URL(cmd.TaskId)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad task_id: "+err.Error(), "")
		return
	}

	vdafVerifyKey, err := base64.RawURLEncoding.DecodeString(cmd.VdafVerifyKey)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad vdaf_verify_key: "+err.Error(), "")
		return
	}
	hpkeRaw, err := base64.RawURLEncoding.DecodeString(cmd.CollectorHpkeConfig)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad collector_hpke_config: "+err.Error(), "")
		return
	}
	collectorHpkeConfig, err := dap.DecodeHpkeConfig(hpkeRaw)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad collector_hpke_config: "+err.Error(), "")
		return
	}

	var query dap.QueryConfig
	switch cmd.QueryType {
	case 1:
		if cmd.MaxBatchSize != nil {
			writeProblem(w, http.StatusBadRequest, "malformedMessage", "unexpected max_batch_size for time-interval query", "")
			return
		}
		query.Var = dap.QueryConfigVar{Kind: dap.QueryConfigVarTimeInterval}
	case 2:
		var max uint32
		if cmd.MaxBatchSize != nil {
			max = *cmd.MaxBatchSize
		}
		query.Var = dap.QueryConfigVar{Kind: dap.QueryConfigVarFixedSize, MaxBatchSize: max}
	default:
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "unrecognized query_type", "")
		return
	}
	query.TimePrecision = dap.Duration(cmd.TimePrecision)
	query.MinBatchSize = cmd.MinBatchSize

	role := store.RoleLeader
	if cmd.Role == "helper" {
		role = store.RoleHelper
	}

	ctx := r.Context()
	taskIDStr := dap.Id(taskID).Base64URL()

	if _, conflict, err := store.LeaderBearerTokenPrefix.PutIfNotExists(ctx, a.Store, dap.TaskId(taskID), store.BearerToken(cmd.LeaderAuthenticationToken)); err != nil {
		writeErr(w, fatal("putting leader bearer token", err))
		return
	} else if conflict {
		writeProblem(w, http.StatusConflict, "taskAlreadyExists", "leader bearer token already set for "+taskIDStr, taskIDStr)
		return
	}

	if role == store.RoleLeader {
		if cmd.CollectorAuthenticationToken == nil {
			writeProblem(w, http.StatusBadRequest, "malformedMessage", "missing collector_authentication_token", "")
			return
		}
		if _, conflict, err := store.CollectorBearerTokenPrefix.PutIfNotExists(ctx, a.Store, dap.TaskId(taskID), store.BearerToken(*cmd.CollectorAuthenticationToken)); err != nil {
			writeErr(w, fatal("putting collector bearer token", err))
			return
		} else if conflict {
			writeProblem(w, http.StatusConflict, "taskAlreadyExists", "collector bearer token already set for "+taskIDStr, taskIDStr)
			return
		}
	} else if cmd.CollectorAuthenticationToken != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "unexpected collector_authentication_token for a helper task", "")
		return
	}

	expiresAt := time.Unix(int64(cmd.TaskExpiration), 0)
	tc := store.TaskConfig{
		Version:             a.Config.DefaultVersion,
		LeaderURL:           cmd.Leader,
		HelperURL:           cmd.Helper,
		TimePrecision:       dap.Duration(cmd.TimePrecision),
		NotBefore:           dap.Time(time.Now().Unix()),
		NotAfter:            dap.Time(cmd.TaskExpiration),
		MinBatchSize:        uint64(cmd.MinBatchSize),
		Query:               query,
		Vdaf:                resolveVdaf(cmd.Vdaf),
		VdafVerifyKey:       vdafVerifyKey,
		CollectorHpkeConfig: collectorHpkeConfig,
		Method:              role,
		NumAggSpanShards:    a.Config.NumAggSpanShards,
	}
	if _, conflict, err := store.TaskConfigPrefix.PutIfNotExistsWithExpiration(ctx, a.Store, dap.TaskId(taskID), tc, expiresAt); err != nil {
		writeErr(w, fatal("putting task config", err))
		return
	} else if conflict {
		writeProblem(w, http.StatusConflict, "taskAlreadyExists", "task config already exists for "+taskIDStr, taskIDStr)
		return
	}
	writeSuccess(w)
}

// HandleInternalAddHpkeConfig implements POST /internal/test/add_hpke_config.
func (a *App) HandleInternalAddHpkeConfig(w http.ResponseWriter, r *http.Request) {
	var rc store.HpkeReceiverConfig
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	ctx := r.Context()
	set, err := store.HpkeReceiverConfigSetPrefix.GetCloned(ctx, a.Store, a.Config.DefaultVersion, store.GetOptions{CacheNotFound: true})
	if err != nil && err != store.ErrNotFound {
		writeErr(w, fatal("loading hpke config set", err))
		return
	}
	for _, existing := range set {
		if existing.Config.Id == rc.Config.Id {
			writeProblem(w, http.StatusConflict, "hpkeConfigAlreadyExists", "receiver config with this id already exists", "")
			return
		}
	}
	set = append(set, rc)
	if err := store.HpkeReceiverConfigSetPrefix.Put(ctx, a.Store, a.Config.DefaultVersion, set); err != nil {
		writeErr(w, fatal("putting hpke config set", err))
		return
	}
	writeSuccess(w)
}

// HandleInternalEndpointForTask implements POST /internal/test/endpoint_for_task.
func (a *App) HandleInternalEndpointForTask(w http.ResponseWriter, r *http.Request) {
	var cmd internalTestEndpointForTask
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	endpoint := a.Config.PeerBaseURL
	if cmd.Role == "leader" {
		endpoint = "/"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"endpoint": endpoint})
}

// HandleInternalDeleteAll implements POST /internal/delete_all: wipes
// every namespace in the store, plus the in-memory batch/job tables (a
// fresh process would start with both empty, so a test harness resetting
// between cases should see the same thing).
func (a *App) HandleInternalDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.DeleteAll(r.Context()); err != nil {
		writeErr(w, fatal("deleting all store state", err))
		return
	}
	a.Batches = aggregator.NewBatchStore()
	a.Jobs = aggregator.NewJobStore()
	w.WriteHeader(http.StatusOK)
}

// HandleInternalCurrentBatch implements GET /internal/current_batch/task/{id}:
// the oldest not-yet-collected fixed-size batch ID for a task.
func (a *App) HandleInternalCurrentBatch(w http.ResponseWriter, r *http.Request) {
	taskIDStr := r.PathValue("task_id")
	id, err := dap.IdFromBase64URL(taskIDStr)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad task id", "")
		return
	}
	batchID, ok := a.Batches.OldestUncollectedFixedSize(dap.TaskId(id))
	if !ok {
		writeProblem(w, http.StatusNotFound, "batchNotFound", "no open fixed-size batch for this task", taskIDStr)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(batchID.Base64URL()))
}

type internalTestProcessRequest struct {
	TaskId       string            `json:"task_id"`
	AggJobId     string            `json:"agg_job_id"`
	BatchParam   internalBatchParam `json:"batch_param"`
	ReportShares []dap.ReportShare `json:"report_shares"`
	AggParam     string            `json:"agg_param"`
}

type internalBatchParam struct {
	FixedSize bool   `json:"fixed_size"`
	BatchId   string `json:"batch_id,omitempty"`
}

type internalTestProcessResponse struct {
	ReportsProcessed int `json:"reports_processed"`
	ReportsFinished  int `json:"reports_finished"`
	ReportsFailed    int `json:"reports_failed"`
}

// HandleInternalProcess implements POST /internal/process: runs a batch of
// report shares supplied directly in the request body through one
// Initialize round with the wired VdafInitialize/VdafStep collaborators,
// to completion, folding every finished report's checksum into its
// batch. The interop harness supplies the report shares explicitly rather
// than this endpoint discovering them from the store, since the typed KV
// surface (spec.md §4.3) supports only point lookups, not range scans
// over "every pending report for a task".
func (a *App) HandleInternalProcess(w http.ResponseWriter, r *http.Request) {
	var cmd internalTestProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", err.Error(), "")
		return
	}
	taskID, err := dap.IdFromBase64URL(cmd.TaskId)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad task_id", "")
		return
	}
	aggJobID, err := dap.IdFromBase64URL(cmd.AggJobId)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad agg_job_id", "")
		return
	}
	task, err := a.taskLookup(r.Context(), dap.TaskId(taskID))
	if err != nil {
		if err == store.ErrNotFound {
			writeProblem(w, http.StatusNotFound, string(aggregator.AbortUnrecognizedTask), "unknown task_id", cmd.TaskId)
			return
		}
		writeErr(w, fatal("looking up task", err))
		return
	}
	if a.VdafInitialize == nil {
		writeErr(w, fatalNotWired("VdafInitialize"))
		return
	}

	batchParam := dap.BatchParameter{FixedSize: cmd.BatchParam.FixedSize}
	if cmd.BatchParam.FixedSize {
		bid, err := dap.IdFromBase64URL(cmd.BatchParam.BatchId)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad batch_param.batch_id", "")
			return
		}
		batchParam.BatchId = dap.BatchId(bid)
	}

	reports := make([]aggregator.PendingReport, len(cmd.ReportShares))
	for i, s := range cmd.ReportShares {
		reports[i] = aggregator.PendingReport{Nonce: s.Metadata.Nonce, Time: s.Metadata.Time, PublicShare: s.PublicShare}
	}
	job := aggregator.NewJob(dap.TaskId(taskID), dap.AggJobId(aggJobID), batchParam, reports)

	aggParam, err := base64.RawURLEncoding.DecodeString(cmd.AggParam)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "malformedMessage", "bad agg_param", "")
		return
	}

	resp, err := a.VdafInitialize(task, aggParam, cmd.ReportShares)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := job.MergeTransitions(resp, a.VdafStep); err != nil {
		writeErr(w, err)
		return
	}
	a.recordFinishedChecksums(job, task, &resp)

	summary := internalTestProcessResponse{
		ReportsProcessed: len(reports),
		ReportsFinished:  len(job.FinishedReports()),
		ReportsFailed:    len(reports) - len(job.PendingNonces()) - len(job.FinishedReports()),
	}
	a.Telemetry.RecordProcess(telemetry.ProcessSummary{
		TaskId:           cmd.TaskId,
		AggJobId:         cmd.AggJobId,
		ReportsProcessed: summary.ReportsProcessed,
		ReportsFinished:  summary.ReportsFinished,
		ReportsFailed:    summary.ReportsFailed,
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}
