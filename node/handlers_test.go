package node

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"dapnode.dev/aggregator/aggregator"
	"dapnode.dev/aggregator/dap"
	"dapnode.dev/aggregator/store"
)

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(discard{}, nil)))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func putTask(t *testing.T, app *App, taskID dap.TaskId, tc store.TaskConfig) {
	t.Helper()
	if err := store.TaskConfigPrefix.Put(t.Context(), app.Store, taskID, tc); err != nil {
		t.Fatalf("putting task config: %v", err)
	}
}

func newTaskID(t *testing.T, seed byte) dap.TaskId {
	t.Helper()
	var id dap.Id
	for i := range id {
		id[i] = seed
	}
	return dap.TaskId(id)
}

func TestHandleUploadReportAccepted(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 1)
	putTask(t, app, taskID, store.TaskConfig{
		NotBefore:     0,
		NotAfter:      1 << 40,
		TimePrecision: 1,
	})

	report := dap.Report{
		TaskId:               taskID,
		Metadata:             dap.ReportMetadata{Time: 100},
		PublicShare:          []byte("pub"),
		EncryptedInputShares: []dap.HpkeCiphertext{{ConfigId: 1, Enc: []byte("e"), Payload: []byte("p")}},
	}
	body, err := report.Encode()
	if err != nil {
		t.Fatalf("encoding report: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/tasks/x/reports", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.HandleUploadReport(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "success" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestHandleUploadReportUnknownTask(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 2)

	report := dap.Report{
		TaskId:      taskID,
		Metadata:    dap.ReportMetadata{Time: 100},
		PublicShare: []byte("pub"),
	}
	body, err := report.Encode()
	if err != nil {
		t.Fatalf("encoding report: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/tasks/x/reports", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.HandleUploadReport(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUploadReportOutsideTaskLifetimeRejected(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 3)
	putTask(t, app, taskID, store.TaskConfig{
		NotBefore:     1000,
		NotAfter:      2000,
		TimePrecision: 1,
	})

	report := dap.Report{
		TaskId:      taskID,
		Metadata:    dap.ReportMetadata{Time: 1},
		PublicShare: []byte("pub"),
	}
	body, err := report.Encode()
	if err != nil {
		t.Fatalf("encoding report: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/tasks/x/reports", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.HandleUploadReport(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUploadReportMalformedBody(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodPut, "/tasks/x/reports", bytes.NewReader([]byte{0x01}))
	rec := httptest.NewRecorder()
	app.HandleUploadReport(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAggregateUnsupportedMediaType(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate", nil)
	rec := httptest.NewRecorder()
	app.HandleAggregate(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAggregateInitializeUnknownTask(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 4)
	var aggJobID dap.AggJobId

	aggReq := dap.AggregateInitializeReq{TaskId: taskID, AggJobId: aggJobID}
	body, err := aggReq.Encode()
	if err != nil {
		t.Fatalf("encoding req: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate", bytes.NewReader(body))
	req.Header.Set("Content-Type", mediaTypeAggregateInitializeReq)
	rec := httptest.NewRecorder()
	app.HandleAggregate(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAggregateInitializeNotWiredFails(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 5)
	putTask(t, app, taskID, store.TaskConfig{NotAfter: 1 << 40, TimePrecision: 1})

	aggReq := dap.AggregateInitializeReq{TaskId: taskID}
	body, err := aggReq.Encode()
	if err != nil {
		t.Fatalf("encoding req: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate", bytes.NewReader(body))
	req.Header.Set("Content-Type", mediaTypeAggregateInitializeReq)
	rec := httptest.NewRecorder()
	app.HandleAggregate(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAggregateInitializeWired(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 6)
	putTask(t, app, taskID, store.TaskConfig{NotAfter: 1 << 40, TimePrecision: 1})

	nonce := dap.Nonce{0xaa}
	app.VdafInitialize = func(task store.TaskConfig, aggParam []byte, shares []dap.ReportShare) (dap.AggregateResp, error) {
		transitions := make([]dap.Transition, len(shares))
		for i, s := range shares {
			transitions[i] = dap.Transition{Nonce: s.Metadata.Nonce, Var: dap.TransitionVar{Kind: dap.TransitionVarFinished}}
		}
		return dap.AggregateResp{Transitions: transitions}, nil
	}

	aggReq := dap.AggregateInitializeReq{
		TaskId: taskID,
		ReportShares: []dap.ReportShare{
			{Metadata: dap.ReportMetadata{Time: 0, Nonce: nonce}, PublicShare: []byte("p")},
		},
	}
	body, err := aggReq.Encode()
	if err != nil {
		t.Fatalf("encoding req: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate", bytes.NewReader(body))
	req.Header.Set("Content-Type", mediaTypeAggregateInitializeReq)
	rec := httptest.NewRecorder()
	app.HandleAggregate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp, err := dap.DecodeAggregateResp(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decoding resp: %v", err)
	}
	if len(resp.Transitions) != 1 || resp.Transitions[0].Nonce != nonce {
		t.Fatalf("unexpected transitions: %+v", resp.Transitions)
	}

	// A second submission of the identical request replays the cached
	// response rather than re-invoking VdafInitialize.
	app.VdafInitialize = func(store.TaskConfig, []byte, []dap.ReportShare) (dap.AggregateResp, error) {
		t.Fatal("VdafInitialize should not be called again for a cached request")
		return dap.AggregateResp{}, nil
	}
	req2 := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate", bytes.NewReader(body))
	req2.Header.Set("Content-Type", mediaTypeAggregateInitializeReq)
	rec2 := httptest.NewRecorder()
	app.HandleAggregate(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
}

func TestHandleAggregateInitializeDowngradesSaturatedBatchFinish(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 7)
	var batchID dap.BatchId
	batchID[0] = 0xcc
	putTask(t, app, taskID, store.TaskConfig{
		NotAfter:      1 << 40,
		TimePrecision: 1,
		Query:         dap.QueryConfig{Var: dap.QueryConfigVar{Kind: dap.QueryConfigVarFixedSize, MaxBatchSize: 1}},
	})

	// Saturate the batch before the report ever arrives, the same way the
	// Helper side would if it already finished another report into it.
	batch := app.Batches.EnsureFixedSize(taskID, batchID, 1)
	if err := app.Batches.RecordFinished(batch, [32]byte{0x01}); err != nil {
		t.Fatalf("pre-saturating batch: %v", err)
	}
	if batch.Status != aggregator.BatchSaturated {
		t.Fatalf("batch should be saturated, got %v", batch.Status)
	}

	nonce := dap.Nonce{0xbb}
	app.VdafInitialize = func(task store.TaskConfig, aggParam []byte, shares []dap.ReportShare) (dap.AggregateResp, error) {
		transitions := make([]dap.Transition, len(shares))
		for i, s := range shares {
			transitions[i] = dap.Transition{Nonce: s.Metadata.Nonce, Var: dap.TransitionVar{Kind: dap.TransitionVarFinished}}
		}
		return dap.AggregateResp{Transitions: transitions}, nil
	}

	aggReq := dap.AggregateInitializeReq{
		TaskId:     taskID,
		BatchParam: dap.BatchParameter{FixedSize: true, BatchId: batchID},
		ReportShares: []dap.ReportShare{
			{Metadata: dap.ReportMetadata{Time: 0, Nonce: nonce}, PublicShare: []byte("p")},
		},
	}
	body, err := aggReq.Encode()
	if err != nil {
		t.Fatalf("encoding req: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate", bytes.NewReader(body))
	req.Header.Set("Content-Type", mediaTypeAggregateInitializeReq)
	rec := httptest.NewRecorder()
	app.HandleAggregate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp, err := dap.DecodeAggregateResp(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decoding resp: %v", err)
	}
	if len(resp.Transitions) != 1 {
		t.Fatalf("unexpected transitions: %+v", resp.Transitions)
	}
	got := resp.Transitions[0]
	if got.Var.Kind != dap.TransitionVarFailed || got.Var.Failure != dap.TransitionFailureBatchSaturated {
		t.Fatalf("expected a BatchSaturated failure on the wire, got %+v", got)
	}
	if batch.ReportCount != 1 {
		t.Fatalf("saturated batch's report_count must not be incremented by the rejected report, got %d", batch.ReportCount)
	}
}

func TestHandleAggregateContinueUnknownJob(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 7)
	putTask(t, app, taskID, store.TaskConfig{NotAfter: 1 << 40, TimePrecision: 1})

	contReq := dap.AggregateContinueReq{TaskId: taskID}
	body, err := contReq.Encode()
	if err != nil {
		t.Fatalf("encoding req: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate", bytes.NewReader(body))
	req.Header.Set("Content-Type", mediaTypeAggregateContinueReq)
	rec := httptest.NewRecorder()
	app.HandleAggregate(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHpkeConfigNotProvisioned(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/hpke_config", nil)
	rec := httptest.NewRecorder()
	app.HandleHpkeConfig(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHpkeConfigReturnsProvisionedSet(t *testing.T) {
	app := testApp(t)
	cfg := dap.HpkeConfig{
		Id:        7,
		KemId:     dap.HpkeKemX25519HkdfSha256,
		KdfId:     dap.HpkeKdfHkdfSha256,
		AeadId:    dap.HpkeAeadAes128Gcm,
		PublicKey: bytes.Repeat([]byte{0x01}, 32),
	}
	set := []store.HpkeReceiverConfig{{Config: cfg, PrivateKey: bytes.Repeat([]byte{0x02}, 32)}}
	if err := store.HpkeReceiverConfigSetPrefix.Put(t.Context(), app.Store, app.Config.DefaultVersion, set); err != nil {
		t.Fatalf("putting hpke config set: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/hpke_config", nil)
	rec := httptest.NewRecorder()
	app.HandleHpkeConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != mediaTypeHpkeConfigList {
		t.Fatalf("unexpected content-type: %s", rec.Header().Get("Content-Type"))
	}
	wantRaw, err := cfg.Encode(nil)
	if err != nil {
		t.Fatalf("encoding expected config: %v", err)
	}
	if !bytes.Equal(rec.Body.Bytes(), wantRaw) {
		t.Fatalf("unexpected body: %x, want %x", rec.Body.Bytes(), wantRaw)
	}
}

func TestHandleCollectNotWiredFails(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 8)
	putTask(t, app, taskID, store.TaskConfig{NotAfter: 1 << 40, TimePrecision: 1})

	collectReq := dap.CollectReq{TaskId: taskID}
	body, err := collectReq.Encode()
	if err != nil {
		t.Fatalf("encoding req: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tasks/x/collect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.HandleCollect(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAggregateShareNoBatchesResolved(t *testing.T) {
	app := testApp(t)
	taskID := newTaskID(t, 9)
	putTask(t, app, taskID, store.TaskConfig{NotAfter: 1 << 40, TimePrecision: 1})
	app.LeaderShare = func([]*aggregator.Batch, []byte, dap.HpkeConfig) (dap.HpkeCiphertext, error) {
		t.Fatal("LeaderShare should not be invoked when no batch in the requested interval exists")
		return dap.HpkeCiphertext{}, nil
	}

	req := dap.AggregateShareReq{
		TaskId:      taskID,
		ReportCount: 1,
	}
	body, err := req.Encode()
	if err != nil {
		t.Fatalf("encoding req: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/tasks/x/aggregate_share", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.HandleAggregateShare(rec, httpReq)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
