package aggregator

import (
	"context"

	"dapnode.dev/aggregator/dap"
)

// LeaderShareFunc computes the Leader's own encrypted aggregate share for
// a collected batch, sealed under collectorCfg. Delegates to the VDAF/HPKE
// primitives, which are out of scope per spec.md §1.
type LeaderShareFunc func(batches []*Batch, aggParam []byte, collectorCfg dap.HpkeConfig) (dap.HpkeCiphertext, error)

// HelperShareFunc exchanges an AggregateShareReq with the Helper and
// returns its encrypted aggregate share. HTTP transport is out of scope
// per spec.md §1; the caller supplies it.
type HelperShareFunc func(ctx context.Context, req dap.AggregateShareReq) (dap.AggregateShareResp, error)

// Collect fulfils a CollectReq against the batches it resolves to,
// enforcing min_batch_size, issuing the AggregateShareReq to the Helper,
// and marking every covered batch collected on success. Grounded on
// spec.md §4.4 "Collection" steps 1-4.
func Collect(
	ctx context.Context,
	req dap.CollectReq,
	minBatchSize uint64,
	timePrecision dap.Duration,
	bs *BatchStore,
	leaderShare LeaderShareFunc,
	helperShare HelperShareFunc,
	collectorCfg dap.HpkeConfig,
) (dap.CollectResp, error) {
	batches, err := ResolveBatches(req.Query, req.TaskId, bs, timePrecision)
	if err != nil {
		return dap.CollectResp{}, err
	}

	var reportCount uint64
	var checksum [32]byte
	for _, b := range batches {
		if b.Status == BatchCollected {
			return dap.CollectResp{}, abort(AbortBatchInvalid, req.TaskId.Base64URL(), "batch already collected")
		}
		reportCount += b.ReportCount
		checksum = XorChecksum(checksum, b.Checksum)
	}
	if reportCount < minBatchSize {
		return dap.CollectResp{}, abort(AbortBatchInvalid, req.TaskId.Base64URL(), "batch report count below min_batch_size")
	}

	leaderCt, err := leaderShare(batches, req.AggParam, collectorCfg)
	if err != nil {
		return dap.CollectResp{}, fatal("computing leader aggregate share", err)
	}

	shareReq := dap.AggregateShareReq{
		TaskId:        req.TaskId,
		BatchSelector: req.Query,
		AggParam:      req.AggParam,
		ReportCount:   reportCount,
		Checksum:      checksum,
	}
	shareResp, err := helperShare(ctx, shareReq)
	if err != nil {
		return dap.CollectResp{}, err
	}

	if err := bs.MarkCollected(batches); err != nil {
		return dap.CollectResp{}, err
	}

	return dap.CollectResp{
		ReportCount:         reportCount,
		EncryptedAggShares:  []dap.HpkeCiphertext{leaderCt, shareResp.EncryptedAggShare},
	}, nil
}

// ResolveBatches maps a Query to the concrete batches it selects.
func ResolveBatches(q dap.Query, taskID dap.TaskId, bs *BatchStore, precision dap.Duration) ([]*Batch, error) {
	if q.FixedSize {
		b, ok := bs.LookupFixedSize(taskID, q.BatchId)
		if !ok {
			return nil, abort(AbortBatchInvalid, taskID.Base64URL(), "unknown fixed-size batch id")
		}
		return []*Batch{b}, nil
	}
	iv, err := q.IntervalOrErr()
	if err != nil {
		return nil, abort(AbortInvalidBatch, taskID.Base64URL(), err.Error())
	}
	batches := bs.LookupTimeInterval(taskID, iv, precision)
	if len(batches) == 0 {
		return nil, abort(AbortBatchInvalid, taskID.Base64URL(), "no batches in requested interval")
	}
	return batches, nil
}

// XorChecksum folds b into a, per-byte, implementing the XOR-fold
// checksum construction spec.md §9 Open Question 3 leaves to
// implementations to resolve: the AggregateShareReq checksum is the
// XOR of every contributing batch's running per-report checksum fold.
func XorChecksum(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
