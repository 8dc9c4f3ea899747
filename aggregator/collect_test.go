package aggregator

import (
	"context"
	"testing"

	"dapnode.dev/aggregator/dap"
)

func TestCollectRejectsBelowMinBatchSize(t *testing.T) {
	bs := NewBatchStore()
	task := taskIDFor(0x01)
	b := bs.ResolveTimeInterval(task, 0, 3600)
	if err := bs.RecordFinished(b, [32]byte{1}); err != nil {
		t.Fatalf("record: %v", err)
	}

	req := dap.CollectReq{
		TaskId: task,
		Query:  dap.Query{FixedSize: false, Interval: dap.Interval{Start: 0, Duration: 3600}},
	}
	leaderShare := func(batches []*Batch, aggParam []byte, cfg dap.HpkeConfig) (dap.HpkeCiphertext, error) {
		return dap.HpkeCiphertext{}, nil
	}
	helperShare := func(ctx context.Context, r dap.AggregateShareReq) (dap.AggregateShareResp, error) {
		return dap.AggregateShareResp{}, nil
	}

	_, err := Collect(context.Background(), req, 2, 3600, bs, leaderShare, helperShare, dap.HpkeConfig{})
	if err == nil {
		t.Fatalf("expected collect below min_batch_size to fail")
	}
	if _, ok := err.(*DapAbort); !ok {
		t.Fatalf("expected a DapAbort, got %T: %v", err, err)
	}
	if b.Status == BatchCollected {
		t.Fatalf("a rejected collect must not mark the batch collected")
	}
}

func TestCollectHappyPath(t *testing.T) {
	bs := NewBatchStore()
	task := taskIDFor(0x01)
	b := bs.ResolveTimeInterval(task, 0, 3600)
	if err := bs.RecordFinished(b, [32]byte{1}); err != nil {
		t.Fatalf("record: %v", err)
	}

	req := dap.CollectReq{
		TaskId: task,
		Query:  dap.Query{FixedSize: false, Interval: dap.Interval{Start: 0, Duration: 3600}},
	}
	leaderShare := func(batches []*Batch, aggParam []byte, cfg dap.HpkeConfig) (dap.HpkeCiphertext, error) {
		return dap.HpkeCiphertext{ConfigId: 1}, nil
	}
	var sentChecksum [32]byte
	helperShare := func(ctx context.Context, r dap.AggregateShareReq) (dap.AggregateShareResp, error) {
		sentChecksum = r.Checksum
		return dap.AggregateShareResp{EncryptedAggShare: dap.HpkeCiphertext{ConfigId: 2}}, nil
	}

	resp, err := Collect(context.Background(), req, 1, 3600, bs, leaderShare, helperShare, dap.HpkeConfig{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if resp.ReportCount != 1 {
		t.Fatalf("unexpected report count: %d", resp.ReportCount)
	}
	if sentChecksum != ([32]byte{1}) {
		t.Fatalf("unexpected checksum sent to helper: %x", sentChecksum)
	}
	if len(resp.EncryptedAggShares) != 2 {
		t.Fatalf("expected one share per aggregator, got %d", len(resp.EncryptedAggShares))
	}
	if b.Status != BatchCollected {
		t.Fatalf("batch should be marked collected after a successful collect")
	}

	if _, err := Collect(context.Background(), req, 1, 3600, bs, leaderShare, helperShare, dap.HpkeConfig{}); err == nil {
		t.Fatalf("a second collect over the same batch must fail")
	}
}
