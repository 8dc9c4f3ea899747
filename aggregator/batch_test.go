package aggregator

import (
	"testing"

	"dapnode.dev/aggregator/dap"
)

func taskIDFor(b byte) dap.TaskId {
	var id dap.TaskId
	for i := range id {
		id[i] = b
	}
	return id
}

func TestTimeIntervalBucketing(t *testing.T) {
	bs := NewBatchStore()
	task := taskIDFor(0x01)

	b1 := bs.ResolveTimeInterval(task, 100, 3600)
	b2 := bs.ResolveTimeInterval(task, 3700, 3600)
	if b1 == b2 {
		t.Fatalf("reports in different buckets must resolve to different batches")
	}
	if b1.Interval.Start != 0 || b1.Interval.Duration != 3600 {
		t.Fatalf("unexpected bucket: %+v", b1.Interval)
	}
	if b2.Interval.Start != 3600 {
		t.Fatalf("unexpected bucket: %+v", b2.Interval)
	}

	b1again := bs.ResolveTimeInterval(task, 50, 3600)
	if b1 != b1again {
		t.Fatalf("same bucket must resolve to the same batch pointer")
	}
}

func TestFixedSizeSaturation(t *testing.T) {
	bs := NewBatchStore()
	task := taskIDFor(0x02)
	nextID := byte(0)
	newID := func() dap.BatchId {
		nextID++
		var id dap.BatchId
		for i := range id {
			id[i] = nextID
		}
		return id
	}

	b := bs.ResolveFixedSize(task, newID, 2)
	if err := bs.RecordFinished(b, [32]byte{1}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if b.Status != BatchOpen {
		t.Fatalf("batch should still be open after 1/2 reports")
	}
	if err := bs.RecordFinished(b, [32]byte{2}); err != nil {
		t.Fatalf("second record: %v", err)
	}
	if b.Status != BatchSaturated {
		t.Fatalf("batch should be saturated at max_batch_size")
	}

	next := bs.ResolveFixedSize(task, newID, 2)
	if next == b {
		t.Fatalf("a saturated batch must not be reused")
	}

	if err := bs.RecordFinished(b, [32]byte{3}); err == nil {
		t.Fatalf("expected BatchSaturated to reject further reports")
	}
}

func TestMarkCollectedRejectsDoubleCollection(t *testing.T) {
	bs := NewBatchStore()
	task := taskIDFor(0x03)
	b := bs.ResolveTimeInterval(task, 0, 3600)

	if err := bs.MarkCollected([]*Batch{b}); err != nil {
		t.Fatalf("first collect: %v", err)
	}
	if err := bs.MarkCollected([]*Batch{b}); err == nil {
		t.Fatalf("expected second collection of the same batch to fail")
	}
}
