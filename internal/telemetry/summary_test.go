package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestRecordProcessLogsFields(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewRecorder(log)

	r.RecordProcess(ProcessSummary{
		TaskId:           "task-1",
		AggJobId:         "job-1",
		ReportsProcessed: 3,
		ReportsFinished:  2,
		ReportsFailed:    1,
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log entry: %v", err)
	}
	if entry["msg"] != "internal_process" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["task_id"] != "task-1" || entry["agg_job_id"] != "job-1" {
		t.Fatalf("unexpected ids: %v", entry)
	}
	if entry["reports_finished"].(float64) != 2 {
		t.Fatalf("unexpected reports_finished: %v", entry["reports_finished"])
	}
}

func TestRecordProcessNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RecordProcess(ProcessSummary{TaskId: "x"})
}
