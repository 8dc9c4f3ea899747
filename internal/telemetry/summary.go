// Package telemetry emits process-summary telemetry for the interop
// surface's /internal/process endpoint, the one operation a test harness
// uses to drive report processing directly rather than through the wire
// protocol, and the one place an operator otherwise has no visibility
// into how many reports an Initialize round actually finished. Grounded
// on crypto/hsm_monitor.go's logStructured/hsmEvent idiom: a small typed
// event struct whose fields are logged as attributes through the
// process's *slog.Logger.
package telemetry

import "log/slog"

// ProcessSummary counts the outcome of one /internal/process call.
type ProcessSummary struct {
	TaskId           string
	AggJobId         string
	ReportsProcessed int
	ReportsFinished  int
	ReportsFailed    int
}

// Recorder logs ProcessSummary events through a process-wide logger.
type Recorder struct {
	log *slog.Logger
}

// NewRecorder builds a Recorder over log. A nil log disables recording.
func NewRecorder(log *slog.Logger) *Recorder {
	return &Recorder{log: log}
}

// RecordProcess logs one ProcessSummary as a structured "internal_process"
// event.
func (r *Recorder) RecordProcess(s ProcessSummary) {
	if r == nil || r.log == nil {
		return
	}
	r.log.Info("internal_process",
		"task_id", s.TaskId,
		"agg_job_id", s.AggJobId,
		"reports_processed", s.ReportsProcessed,
		"reports_finished", s.ReportsFinished,
		"reports_failed", s.ReportsFailed,
	)
}
