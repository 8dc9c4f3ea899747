package aggregator

import "fmt"

// AbortCode names a DAP-visible protocol rejection, returned to the
// remote peer as a structured error body (spec.md §6/§7). Distinct from
// dap.TransitionFailure, which is an in-band per-report rejection carried
// inside an aggregate response rather than a request-level abort.
type AbortCode string

const (
	AbortBadRequest       AbortCode = "BadRequest"
	AbortUnrecognizedTask AbortCode = "UnrecognizedTask"
	AbortInvalidBatch     AbortCode = "InvalidBatch"
	AbortBatchMismatch    AbortCode = "BatchMismatch"
	AbortBatchInvalid     AbortCode = "BatchInvalid"
	AbortReportTooLate    AbortCode = "ReportTooLate"
	AbortStepMismatch     AbortCode = "StepMismatch"
)

// DapAbort is a protocol-visible rejection carrying a stable code and,
// where relevant, the task it applies to. Grounded on consensus/errors.go's
// ErrorCode/TxError/txerr pattern, generalized for the abort taxonomy of
// spec.md §7.
type DapAbort struct {
	Code   AbortCode
	TaskID string
	Msg    string
}

func (e *DapAbort) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s (task %s): %s", e.Code, e.TaskID, e.Msg)
}

func abort(code AbortCode, taskID, msg string) error {
	return &DapAbort{Code: code, TaskID: taskID, Msg: msg}
}

// FatalError is an internal invariant violation: logged at error level
// and surfaced to the client as a 500, never retried.
type FatalError struct {
	Msg string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Msg, e.Err)
	}
	return "fatal: " + e.Msg
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(msg string, err error) error {
	return &FatalError{Msg: msg, Err: err}
}
