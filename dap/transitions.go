package dap

// BatchParameter identifies which batch an AggregateInitializeReq's report
// shares are being aggregated into.
type BatchParameter struct {
	// FixedSize is true for the FixedSize variant; false selects
	// TimeInterval, which carries no further data.
	FixedSize bool
	BatchId   BatchId
}

func (p BatchParameter) encode(dst []byte) []byte {
	if p.FixedSize {
		dst = writeU16(dst, queryTypeFixedSize)
		return Id(p.BatchId).encode(dst)
	}
	return writeU16(dst, queryTypeTimeInterval)
}

func decodeBatchParameter(b []byte, off *int) (BatchParameter, error) {
	var p BatchParameter
	tag, err := readU16(b, off)
	if err != nil {
		return p, err
	}
	switch tag {
	case queryTypeTimeInterval:
		return BatchParameter{FixedSize: false}, nil
	case queryTypeFixedSize:
		id, err := decodeBatchId(b, off)
		if err != nil {
			return p, err
		}
		return BatchParameter{FixedSize: true, BatchId: id}, nil
	default:
		return p, codecErr(ErrUnexpectedValue, "unknown batch parameter query type")
	}
}

// TransitionFailure is a closed enumeration of reasons a report is
// rejected during aggregation. Codes are stable wire values; an out-of-range
// byte fails to decode rather than being preserved as a forward-compatible
// unknown, because transition failures are an in-band control signal the
// receiving Aggregator must be able to act on.
type TransitionFailure uint8

const (
	TransitionFailureBatchCollected     TransitionFailure = 0
	TransitionFailureReportReplayed     TransitionFailure = 1
	TransitionFailureReportDropped      TransitionFailure = 2
	TransitionFailureHpkeUnknownConfigId TransitionFailure = 3
	TransitionFailureHpkeDecryptError    TransitionFailure = 4
	TransitionFailureVdafPrepError       TransitionFailure = 5
	TransitionFailureBatchSaturated      TransitionFailure = 6
)

func (f TransitionFailure) String() string {
	switch f {
	case TransitionFailureBatchCollected:
		return "batch-collected"
	case TransitionFailureReportReplayed:
		return "report-replayed"
	case TransitionFailureReportDropped:
		return "report-dropped"
	case TransitionFailureHpkeUnknownConfigId:
		return "hpke-unknown-config-id"
	case TransitionFailureHpkeDecryptError:
		return "hpke-decrypt-error"
	case TransitionFailureVdafPrepError:
		return "vdaf-prep-error"
	case TransitionFailureBatchSaturated:
		return "batch-saturated"
	default:
		return "unknown-transition-failure"
	}
}

func (f TransitionFailure) encode(dst []byte) []byte {
	return writeU8(dst, uint8(f))
}

func decodeTransitionFailure(b []byte, off *int) (TransitionFailure, error) {
	v, err := readU8(b, off)
	if err != nil {
		return 0, err
	}
	if v > uint8(TransitionFailureBatchSaturated) {
		return 0, codecErr(ErrUnexpectedValue, "transition failure code out of range")
	}
	return TransitionFailure(v), nil
}

// TransitionVar is the per-round payload of a Transition: either a VDAF
// preparation message to continue with, a terminal success, or a terminal
// failure.
type TransitionVar struct {
	// Kind selects which field below is populated.
	Kind      TransitionVarKind
	Continued []byte
	Failure   TransitionFailure
}

// TransitionVarKind discriminates the TransitionVar union.
type TransitionVarKind uint8

const (
	TransitionVarContinued TransitionVarKind = 0
	TransitionVarFinished  TransitionVarKind = 1
	TransitionVarFailed    TransitionVarKind = 2
)

func (v TransitionVar) encode(dst []byte) ([]byte, error) {
	switch v.Kind {
	case TransitionVarContinued:
		dst = writeU8(dst, 0)
		return writeLenPrefixed32(dst, v.Continued)
	case TransitionVarFinished:
		return writeU8(dst, 1), nil
	case TransitionVarFailed:
		dst = writeU8(dst, 2)
		return v.Failure.encode(dst), nil
	default:
		return nil, codecErr(ErrUnexpectedValue, "unknown transition var kind")
	}
}

func decodeTransitionVar(b []byte, off *int) (TransitionVar, error) {
	var v TransitionVar
	tag, err := readU8(b, off)
	if err != nil {
		return v, err
	}
	switch tag {
	case 0:
		msg, err := readLenPrefixed32(b, off)
		if err != nil {
			return v, err
		}
		return TransitionVar{Kind: TransitionVarContinued, Continued: msg}, nil
	case 1:
		return TransitionVar{Kind: TransitionVarFinished}, nil
	case 2:
		f, err := decodeTransitionFailure(b, off)
		if err != nil {
			return v, err
		}
		return TransitionVar{Kind: TransitionVarFailed, Failure: f}, nil
	default:
		return v, codecErr(ErrUnexpectedValue, "unknown transition var tag")
	}
}

// Transition conveys one report's progress through VDAF preparation,
// matched to the report by Nonce rather than by position in the message.
type Transition struct {
	Nonce Nonce
	Var   TransitionVar
}

func (t Transition) encode(dst []byte) ([]byte, error) {
	dst = t.Nonce.encode(dst)
	return t.Var.encode(dst)
}

func decodeTransition(b []byte, off *int) (Transition, error) {
	var t Transition
	nonce, err := decodeNonce(b, off)
	if err != nil {
		return t, err
	}
	v, err := decodeTransitionVar(b, off)
	if err != nil {
		return t, err
	}
	t.Nonce = nonce
	t.Var = v
	return t, nil
}

// AggregateInitializeReq is the Leader's request to begin an aggregation
// job: one ReportShare per report, addressed to the Helper.
type AggregateInitializeReq struct {
	TaskId       TaskId
	AggJobId     AggJobId
	AggParam     []byte
	BatchParam   BatchParameter
	ReportShares []ReportShare
}

// Encode returns the wire encoding of r.
func (r AggregateInitializeReq) Encode() ([]byte, error) {
	dst := Id(r.TaskId).encode(nil)
	dst = Id(r.AggJobId).encode(dst)
	dst, err := writeLenPrefixed16(dst, r.AggParam)
	if err != nil {
		return nil, err
	}
	dst = r.BatchParam.encode(dst)
	return encodeU32Items(dst, len(r.ReportShares), func(i int, d []byte) ([]byte, error) {
		return r.ReportShares[i].encode(d)
	})
}

// DecodeAggregateInitializeReq decodes a full AggregateInitializeReq from b.
func DecodeAggregateInitializeReq(b []byte) (AggregateInitializeReq, error) {
	off := 0
	var r AggregateInitializeReq
	taskId, err := decodeTaskId(b, &off)
	if err != nil {
		return r, err
	}
	aggJobId, err := decodeAggJobId(b, &off)
	if err != nil {
		return r, err
	}
	aggParam, err := readLenPrefixed16(b, &off)
	if err != nil {
		return r, err
	}
	batchParam, err := decodeBatchParameter(b, &off)
	if err != nil {
		return r, err
	}
	shares, err := decodeU32Items(b, &off, decodeReportShare)
	if err != nil {
		return r, err
	}
	if off != len(b) {
		return r, codecErr(ErrUnexpectedValue, "trailing bytes after AggregateInitializeReq")
	}
	r.TaskId = taskId
	r.AggJobId = aggJobId
	r.AggParam = aggParam
	r.BatchParam = batchParam
	r.ReportShares = shares
	return r, nil
}

// AggregateContinueReq carries the Leader's VDAF preparation messages for
// a later aggregation round.
type AggregateContinueReq struct {
	TaskId      TaskId
	AggJobId    AggJobId
	Transitions []Transition
}

// Encode returns the wire encoding of r.
func (r AggregateContinueReq) Encode() ([]byte, error) {
	dst := Id(r.TaskId).encode(nil)
	dst = Id(r.AggJobId).encode(dst)
	return encodeU32Items(dst, len(r.Transitions), func(i int, d []byte) ([]byte, error) {
		return r.Transitions[i].encode(d)
	})
}

// DecodeAggregateContinueReq decodes a full AggregateContinueReq from b.
func DecodeAggregateContinueReq(b []byte) (AggregateContinueReq, error) {
	off := 0
	var r AggregateContinueReq
	taskId, err := decodeTaskId(b, &off)
	if err != nil {
		return r, err
	}
	aggJobId, err := decodeAggJobId(b, &off)
	if err != nil {
		return r, err
	}
	transitions, err := decodeU32Items(b, &off, decodeTransition)
	if err != nil {
		return r, err
	}
	if off != len(b) {
		return r, codecErr(ErrUnexpectedValue, "trailing bytes after AggregateContinueReq")
	}
	r.TaskId = taskId
	r.AggJobId = aggJobId
	r.Transitions = transitions
	return r, nil
}

// AggregateResp is the Helper's (or Leader's, during continuation) reply
// carrying one Transition per report it was asked to process.
type AggregateResp struct {
	Transitions []Transition
}

// Encode returns the wire encoding of r.
func (r AggregateResp) Encode() ([]byte, error) {
	return encodeU32Items(nil, len(r.Transitions), func(i int, d []byte) ([]byte, error) {
		return r.Transitions[i].encode(d)
	})
}

// DecodeAggregateResp decodes a full AggregateResp from b.
func DecodeAggregateResp(b []byte) (AggregateResp, error) {
	off := 0
	transitions, err := decodeU32Items(b, &off, decodeTransition)
	if err != nil {
		return AggregateResp{}, err
	}
	if off != len(b) {
		return AggregateResp{}, codecErr(ErrUnexpectedValue, "trailing bytes after AggregateResp")
	}
	return AggregateResp{Transitions: transitions}, nil
}
