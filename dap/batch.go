package dap

// Interval is a half-open time-interval batch boundary:
// [Start, Start+Duration).
type Interval struct {
	Start    Time
	Duration Duration
}

// End returns the exclusive end of the interval.
func (i Interval) End() Time {
	return i.Start + Time(i.Duration)
}

func (i Interval) encode(dst []byte) []byte {
	dst = writeU64(dst, uint64(i.Start))
	return writeU64(dst, uint64(i.Duration))
}

func decodeInterval(b []byte, off *int) (Interval, error) {
	start, err := readU64(b, off)
	if err != nil {
		return Interval{}, err
	}
	dur, err := readU64(b, off)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Start: Time(start), Duration: Duration(dur)}, nil
}

// Query is the Collector's batch selector: either a time-interval or a
// specific fixed-size batch. BatchSelector shares the same wire shape and
// is defined as a type alias below, matching the original DAP
// specification where BatchSelector and Query are structurally identical.
type Query struct {
	// FixedSize is true for the FixedSize variant.
	FixedSize bool
	Interval  Interval
	BatchId   BatchId
}

// BatchSelector is wire-identical to Query; the Leader uses this alias when
// addressing an AggregateShareReq to the Helper.
type BatchSelector = Query

// ErrWrongQueryType is returned by IntervalOrErr when a time-interval
// batch interval was requested of a fixed-size Query.
var ErrWrongQueryType = codecErr(ErrUnexpectedValue, "query is not time-interval")

// IntervalOrErr returns q's batch interval, or ErrWrongQueryType if q
// selects a fixed-size batch instead. Unlike a panicking accessor, callers
// that don't know a query's kind ahead of time can handle the mismatch.
func (q Query) IntervalOrErr() (Interval, error) {
	if q.FixedSize {
		return Interval{}, ErrWrongQueryType
	}
	return q.Interval, nil
}

func (q Query) encode(dst []byte) []byte {
	if q.FixedSize {
		dst = writeU16(dst, queryTypeFixedSize)
		return Id(q.BatchId).encode(dst)
	}
	dst = writeU16(dst, queryTypeTimeInterval)
	return q.Interval.encode(dst)
}

func decodeQuery(b []byte, off *int) (Query, error) {
	tag, err := readU16(b, off)
	if err != nil {
		return Query{}, err
	}
	switch tag {
	case queryTypeTimeInterval:
		iv, err := decodeInterval(b, off)
		if err != nil {
			return Query{}, err
		}
		return Query{FixedSize: false, Interval: iv}, nil
	case queryTypeFixedSize:
		id, err := decodeBatchId(b, off)
		if err != nil {
			return Query{}, err
		}
		return Query{FixedSize: true, BatchId: id}, nil
	default:
		return Query{}, codecErr(ErrUnexpectedValue, "unknown query type")
	}
}

// CollectReq is a Collector's request to form an aggregate over a batch.
type CollectReq struct {
	TaskId   TaskId
	Query    Query
	AggParam []byte
}

// Encode returns the wire encoding of r.
func (r CollectReq) Encode() ([]byte, error) {
	dst := Id(r.TaskId).encode(nil)
	dst = r.Query.encode(dst)
	return writeLenPrefixed16(dst, r.AggParam)
}

// DecodeCollectReq decodes a full CollectReq from b.
func DecodeCollectReq(b []byte) (CollectReq, error) {
	off := 0
	var r CollectReq
	taskId, err := decodeTaskId(b, &off)
	if err != nil {
		return r, err
	}
	q, err := decodeQuery(b, &off)
	if err != nil {
		return r, err
	}
	aggParam, err := readLenPrefixed16(b, &off)
	if err != nil {
		return r, err
	}
	if off != len(b) {
		return r, codecErr(ErrUnexpectedValue, "trailing bytes after CollectReq")
	}
	r.TaskId = taskId
	r.Query = q
	r.AggParam = aggParam
	return r, nil
}

// CollectResp is the final aggregate result for a batch: one encrypted
// aggregate share per Aggregator, each sealed to the Collector's HpkeConfig.
type CollectResp struct {
	ReportCount        uint64
	EncryptedAggShares []HpkeCiphertext
}

// Encode returns the wire encoding of r.
func (r CollectResp) Encode() ([]byte, error) {
	dst := writeU64(nil, r.ReportCount)
	return encodeU32Items(dst, len(r.EncryptedAggShares), func(i int, d []byte) ([]byte, error) {
		return r.EncryptedAggShares[i].encode(d)
	})
}

// DecodeCollectResp decodes a full CollectResp from b.
func DecodeCollectResp(b []byte) (CollectResp, error) {
	off := 0
	count, err := readU64(b, &off)
	if err != nil {
		return CollectResp{}, err
	}
	shares, err := decodeU32Items(b, &off, decodeHpkeCiphertext)
	if err != nil {
		return CollectResp{}, err
	}
	if off != len(b) {
		return CollectResp{}, codecErr(ErrUnexpectedValue, "trailing bytes after CollectResp")
	}
	return CollectResp{ReportCount: count, EncryptedAggShares: shares}, nil
}

// AggregateShareReq is the Leader's request to the Helper to release its
// share of a collected batch's aggregate.
type AggregateShareReq struct {
	TaskId        TaskId
	BatchSelector BatchSelector
	AggParam      []byte
	ReportCount   uint64
	Checksum      [32]byte
}

// Encode returns the wire encoding of r.
func (r AggregateShareReq) Encode() ([]byte, error) {
	dst := Id(r.TaskId).encode(nil)
	dst = r.BatchSelector.encode(dst)
	dst, err := writeLenPrefixed16(dst, r.AggParam)
	if err != nil {
		return nil, err
	}
	dst = writeU64(dst, r.ReportCount)
	return append(dst, r.Checksum[:]...), nil
}

// DecodeAggregateShareReq decodes a full AggregateShareReq from b.
func DecodeAggregateShareReq(b []byte) (AggregateShareReq, error) {
	off := 0
	var r AggregateShareReq
	taskId, err := decodeTaskId(b, &off)
	if err != nil {
		return r, err
	}
	sel, err := decodeQuery(b, &off)
	if err != nil {
		return r, err
	}
	aggParam, err := readLenPrefixed16(b, &off)
	if err != nil {
		return r, err
	}
	count, err := readU64(b, &off)
	if err != nil {
		return r, err
	}
	checksumBytes, err := readBytes(b, &off, 32)
	if err != nil {
		return r, err
	}
	if off != len(b) {
		return r, codecErr(ErrUnexpectedValue, "trailing bytes after AggregateShareReq")
	}
	r.TaskId = taskId
	r.BatchSelector = sel
	r.AggParam = aggParam
	r.ReportCount = count
	copy(r.Checksum[:], checksumBytes)
	return r, nil
}

// AggregateShareResp carries one Aggregator's encrypted share of a
// collected batch's aggregate.
type AggregateShareResp struct {
	EncryptedAggShare HpkeCiphertext
}

// Encode returns the wire encoding of r.
func (r AggregateShareResp) Encode() ([]byte, error) {
	return r.EncryptedAggShare.encode(nil)
}

// DecodeAggregateShareResp decodes a full AggregateShareResp from b.
func DecodeAggregateShareResp(b []byte) (AggregateShareResp, error) {
	off := 0
	share, err := decodeHpkeCiphertext(b, &off)
	if err != nil {
		return AggregateShareResp{}, err
	}
	if off != len(b) {
		return AggregateShareResp{}, codecErr(ErrUnexpectedValue, "trailing bytes after AggregateShareResp")
	}
	return AggregateShareResp{EncryptedAggShare: share}, nil
}
