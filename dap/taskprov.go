package dap

// Version selects which wire-format draft a taskprov message is encoded
// and decoded against. Draft02 and Draft07 diverge in a handful of
// places — aggregator URL list shape, query-type tag position, and
// whether an unrecognized variant still round-trips — so every taskprov
// codec function takes the version as an explicit parameter rather than
// dispatching through an interface.
type Version uint8

const (
	Draft02 Version = iota
	Draft07
)

// taskprov query-config tags. These are distinct from the top-level
// Query/BatchParameter tags in messages.go: the taskprov QueryConfig
// reads its discriminator as a single byte, not a u16.
const (
	taskprovQueryTypeTimeInterval uint8 = 0x01
	taskprovQueryTypeFixedSize    uint8 = 0x02
)

const (
	vdafTypePrio2      uint32 = 0xFFFF0000
	dpMechanismNone    uint8  = 0x01
)

// encodeU16ItemForVersion writes item under Draft07 as a u16-length-prefixed
// blob and under Draft02 as a bare, unprefixed value — matching the
// taskprov draft's divergent framing for the same logical field.
func encodeU16ItemForVersion(dst []byte, version Version, encode func([]byte) []byte) ([]byte, error) {
	if version == Draft07 {
		body := encode(nil)
		return writeLenPrefixed16(dst, body)
	}
	return encode(dst), nil
}

func decodeU16ItemForVersion[T any](b []byte, off *int, version Version, decodeItem func([]byte, *int) (T, error)) (T, error) {
	if version == Draft07 {
		body, err := readLenPrefixed16(b, off)
		if err != nil {
			var zero T
			return zero, err
		}
		boff := 0
		item, err := decodeItem(body, &boff)
		if err != nil {
			var zero T
			return zero, err
		}
		if boff != len(body) {
			var zero T
			return zero, codecErr(ErrUnexpectedValue, "trailing bytes in versioned item")
		}
		return item, nil
	}
	return decodeItem(b, off)
}

func encodeUnit(dst []byte) []byte { return dst }

func decodeUnit(b []byte, off *int) (struct{}, error) { return struct{}{}, nil }

// UrlBytes is an Aggregator endpoint URL, always length-prefixed
// regardless of draft version.
type UrlBytes struct {
	Bytes []byte
}

func (u UrlBytes) encode(dst []byte) ([]byte, error) {
	return writeLenPrefixed16(dst, u.Bytes)
}

func decodeUrlBytes(b []byte, off *int) (UrlBytes, error) {
	raw, err := readLenPrefixed16(b, off)
	if err != nil {
		return UrlBytes{}, err
	}
	return UrlBytes{Bytes: raw}, nil
}

// DpConfigKind discriminates DpConfig.
type DpConfigKind uint8

const (
	DpConfigNone DpConfigKind = iota
	DpConfigNotImplemented
)

// DpConfig names a differential-privacy mechanism applied to an
// aggregate. Only "none" is implemented; any other mechanism code is
// preserved verbatim under Draft07 so a newer Collector's taskprov
// payload still round-trips through an aggregator that doesn't
// understand the mechanism, and rejected under Draft02, which has no
// forward-compatible framing for it.
type DpConfig struct {
	Kind DpConfigKind
	Typ  uint8
	Param []byte
}

func (c DpConfig) encode(dst []byte, version Version) ([]byte, error) {
	switch c.Kind {
	case DpConfigNone:
		dst = writeU8(dst, dpMechanismNone)
		return encodeU16ItemForVersion(dst, version, encodeUnit)
	case DpConfigNotImplemented:
		dst = writeU8(dst, c.Typ)
		if version == Draft07 {
			return writeLenPrefixed16(dst, c.Param)
		}
		return append(dst, c.Param...), nil
	default:
		return nil, codecErr(ErrUnexpectedValue, "unknown dp config kind")
	}
}

func decodeDpConfig(b []byte, off *int, version Version) (DpConfig, error) {
	typ, err := readU8(b, off)
	if err != nil {
		return DpConfig{}, err
	}
	if typ == dpMechanismNone {
		if _, err := decodeU16ItemForVersion(b, off, version, decodeUnit); err != nil {
			return DpConfig{}, err
		}
		return DpConfig{Kind: DpConfigNone}, nil
	}
	if version == Draft02 {
		return DpConfig{}, codecErr(ErrUnexpectedValue, "unimplemented dp mechanism under draft02")
	}
	param, err := readLenPrefixed16(b, off)
	if err != nil {
		return DpConfig{}, err
	}
	return DpConfig{Kind: DpConfigNotImplemented, Typ: typ, Param: param}, nil
}

// VdafTypeVarKind discriminates VdafTypeVar.
type VdafTypeVarKind uint8

const (
	VdafTypeVarPrio2          VdafTypeVarKind = iota
	VdafTypeVarNotImplemented
)

// VdafTypeVar names a VDAF along with its type-specific parameters.
type VdafTypeVar struct {
	Kind      VdafTypeVarKind
	Dimension uint32
	Typ       uint32
	Param     []byte
}

func (v VdafTypeVar) encode(dst []byte, version Version) ([]byte, error) {
	switch v.Kind {
	case VdafTypeVarPrio2:
		dst = writeU32(dst, vdafTypePrio2)
		return encodeU16ItemForVersion(dst, version, func(d []byte) []byte {
			return writeU32(d, v.Dimension)
		})
	case VdafTypeVarNotImplemented:
		dst = writeU32(dst, v.Typ)
		if version == Draft07 {
			return writeLenPrefixed16(dst, v.Param)
		}
		return append(dst, v.Param...), nil
	default:
		return nil, codecErr(ErrUnexpectedValue, "unknown vdaf type var kind")
	}
}

func decodeVdafTypeVar(b []byte, off *int, version Version) (VdafTypeVar, error) {
	typ, err := readU32(b, off)
	if err != nil {
		return VdafTypeVar{}, err
	}
	if typ == vdafTypePrio2 {
		dim, err := decodeU16ItemForVersion(b, off, version, func(b []byte, off *int) (uint32, error) {
			return readU32(b, off)
		})
		if err != nil {
			return VdafTypeVar{}, err
		}
		return VdafTypeVar{Kind: VdafTypeVarPrio2, Dimension: dim}, nil
	}
	if version == Draft02 {
		return VdafTypeVar{}, codecErr(ErrUnexpectedValue, "unimplemented vdaf type under draft02")
	}
	param, err := readLenPrefixed16(b, off)
	if err != nil {
		return VdafTypeVar{}, err
	}
	return VdafTypeVar{Kind: VdafTypeVarNotImplemented, Typ: typ, Param: param}, nil
}

// VdafConfig pairs a differential-privacy configuration with the VDAF it
// applies to.
type VdafConfig struct {
	DpConfig DpConfig
	Var      VdafTypeVar
}

func (c VdafConfig) encode(dst []byte, version Version) ([]byte, error) {
	dst, err := c.DpConfig.encode(dst, version)
	if err != nil {
		return nil, err
	}
	return c.Var.encode(dst, version)
}

func decodeVdafConfig(b []byte, off *int, version Version) (VdafConfig, error) {
	dp, err := decodeDpConfig(b, off, version)
	if err != nil {
		return VdafConfig{}, err
	}
	v, err := decodeVdafTypeVar(b, off, version)
	if err != nil {
		return VdafConfig{}, err
	}
	return VdafConfig{DpConfig: dp, Var: v}, nil
}

// QueryConfigVarKind discriminates QueryConfigVar.
type QueryConfigVarKind uint8

const (
	QueryConfigVarTimeInterval QueryConfigVarKind = iota
	QueryConfigVarFixedSize
	QueryConfigVarNotImplemented
)

// QueryConfigVar carries the query-type-specific portion of a QueryConfig.
type QueryConfigVar struct {
	Kind         QueryConfigVarKind
	MaxBatchSize uint32
	Typ          uint8
	Param        []byte
}

// QueryConfig is the taskprov-provisioned query parameters of a task.
type QueryConfig struct {
	TimePrecision      Duration
	MaxBatchQueryCount uint16
	MinBatchSize       uint32
	Var                QueryConfigVar
}

func (c QueryConfig) queryTypeTag() uint8 {
	switch c.Var.Kind {
	case QueryConfigVarTimeInterval:
		return taskprovQueryTypeTimeInterval
	case QueryConfigVarFixedSize:
		return taskprovQueryTypeFixedSize
	default:
		return c.Var.Typ
	}
}

// Encode appends the wire encoding of c, under the given draft version, to
// dst.
func (c QueryConfig) Encode(dst []byte, version Version) ([]byte, error) {
	if version == Draft02 {
		dst = writeU8(dst, c.queryTypeTag())
	}
	dst = writeU64(dst, uint64(c.TimePrecision))
	dst = writeU16(dst, c.MaxBatchQueryCount)
	dst = writeU32(dst, c.MinBatchSize)
	switch c.Var.Kind {
	case QueryConfigVarTimeInterval:
		dst = writeU8(dst, taskprovQueryTypeTimeInterval)
		return encodeU16ItemForVersion(dst, version, encodeUnit)
	case QueryConfigVarFixedSize:
		dst = writeU8(dst, taskprovQueryTypeFixedSize)
		return encodeU16ItemForVersion(dst, version, func(d []byte) []byte {
			return writeU32(d, c.Var.MaxBatchSize)
		})
	case QueryConfigVarNotImplemented:
		dst = writeU8(dst, c.Var.Typ)
		if version == Draft07 {
			return writeLenPrefixed16(dst, c.Var.Param)
		}
		return append(dst, c.Var.Param...), nil
	default:
		return nil, codecErr(ErrUnexpectedValue, "unknown query config var kind")
	}
}

// DecodeQueryConfig decodes a full QueryConfig from b under the given
// draft version.
func DecodeQueryConfig(b []byte, version Version) (QueryConfig, error) {
	off := 0
	c, err := decodeQueryConfig(b, &off, version)
	if err != nil {
		return c, err
	}
	if off != len(b) {
		return c, codecErr(ErrUnexpectedValue, "trailing bytes after QueryConfig")
	}
	return c, nil
}

func decodeQueryConfig(b []byte, off *int, version Version) (QueryConfig, error) {
	var c QueryConfig
	var draft02Tag uint8
	var haveDraft02Tag bool
	if version == Draft02 {
		t, err := readU8(b, off)
		if err != nil {
			return c, err
		}
		draft02Tag, haveDraft02Tag = t, true
	}
	timePrecision, err := readU64(b, off)
	if err != nil {
		return c, err
	}
	maxBatchQueryCount, err := readU16(b, off)
	if err != nil {
		return c, err
	}
	minBatchSize, err := readU32(b, off)
	if err != nil {
		return c, err
	}
	// The query-type tag is always written a second time here, even under
	// Draft02 where it was already read above — encode does the same,
	// writing the tag once for Draft02-only positioning and once more
	// unconditionally as part of the shared encoding path.
	secondTag, err := readU8(b, off)
	if err != nil {
		return c, err
	}
	tag := secondTag
	if haveDraft02Tag {
		tag = draft02Tag
	}
	var v QueryConfigVar
	switch tag {
	case taskprovQueryTypeTimeInterval:
		if _, err := decodeU16ItemForVersion(b, off, version, decodeUnit); err != nil {
			return c, err
		}
		v = QueryConfigVar{Kind: QueryConfigVarTimeInterval}
	case taskprovQueryTypeFixedSize:
		maxBatch, err := decodeU16ItemForVersion(b, off, version, func(b []byte, off *int) (uint32, error) {
			return readU32(b, off)
		})
		if err != nil {
			return c, err
		}
		v = QueryConfigVar{Kind: QueryConfigVarFixedSize, MaxBatchSize: maxBatch}
	default:
		if version == Draft02 {
			return c, codecErr(ErrUnexpectedValue, "unimplemented query config under draft02")
		}
		param, err := readLenPrefixed16(b, off)
		if err != nil {
			return c, err
		}
		v = QueryConfigVar{Kind: QueryConfigVarNotImplemented, Typ: tag, Param: param}
	}
	c.TimePrecision = Duration(timePrecision)
	c.MaxBatchQueryCount = maxBatchQueryCount
	c.MinBatchSize = minBatchSize
	c.Var = v
	return c, nil
}

// TaskConfig is the taskprov-provisioned configuration of a task,
// exchanged out of band from the Collector to both Aggregators.
type TaskConfig struct {
	TaskInfo       []byte
	LeaderUrl      UrlBytes
	HelperUrl      UrlBytes
	QueryConfig    QueryConfig
	TaskExpiration Time
	VdafConfig     VdafConfig
}

// Encode returns the wire encoding of c under the given draft version.
func (c TaskConfig) Encode(version Version) ([]byte, error) {
	dst, err := writeLenPrefixed8(nil, c.TaskInfo)
	if err != nil {
		return nil, err
	}
	if version == Draft02 {
		dst, err = encodeU16Items(dst, 2, func(i int, d []byte) ([]byte, error) {
			if i == 0 {
				return c.LeaderUrl.encode(d)
			}
			return c.HelperUrl.encode(d)
		})
		if err != nil {
			return nil, err
		}
	} else {
		dst, err = c.LeaderUrl.encode(dst)
		if err != nil {
			return nil, err
		}
		dst, err = c.HelperUrl.encode(dst)
		if err != nil {
			return nil, err
		}
	}
	dst, err = c.QueryConfig.Encode(dst, version)
	if err != nil {
		return nil, err
	}
	dst = writeU64(dst, uint64(c.TaskExpiration))
	return c.VdafConfig.encode(dst, version)
}

// DecodeTaskConfig decodes a full TaskConfig from b under the given draft
// version.
func DecodeTaskConfig(b []byte, version Version) (TaskConfig, error) {
	off := 0
	var c TaskConfig
	taskInfo, err := readLenPrefixed8(b, &off)
	if err != nil {
		return c, err
	}
	var leaderUrl, helperUrl UrlBytes
	if version == Draft02 {
		urls, err := decodeU16Items(b, &off, decodeUrlBytes)
		if err != nil {
			return c, err
		}
		if len(urls) != 2 {
			return c, codecErr(ErrUnexpectedValue, "expected exactly two aggregator endpoints")
		}
		leaderUrl, helperUrl = urls[0], urls[1]
	} else {
		leaderUrl, err = decodeUrlBytes(b, &off)
		if err != nil {
			return c, err
		}
		helperUrl, err = decodeUrlBytes(b, &off)
		if err != nil {
			return c, err
		}
	}
	queryConfig, err := decodeQueryConfig(b, &off, version)
	if err != nil {
		return c, err
	}
	expiration, err := readU64(b, &off)
	if err != nil {
		return c, err
	}
	vdafConfig, err := decodeVdafConfig(b, &off, version)
	if err != nil {
		return c, err
	}
	if off != len(b) {
		return c, codecErr(ErrUnexpectedValue, "trailing bytes after TaskConfig")
	}
	c.TaskInfo = taskInfo
	c.LeaderUrl = leaderUrl
	c.HelperUrl = helperUrl
	c.QueryConfig = queryConfig
	c.TaskExpiration = Time(expiration)
	c.VdafConfig = vdafConfig
	return c, nil
}
