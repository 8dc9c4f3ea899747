package dap

// Query-type wire tags, shared by BatchParameter, Query, and BatchSelector.
const (
	queryTypeTimeInterval uint16 = 0x0001
	queryTypeFixedSize    uint16 = 0x0002
)

// HPKE KEM identifiers. Values outside the known set decode losslessly as
// themselves — the underlying uint16 representation IS the forward-compatible
// "NotImplemented(code)" case, so encoding always round-trips without a
// separate discriminant.
type HpkeKemId uint16

const (
	HpkeKemP256HkdfSha256   HpkeKemId = 0x0010
	HpkeKemX25519HkdfSha256 HpkeKemId = 0x0020
)

// IsKnown reports whether id names a KEM this codec recognizes.
func (id HpkeKemId) IsKnown() bool {
	return id == HpkeKemP256HkdfSha256 || id == HpkeKemX25519HkdfSha256
}

// HpkeKdfId identifies an HPKE KDF scheme.
type HpkeKdfId uint16

const HpkeKdfHkdfSha256 HpkeKdfId = 0x0001

// IsKnown reports whether id names a KDF this codec recognizes.
func (id HpkeKdfId) IsKnown() bool { return id == HpkeKdfHkdfSha256 }

// HpkeAeadId identifies an HPKE AEAD scheme.
type HpkeAeadId uint16

const HpkeAeadAes128Gcm HpkeAeadId = 0x0001

// IsKnown reports whether id names an AEAD this codec recognizes.
func (id HpkeAeadId) IsKnown() bool { return id == HpkeAeadAes128Gcm }

// HpkeConfig is the HPKE public-key configuration of an Aggregator or
// Collector.
type HpkeConfig struct {
	Id        uint8
	KemId     HpkeKemId
	KdfId     HpkeKdfId
	AeadId    HpkeAeadId
	PublicKey []byte
}

// Encode appends the wire encoding of c to dst.
func (c HpkeConfig) Encode(dst []byte) ([]byte, error) {
	dst = writeU8(dst, c.Id)
	dst = writeU16(dst, uint16(c.KemId))
	dst = writeU16(dst, uint16(c.KdfId))
	dst = writeU16(dst, uint16(c.AeadId))
	return writeLenPrefixed16(dst, c.PublicKey)
}

func decodeHpkeConfig(b []byte, off *int) (HpkeConfig, error) {
	var c HpkeConfig
	id, err := readU8(b, off)
	if err != nil {
		return c, err
	}
	kem, err := readU16(b, off)
	if err != nil {
		return c, err
	}
	kdf, err := readU16(b, off)
	if err != nil {
		return c, err
	}
	aead, err := readU16(b, off)
	if err != nil {
		return c, err
	}
	pk, err := readLenPrefixed16(b, off)
	if err != nil {
		return c, err
	}
	c.Id = id
	c.KemId = HpkeKemId(kem)
	c.KdfId = HpkeKdfId(kdf)
	c.AeadId = HpkeAeadId(aead)
	c.PublicKey = pk
	return c, nil
}

// DecodeHpkeConfig decodes a full HpkeConfig message from b.
func DecodeHpkeConfig(b []byte) (HpkeConfig, error) {
	off := 0
	c, err := decodeHpkeConfig(b, &off)
	if err != nil {
		return c, err
	}
	if off != len(b) {
		return c, codecErr(ErrUnexpectedValue, "trailing bytes after HpkeConfig")
	}
	return c, nil
}

// HpkeCiphertext is an HPKE-sealed payload: an input share or an aggregate
// share, addressed to the recipient config by ConfigId.
type HpkeCiphertext struct {
	ConfigId uint8
	Enc      []byte
	Payload  []byte
}

func (c HpkeCiphertext) encode(dst []byte) ([]byte, error) {
	dst = writeU8(dst, c.ConfigId)
	dst, err := writeLenPrefixed16(dst, c.Enc)
	if err != nil {
		return nil, err
	}
	return writeLenPrefixed32(dst, c.Payload)
}

func decodeHpkeCiphertext(b []byte, off *int) (HpkeCiphertext, error) {
	var c HpkeCiphertext
	id, err := readU8(b, off)
	if err != nil {
		return c, err
	}
	enc, err := readLenPrefixed16(b, off)
	if err != nil {
		return c, err
	}
	payload, err := readLenPrefixed32(b, off)
	if err != nil {
		return c, err
	}
	c.ConfigId = id
	c.Enc = enc
	c.Payload = payload
	return c, nil
}

// Extension carries a report extension: a type code plus opaque payload.
// Unknown types are preserved verbatim so the codec stays forward
// compatible with extensions it doesn't interpret.
type Extension struct {
	Type    uint16
	Payload []byte
}

func (e Extension) encode(dst []byte) ([]byte, error) {
	dst = writeU16(dst, e.Type)
	return writeLenPrefixed16(dst, e.Payload)
}

func decodeExtension(b []byte, off *int) (Extension, error) {
	var e Extension
	typ, err := readU16(b, off)
	if err != nil {
		return e, err
	}
	payload, err := readLenPrefixed16(b, off)
	if err != nil {
		return e, err
	}
	e.Type = typ
	e.Payload = payload
	return e, nil
}

// ReportMetadata is the non-secret portion of a report: its timestamp,
// nonce, and extensions.
type ReportMetadata struct {
	Time       Time
	Nonce      Nonce
	Extensions []Extension
}

func (m ReportMetadata) encode(dst []byte) ([]byte, error) {
	dst = writeU64(dst, uint64(m.Time))
	dst = m.Nonce.encode(dst)
	return encodeU16Items(dst, len(m.Extensions), func(i int, d []byte) ([]byte, error) {
		return m.Extensions[i].encode(d)
	})
}

func decodeReportMetadata(b []byte, off *int) (ReportMetadata, error) {
	var m ReportMetadata
	t, err := readU64(b, off)
	if err != nil {
		return m, err
	}
	nonce, err := decodeNonce(b, off)
	if err != nil {
		return m, err
	}
	exts, err := decodeU16Items(b, off, func(b []byte, off *int) (Extension, error) {
		return decodeExtension(b, off)
	})
	if err != nil {
		return m, err
	}
	m.Time = Time(t)
	m.Nonce = nonce
	m.Extensions = exts
	return m, nil
}

// Report is a single client submission: a task ID, metadata, the VDAF
// public share, and one encrypted input share per Aggregator.
type Report struct {
	TaskId               TaskId
	Metadata             ReportMetadata
	PublicShare          []byte
	EncryptedInputShares []HpkeCiphertext
}

// Encode returns the wire encoding of r.
func (r Report) Encode() ([]byte, error) {
	dst := Id(r.TaskId).encode(nil)
	dst, err := r.Metadata.encode(dst)
	if err != nil {
		return nil, err
	}
	dst, err = writeLenPrefixed32(dst, r.PublicShare)
	if err != nil {
		return nil, err
	}
	return encodeU32Items(dst, len(r.EncryptedInputShares), func(i int, d []byte) ([]byte, error) {
		return r.EncryptedInputShares[i].encode(d)
	})
}

// DecodeReport decodes a full Report message from b.
func DecodeReport(b []byte) (Report, error) {
	off := 0
	r, err := decodeReport(b, &off)
	if err != nil {
		return r, err
	}
	if off != len(b) {
		return r, codecErr(ErrUnexpectedValue, "trailing bytes after Report")
	}
	return r, nil
}

func decodeReport(b []byte, off *int) (Report, error) {
	var r Report
	taskId, err := decodeTaskId(b, off)
	if err != nil {
		return r, err
	}
	metadata, err := decodeReportMetadata(b, off)
	if err != nil {
		return r, err
	}
	publicShare, err := readLenPrefixed32(b, off)
	if err != nil {
		return r, err
	}
	shares, err := decodeU32Items(b, off, decodeHpkeCiphertext)
	if err != nil {
		return r, err
	}
	r.TaskId = taskId
	r.Metadata = metadata
	r.PublicShare = publicShare
	r.EncryptedInputShares = shares
	return r, nil
}

// ReportShare is the per-Aggregator view of a Report used in an
// AggregateInitializeReq: everything but the task ID (carried once at the
// request level) and with exactly one ciphertext, the recipient's own.
type ReportShare struct {
	Metadata            ReportMetadata
	PublicShare         []byte
	EncryptedInputShare HpkeCiphertext
}

func (s ReportShare) encode(dst []byte) ([]byte, error) {
	dst, err := s.Metadata.encode(dst)
	if err != nil {
		return nil, err
	}
	dst, err = writeLenPrefixed32(dst, s.PublicShare)
	if err != nil {
		return nil, err
	}
	return s.EncryptedInputShare.encode(dst)
}

func decodeReportShare(b []byte, off *int) (ReportShare, error) {
	var s ReportShare
	metadata, err := decodeReportMetadata(b, off)
	if err != nil {
		return s, err
	}
	publicShare, err := readLenPrefixed32(b, off)
	if err != nil {
		return s, err
	}
	share, err := decodeHpkeCiphertext(b, off)
	if err != nil {
		return s, err
	}
	s.Metadata = metadata
	s.PublicShare = publicShare
	s.EncryptedInputShare = share
	return s, nil
}

// encodeU16Items/decodeU16Items and their u32 counterparts implement the
// u16_items/u32_items length-prefix primitives of the codec contract: the
// prefix counts the encoded *byte* length of the sequence, not the element
// count, so the whole sequence is built first and then prefixed.

func encodeU16Items(dst []byte, n int, encodeAt func(i int, d []byte) ([]byte, error)) ([]byte, error) {
	var body []byte
	for i := 0; i < n; i++ {
		var err error
		body, err = encodeAt(i, body)
		if err != nil {
			return nil, err
		}
	}
	return writeLenPrefixed16(dst, body)
}

func encodeU32Items(dst []byte, n int, encodeAt func(i int, d []byte) ([]byte, error)) ([]byte, error) {
	var body []byte
	for i := 0; i < n; i++ {
		var err error
		body, err = encodeAt(i, body)
		if err != nil {
			return nil, err
		}
	}
	return writeLenPrefixed32(dst, body)
}

func decodeU16Items[T any](b []byte, off *int, decodeOne func([]byte, *int) (T, error)) ([]T, error) {
	body, err := readLenPrefixed16(b, off)
	if err != nil {
		return nil, err
	}
	return decodeItemsFromBody(body, decodeOne)
}

func decodeU32Items[T any](b []byte, off *int, decodeOne func([]byte, *int) (T, error)) ([]T, error) {
	body, err := readLenPrefixed32(b, off)
	if err != nil {
		return nil, err
	}
	return decodeItemsFromBody(body, decodeOne)
}

func decodeItemsFromBody[T any](body []byte, decodeOne func([]byte, *int) (T, error)) ([]T, error) {
	var items []T
	boff := 0
	for boff < len(body) {
		item, err := decodeOne(body, &boff)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
