package dap

import (
	"encoding/base64"
	"encoding/hex"
)

// IDSize is the fixed length, in bytes, of every Id value: task IDs,
// aggregation-job IDs, and batch IDs all share this shape.
const IDSize = 32

// NonceSize is the fixed length, in bytes, of a Nonce.
const NonceSize = 16

// Id is an opaque 32-byte identifier. Task IDs, batch IDs, and
// aggregation-job IDs all use this shape but are distinct at the Go type
// level via the wrapper types below.
type Id [IDSize]byte

// Base64URL returns the URL-safe, unpadded base64 encoding of id.
func (id Id) Base64URL() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Hex returns id encoded as a hex string.
func (id Id) Hex() string {
	return hex.EncodeToString(id[:])
}

// IdFromBase64URL decodes a URL-safe, unpadded base64 string into an Id.
func IdFromBase64URL(s string) (Id, error) {
	var id Id
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDSize {
		return id, codecErr(ErrUnexpectedValue, "decoded id is not 32 bytes")
	}
	copy(id[:], b)
	return id, nil
}

func (id Id) encode(dst []byte) []byte {
	return append(dst, id[:]...)
}

func decodeId(b []byte, off *int) (Id, error) {
	var id Id
	raw, err := readBytes(b, off, IDSize)
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}

// Nonce is a 16-byte value unique per report within a task.
type Nonce [NonceSize]byte

func (n Nonce) encode(dst []byte) []byte {
	return append(dst, n[:]...)
}

func decodeTaskId(b []byte, off *int) (TaskId, error) {
	id, err := decodeId(b, off)
	return TaskId(id), err
}

func decodeAggJobId(b []byte, off *int) (AggJobId, error) {
	id, err := decodeId(b, off)
	return AggJobId(id), err
}

func decodeBatchId(b []byte, off *int) (BatchId, error) {
	id, err := decodeId(b, off)
	return BatchId(id), err
}

func decodeNonce(b []byte, off *int) (Nonce, error) {
	var n Nonce
	raw, err := readBytes(b, off, NonceSize)
	if err != nil {
		return n, err
	}
	copy(n[:], raw)
	return n, nil
}

// Time is an unsigned 64-bit count of seconds since the Unix epoch.
type Time uint64

// Duration is an unsigned 64-bit count of seconds.
type Duration uint64

// TaskId, AggJobId and BatchId give the shared Id shape distinct static
// types so a caller cannot accidentally pass a batch ID where a task ID is
// expected, per the invariant that task/job/batch identifiers share a
// representation but are distinct in type.
type (
	TaskId   Id
	AggJobId Id
	BatchId  Id
)

func (id TaskId) Base64URL() string  { return Id(id).Base64URL() }
func (id TaskId) Hex() string        { return Id(id).Hex() }
func (id AggJobId) Base64URL() string { return Id(id).Base64URL() }
func (id AggJobId) Hex() string       { return Id(id).Hex() }
func (id BatchId) Base64URL() string  { return Id(id).Base64URL() }
func (id BatchId) Hex() string        { return Id(id).Hex() }
