package dap

import "encoding/binary"

// All DAP wire integers are network byte order (big-endian), unlike the
// little-endian layout used by some other wire protocols.

func readU8(b []byte, off *int) (uint8, error) {
	if *off+1 > len(b) {
		return 0, codecErr(ErrTruncated, "unexpected EOF (u8)")
	}
	v := b[*off]
	*off++
	return v, nil
}

func readU16(b []byte, off *int) (uint16, error) {
	if *off+2 > len(b) {
		return 0, codecErr(ErrTruncated, "unexpected EOF (u16)")
	}
	v := binary.BigEndian.Uint16(b[*off : *off+2])
	*off += 2
	return v, nil
}

func readU32(b []byte, off *int) (uint32, error) {
	if *off+4 > len(b) {
		return 0, codecErr(ErrTruncated, "unexpected EOF (u32)")
	}
	v := binary.BigEndian.Uint32(b[*off : *off+4])
	*off += 4
	return v, nil
}

func readU64(b []byte, off *int) (uint64, error) {
	if *off+8 > len(b) {
		return 0, codecErr(ErrTruncated, "unexpected EOF (u64)")
	}
	v := binary.BigEndian.Uint64(b[*off : *off+8])
	*off += 8
	return v, nil
}

func readBytes(b []byte, off *int, n int) ([]byte, error) {
	if n < 0 {
		return nil, codecErr(ErrTruncated, "negative length")
	}
	if *off+n > len(b) {
		return nil, codecErr(ErrTruncated, "unexpected EOF (bytes)")
	}
	v := append([]byte(nil), b[*off:*off+n]...)
	*off += n
	return v, nil
}

func writeU8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

func writeU16(dst []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

func writeU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func writeU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// readLenPrefixed8 reads a u8-length-prefixed byte string: the one-byte
// length prefix counts the number of payload bytes that follow.
func readLenPrefixed8(b []byte, off *int) ([]byte, error) {
	n, err := readU8(b, off)
	if err != nil {
		return nil, err
	}
	return readBytes(b, off, int(n))
}

// readLenPrefixed16 reads a u16-length-prefixed byte string: the prefix
// counts the number of payload bytes (not elements) that follow.
func readLenPrefixed16(b []byte, off *int) ([]byte, error) {
	n, err := readU16(b, off)
	if err != nil {
		return nil, err
	}
	return readBytes(b, off, int(n))
}

// readLenPrefixed32 reads a u32-length-prefixed byte string.
func readLenPrefixed32(b []byte, off *int) ([]byte, error) {
	n, err := readU32(b, off)
	if err != nil {
		return nil, err
	}
	return readBytes(b, off, int(n))
}

func writeLenPrefixed8(dst []byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xff {
		return nil, codecErr(ErrOverflow, "payload exceeds u8 length prefix")
	}
	dst = writeU8(dst, uint8(len(payload)))
	return append(dst, payload...), nil
}

func writeLenPrefixed16(dst []byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, codecErr(ErrOverflow, "payload exceeds u16 length prefix")
	}
	dst = writeU16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

func writeLenPrefixed32(dst []byte, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > 0xffffffff {
		return nil, codecErr(ErrOverflow, "payload exceeds u32 length prefix")
	}
	dst = writeU32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}
