// Package binc is the single binary-codec capability shared by the wire
// codec, block parser, and transaction builder: varint and fixed-width
// little-endian readers/writers, instead of each owning its own ad-hoc
// copy.
package binc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadVarInt reads a Bitcoin-style CompactSize integer from r, returning the
// value and the number of bytes consumed.
func ReadVarInt(r io.Reader) (uint64, int, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, 0, err
	}
	switch prefix[0] {
	case 0xfd:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b[:])), 3, nil
	case 0xfe:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), 5, nil
	case 0xff:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), 9, nil
	default:
		return uint64(prefix[0]), 1, nil
	}
}

// WriteVarInt encodes v as a CompactSize integer.
func WriteVarInt(w io.Writer, v uint64) (int, error) {
	switch {
	case v < 0xfd:
		return w.Write([]byte{byte(v)})
	case v <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
		return w.Write(buf)
	case v <= 0xffffffff:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(v))
		return w.Write(buf)
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], v)
		return w.Write(buf)
	}
}

// VarIntSize returns the encoded size of v, without writing anything.
func VarIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// SkipBytes discards n bytes from r.
func SkipBytes(r io.Reader, n uint64) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// ReadUint32LE reads a little-endian uint32.
func ReadUint32LE(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadUint64LE reads a little-endian uint64.
func ReadUint64LE(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadBytes reads exactly n bytes.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("binc: read %d bytes: %w", n, err)
	}
	return b, nil
}
