package stream

import "encoding/binary"

// Codec describes the fixed-width native serialization of an item type.
// Run files, slot files and B-tree node payloads all use a Codec; there is
// no per-record framing, so EncodedSize must be the same for every value.
type Codec[T any] interface {
	// EncodedSize returns the number of bytes one encoded item occupies.
	EncodedSize() int

	// Encode writes v into dst, which has at least EncodedSize() bytes.
	Encode(dst []byte, v T)

	// Decode reads one item from src, which has at least EncodedSize() bytes.
	Decode(src []byte) T
}

// Uint64Codec encodes uint64 values in little-endian form.
type Uint64Codec struct{}

func (Uint64Codec) EncodedSize() int { return 8 }

func (Uint64Codec) Encode(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}

func (Uint64Codec) Decode(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// UnitCodec encodes struct{} in zero bytes. Useful where a Codec is
// required but the type carries no information (e.g. unaugmented trees).
type UnitCodec struct{}

func (UnitCodec) EncodedSize() int { return 0 }

func (UnitCodec) Encode(dst []byte, v struct{}) {}

func (UnitCodec) Decode(src []byte) struct{} { return struct{}{} }

// Int64Codec encodes int64 values in little-endian two's complement form.
type Int64Codec struct{}

func (Int64Codec) EncodedSize() int { return 8 }

func (Int64Codec) Encode(dst []byte, v int64) {
	binary.LittleEndian.PutUint64(dst, uint64(v))
}

func (Int64Codec) Decode(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}
