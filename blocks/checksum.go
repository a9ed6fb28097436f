package blocks

import (
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// ChecksumAlgorithmID identifies the checksum used to guard block contents
// across write-back and read-back. It is stored in the collection trailer.
type ChecksumAlgorithmID uint16

const (
	// ChecksumNone disables block checksums.
	ChecksumNone ChecksumAlgorithmID = 0

	// ChecksumXXHash64 uses cespare/xxhash. The default.
	ChecksumXXHash64 ChecksumAlgorithmID = 1

	// ChecksumXXH3 uses the XXH3 64-bit variant.
	ChecksumXXH3 ChecksumAlgorithmID = 2

	// ChecksumMurmur3 uses the 64-bit half of Murmur3 x64-128.
	ChecksumMurmur3 ChecksumAlgorithmID = 3
)

// String returns the algorithm name.
func (a ChecksumAlgorithmID) String() string {
	switch a {
	case ChecksumNone:
		return "none"
	case ChecksumXXHash64:
		return "xxhash64"
	case ChecksumXXH3:
		return "xxh3"
	case ChecksumMurmur3:
		return "murmur3"
	default:
		return "unknown"
	}
}

// sum computes the checksum of one block under the algorithm.
// ChecksumNone returns 0; callers skip verification in that case.
func (a ChecksumAlgorithmID) sum(data []byte) (uint64, error) {
	switch a {
	case ChecksumNone:
		return 0, nil
	case ChecksumXXHash64:
		return xxhash.Sum64(data), nil
	case ChecksumXXH3:
		return xxh3.Hash(data), nil
	case ChecksumMurmur3:
		h, _ := murmur3.Sum128(data)
		return h, nil
	}
	return 0, tpieerrors.ErrUnknownChecksumID
}

// valid reports whether the ID names a known algorithm.
func (a ChecksumAlgorithmID) valid() bool {
	return a <= ChecksumMurmur3
}
