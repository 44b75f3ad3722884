// Package index implements a disk-backed B+ tree with unique keys, dynamic
// split/merge/redistribute and latch-crabbing concurrency, built on the
// buffer pool.
package index

import "github.com/tuannm99/petradb/pkg/bx"

// KeyCodec fixes the width, byte layout and ordering of a key type. The tree
// is generic over the key through it; the payload stored in leaves is always
// a RID.
type KeyCodec[K any] interface {
	// Size is the fixed encoded width in bytes.
	Size() int
	Encode(dst []byte, k K)
	Decode(src []byte) K
	// Compare returns <0, 0, >0 for a<b, a==b, a>b.
	Compare(a, b K) int
}

// Int64Codec orders signed 64-bit keys numerically.
type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }

func (Int64Codec) Encode(dst []byte, k int64) {
	bx.PutI64(dst, k)
}

func (Int64Codec) Decode(src []byte) int64 {
	return bx.I64(src)
}

func (Int64Codec) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
