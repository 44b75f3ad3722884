package hash

import "github.com/tuannm99/petradb/internal/storage"

// mix64 is the splitmix64 finalizer; cheap and well distributed for the
// integer keys the engine uses.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Uint32 hashes page ids.
func Uint32(k uint32) uint64 {
	return mix64(uint64(k))
}

// Uint64 hashes generic integer keys.
func Uint64(k uint64) uint64 {
	return mix64(k)
}

// RID hashes tuple identifiers for the lock table.
func RID(r storage.RID) uint64 {
	return mix64(r.Get())
}
