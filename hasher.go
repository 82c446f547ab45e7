package splitmap

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/segmentio/fasthash/fnv1a"
)

// HashFunc maps a key handle to the 32 bit hash used for bucket selection
// and split ordering.
type HashFunc func(key uint64) uint32

const (
	HasherFibonacci = "fibonacci"
	HasherXXHash    = "xxhash"
	HasherFNV1a     = "fnv1a"
)

var hashers = map[string]HashFunc{
	HasherFibonacci: FibonacciHash,
	HasherXXHash:    XXHash,
	HasherFNV1a:     FNV1aHash,
}

// FibonacciHash multiplies by 2^32/phi.
func FibonacciHash(key uint64) uint32 {
	return uint32(key * 2654435761)
}

func XXHash(key uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return uint32(xxhash.Sum64(buf[:]))
}

func FNV1aHash(key uint64) uint32 {
	return uint32(fnv1a.HashUint64(key))
}

// LookupHasher returns the built-in hasher registered under name.
func LookupHasher(name string) (HashFunc, error) {
	h, ok := hashers[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHasher, "%q", name)
	}
	return h, nil
}

// HasherNames lists the names accepted by LookupHasher.
func HasherNames() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
