package splitmap

import "github.com/pkg/errors"

var (
	ErrInvalidSize       = errors.New("splitmap: size must be a power of two")
	ErrInvalidLoadFactor = errors.New("splitmap: load factor must be greater than 0")
	ErrInvalidProtection = errors.New("splitmap: unknown value protection mode")
	ErrUnknownHasher     = errors.New("splitmap: unknown hasher")
	ErrAllocationFailure = errors.New("splitmap: allocation failed")
	ErrDestroyed         = errors.New("splitmap: table destroyed")

	errUnlinkedNotMarked = errors.New("splitmap: unlinked node was not marked")
)
