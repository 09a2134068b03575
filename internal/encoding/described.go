package encoding

import (
	"sync"

	"github.com/amqp1go/amqp1/internal/buffer"
)

// DescribedDecoder decodes a described type's value given its body is
// next in r (the descriptor has already been consumed).
type DescribedDecoder func(r *buffer.Buffer) (any, error)

var (
	describedMu  sync.RWMutex
	describedByU = map[uint64]DescribedDecoder{}
	describedByS = map[Symbol]DescribedDecoder{}

	// symbolDescriptors maps a symbolic descriptor to the TypeCode that
	// ReadDescriptor returns for it. Nothing adds entries to it, so
	// ReadDescriptor rejects every symbolic descriptor as unknown.
	symbolDescriptors = map[Symbol]TypeCode{}
)

// RegisterDescribedType registers dec as the decoder for values whose
// descriptor is the given ulong code (low 32 bits; the high 32 bits of
// every AMQP-defined descriptor are always zero). Caller code may also
// register additional described types this way, per spec.md §4.B.
func RegisterDescribedType(code uint64, dec DescribedDecoder) {
	describedMu.Lock()
	defer describedMu.Unlock()
	describedByU[code] = dec
}

// RegisterSymbolicDescribedType registers dec for a symbolic descriptor.
func RegisterSymbolicDescribedType(sym Symbol, dec DescribedDecoder) {
	describedMu.Lock()
	defer describedMu.Unlock()
	describedByS[sym] = dec
}

func lookupDescribed(descriptor any) (DescribedDecoder, bool) {
	describedMu.RLock()
	defer describedMu.RUnlock()
	switch d := descriptor.(type) {
	case uint64:
		dec, ok := describedByU[d]
		return dec, ok
	case Symbol:
		dec, ok := describedByS[d]
		return dec, ok
	default:
		return nil, false
	}
}
