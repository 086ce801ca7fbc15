// Package bloom holds the one-word bloom filter used to reject addresses
// that cannot belong to a heap block.
package bloom

// Filter ORs together every block address added to it. An address is ruled
// out when it has a bit the filter has never seen. Block addresses are
// aligned, so their low bits are zero and never pollute the filter.
type Filter struct {
	bits uint64
}

func (f *Filter) Add(bits uint64) {
	f.bits |= bits
}

// RuleOut reports true when bits definitely was never added.
func (f Filter) RuleOut(bits uint64) bool {
	if bits == 0 {
		return true
	}
	return bits&f.bits != bits
}

func (f *Filter) Reset() {
	f.bits = 0
}

func (f Filter) Bits() uint64 {
	return f.bits
}
