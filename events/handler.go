package events

// Handler receives a structural description of a packed structure. Allocators and allocation maps
// call it from GenerateDataEvents so that diagnostic tooling can render a block without knowing
// its binary layout.
//
// Groups nest: every StartGroup is matched by exactly one EndGroup.
type Handler interface {
	// StartGroup opens a named group. size is the number of elements in the group when known, or
	// -1 otherwise.
	StartGroup(name string, size int)
	EndGroup()

	// Value reports a named scalar
	Value(name string, value int)
	// Values reports a named array of numbers
	Values(name string, values []int)
	// Symbols reports a named bit sequence of length count. bitsPerSymbol is always 1 for the
	// structures in this module.
	Symbols(name string, words []uint64, count int, bitsPerSymbol int)
}
