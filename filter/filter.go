// Package filter defines the reversible branch-instruction transform
// contract that the packer applies to a code region before compression
// to improve its compressibility. Filter internals (the actual
// instruction-scanning transform for a given architecture) are out of
// scope; this package carries the contract plus a no-op implementation
// used whenever no architecture-specific filter is configured.
package filter

// Filter is implemented by architecture-specific branch filters. Init
// selects a numbered filter and the addend used to fold branch targets
// into small values; Apply and Unapply are inverses of each other over
// buf[:length].
type Filter interface {
	Init(id int, addvalue uint32) error
	Apply(buf []byte, length int) error
	Unapply(buf []byte, length int) error
	ID() int
	AddValue() uint32
	CTO() byte
}

// None is the identity Filter: Apply and Unapply are no-ops.
// compressor.Flate falls back to it when given no candidate filters.
type None struct {
	id    int
	addv  uint32
}

func (f *None) Init(id int, addvalue uint32) error {
	f.id, f.addv = id, addvalue
	return nil
}

func (f *None) Apply(buf []byte, length int) error   { return nil }
func (f *None) Unapply(buf []byte, length int) error { return nil }
func (f *None) ID() int                              { return f.id }
func (f *None) AddValue() uint32                     { return f.addv }
func (f *None) CTO() byte                            { return 0 }
