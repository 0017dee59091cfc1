// Package stublinker defines the contract for the collaborator that
// assembles and relocates the decompression stub's machine code. The
// assembler and loader-section catalog themselves are out of scope; the
// packer only needs to place loader sections by name, resolve symbols
// inside them, and patch the pack header the stub reads at runtime.
package stublinker

// StubLinker is implemented by whatever produces the architecture-
// specific decompression stub: addLoader assembles the stub from named
// sections, defineSymbol/getSymbolOffset wire runtime addresses (e.g. the
// import linker's *ZSTART), and relocate fixes up the assembled code.
// packer.Core holds one but its Pack pipeline calls none of these methods.
type StubLinker interface {
	AddLoader(names ...string) error
	DefineSymbol(name string, value uint64) error
	GetSymbolOffset(name string) (int, error)
	Relocate() error
	GetLoader() ([]byte, error)
	GetLoaderSize() int
	GetLoaderSection(name string) ([]byte, int, error)
	PatchPackHeader(buf []byte, offset int) error
}

// None is a StubLinker that assembles nothing: addLoader is a no-op and
// GetLoader always returns an empty stub. It exists so the packer's
// pipeline is exercisable end to end without a real architecture-
// specific assembler wired in.
type None struct {
	symbols map[string]uint64
}

// NewNone returns a ready-to-use no-op StubLinker.
func NewNone() *None { return &None{symbols: make(map[string]uint64)} }

func (n *None) AddLoader(names ...string) error { return nil }

func (n *None) DefineSymbol(name string, value uint64) error {
	n.symbols[name] = value
	return nil
}

func (n *None) GetSymbolOffset(name string) (int, error) { return 0, nil }

func (n *None) Relocate() error { return nil }

func (n *None) GetLoader() ([]byte, error) { return nil, nil }

func (n *None) GetLoaderSize() int { return 0 }

func (n *None) GetLoaderSection(name string) ([]byte, int, error) { return nil, 0, nil }

func (n *None) PatchPackHeader(buf []byte, offset int) error { return nil }
