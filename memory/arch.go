package memory

// ArchLayer describes one level of a multi-level page table.
type ArchLayer struct {
	// EntrySize is the span of virtual memory one entry of the layer maps.
	EntrySize uint64
	// NumEntries is the number of entries in a directory of the layer.
	NumEntries uint64
}

// Arch lists the layers of a page table from the root down.
type Arch struct {
	Layers []ArchLayer
}

// X86 is the four-level x86-64 layout.
var X86 = Arch{
	Layers: []ArchLayer{
		{EntrySize: L0EntrySize, NumEntries: 512},
		{EntrySize: L1EntrySize, NumEntries: 512},
		{EntrySize: L2EntrySize, NumEntries: 512},
		{EntrySize: L3EntrySize, NumEntries: 512},
	},
}

// Inv holds when every layer's span equals one entry of its parent.
func (a Arch) Inv() bool {
	if len(a.Layers) == 0 {
		return false
	}

	for i, l := range a.Layers {
		if l.EntrySize == 0 || l.NumEntries == 0 {
			return false
		}

		if i > 0 && a.Layers[i-1].EntrySize != l.EntrySize*l.NumEntries {
			return false
		}
	}

	return true
}

// UpperVaddr is the end of the range a table rooted at layer 0 maps.
func (a Arch) UpperVaddr() uint64 {
	return a.Layers[0].EntrySize * a.Layers[0].NumEntries
}

// LayerOf returns the layer whose entries map exactly size bytes.
func (a Arch) LayerOf(size uint64) (int, bool) {
	for i, l := range a.Layers {
		if l.EntrySize == size {
			return i, true
		}
	}

	return 0, false
}

// Index returns the entry of a layer-l directory at base that covers vaddr.
func (a Arch) Index(l int, base, vaddr uint64) uint64 {
	return (vaddr - base) / a.Layers[l].EntrySize
}

// EntryBase returns the first address mapped by entry idx of a layer-l
// directory at base.
func (a Arch) EntryBase(l int, base, idx uint64) uint64 {
	return base + idx*a.Layers[l].EntrySize
}
