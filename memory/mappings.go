package memory

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/google/btree"
)

const btreeDegree = 8

type mapping struct {
	base uint64
	pte  PageTableEntry
}

func lessMapping(a, b mapping) bool {
	return a.base < b.base
}

// Mappings is an ordered map from virtual base address to page table entry.
// Values are persistent: Insert and Remove return a new Mappings and leave the
// receiver untouched. The zero value is an empty map.
type Mappings struct {
	t *btree.BTreeG[mapping]
}

// NewMappings returns a map holding the given entries.
func NewMappings(entries map[uint64]PageTableEntry) Mappings {
	t := btree.NewG(btreeDegree, lessMapping)

	for base, pte := range entries {
		t.ReplaceOrInsert(mapping{base: base, pte: pte})
	}

	return Mappings{t: t}
}

func (m Mappings) Len() int {
	if m.t == nil {
		return 0
	}

	return m.t.Len()
}

// Get returns the entry keyed by base.
func (m Mappings) Get(base uint64) (PageTableEntry, bool) {
	if m.t == nil {
		return PageTableEntry{}, false
	}

	it, ok := m.t.Get(mapping{base: base})

	return it.pte, ok
}

func (m Mappings) Contains(base uint64) bool {
	_, ok := m.Get(base)

	return ok
}

// ContainsPair reports whether base is mapped to exactly pte.
func (m Mappings) ContainsPair(base uint64, pte PageTableEntry) bool {
	got, ok := m.Get(base)

	return ok && got == pte
}

func (m Mappings) clone() *btree.BTreeG[mapping] {
	if m.t == nil {
		return btree.NewG(btreeDegree, lessMapping)
	}

	return m.t.Clone()
}

// Insert returns m with base mapped to pte.
func (m Mappings) Insert(base uint64, pte PageTableEntry) Mappings {
	t := m.clone()
	t.ReplaceOrInsert(mapping{base: base, pte: pte})

	return Mappings{t: t}
}

// Remove returns m without base.
func (m Mappings) Remove(base uint64) Mappings {
	if !m.Contains(base) {
		return m
	}

	t := m.clone()
	t.Delete(mapping{base: base})

	return Mappings{t: t}
}

// Union returns m with every entry of o added, o winning on equal keys.
func (m Mappings) Union(o Mappings) Mappings {
	if o.Len() == 0 {
		return m
	}

	t := m.clone()

	o.Ascend(func(base uint64, pte PageTableEntry) bool {
		t.ReplaceOrInsert(mapping{base: base, pte: pte})

		return true
	})

	return Mappings{t: t}
}

// Ascend calls fn for each entry in increasing base order until fn returns
// false.
func (m Mappings) Ascend(fn func(base uint64, pte PageTableEntry) bool) {
	if m.t == nil {
		return
	}

	m.t.Ascend(func(it mapping) bool {
		return fn(it.base, it.pte)
	})
}

// Covering returns the entries whose virtual range contains vaddr. A well
// formed map has at most one.
func (m Mappings) Covering(vaddr uint64) []Translation {
	if m.t == nil {
		return nil
	}

	var ret []Translation

	m.t.DescendLessOrEqual(mapping{base: vaddr}, func(it mapping) bool {
		tr := Translation{Base: it.base, PTE: it.pte}
		if tr.Covers(vaddr) {
			ret = append(ret, tr)
		}

		return true
	})

	return ret
}

// Lookup returns the first entry covering vaddr.
func (m Mappings) Lookup(vaddr uint64) (Translation, bool) {
	if m.t == nil {
		return Translation{}, false
	}

	var (
		tr Translation
		ok bool
	)

	m.t.DescendLessOrEqual(mapping{base: vaddr}, func(it mapping) bool {
		cand := Translation{Base: it.base, PTE: it.pte}
		if cand.Covers(vaddr) {
			tr, ok = cand, true
		}

		return !ok
	})

	return tr, ok
}

// Entries returns a copy of m as a plain map.
func (m Mappings) Entries() map[uint64]PageTableEntry {
	ret := make(map[uint64]PageTableEntry, m.Len())

	m.Ascend(func(base uint64, pte PageTableEntry) bool {
		ret[base] = pte

		return true
	})

	return ret
}

// Equal reports whether both maps hold the same pairs.
func (m Mappings) Equal(o Mappings) bool {
	if m.Len() != o.Len() {
		return false
	}

	eq := true

	m.Ascend(func(base uint64, pte PageTableEntry) bool {
		eq = o.ContainsPair(base, pte)

		return eq
	})

	return eq
}

func (m Mappings) String() string {
	var b strings.Builder

	b.WriteByte('{')

	first := true

	m.Ascend(func(base uint64, pte PageTableEntry) bool {
		if !first {
			b.WriteString(", ")
		}

		first = false

		fmt.Fprintf(&b, "%#x: %v", base, pte)

		return true
	})

	b.WriteByte('}')

	return b.String()
}

// GobEncode implements gob.GobEncoder.
func (m Mappings) GobEncode() ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(m.Entries()); err != nil {
		return nil, fmt.Errorf("encode mappings: %w", err)
	}

	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (m *Mappings) GobDecode(b []byte) error {
	entries := map[uint64]PageTableEntry{}

	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&entries); err != nil {
		return fmt.Errorf("decode mappings: %w", err)
	}

	*m = NewMappings(entries)

	return nil
}
