package memory

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

var errOutOfRange = errors.New("word index out of range")

type word struct {
	idx   uint64
	value uint64
}

func lessWord(a, b word) bool {
	return a.idx < b.idx
}

// Words is a persistent, sparsely stored array of 64-bit words. Words that
// were never written, or were written with zero, read as zero and are not
// stored.
type Words struct {
	size uint64
	t    *btree.BTreeG[word]
}

// NewWords returns zero-filled memory of size words.
func NewWords(size uint64) Words {
	return Words{size: size, t: btree.NewG(btreeDegree, lessWord)}
}

// Len returns the number of addressable words.
func (w Words) Len() uint64 {
	return w.size
}

// Load returns the word at idx. Out-of-range indices read as zero.
func (w Words) Load(idx uint64) uint64 {
	if w.t == nil {
		return 0
	}

	it, _ := w.t.Get(word{idx: idx})

	return it.value
}

// Store returns w with the word at idx set to value.
func (w Words) Store(idx, value uint64) (Words, error) {
	if idx >= w.size {
		return w, fmt.Errorf("store %#x (len %#x): %w", idx, w.size, errOutOfRange)
	}

	var t *btree.BTreeG[word]
	if w.t == nil {
		t = btree.NewG(btreeDegree, lessWord)
	} else {
		t = w.t.Clone()
	}

	if value == 0 {
		t.Delete(word{idx: idx})
	} else {
		t.ReplaceOrInsert(word{idx: idx, value: value})
	}

	return Words{size: w.size, t: t}, nil
}

// AscendRange calls fn for each non-zero word with lo <= idx < hi.
func (w Words) AscendRange(lo, hi uint64, fn func(idx, value uint64) bool) {
	if w.t == nil || lo >= hi {
		return
	}

	w.t.AscendRange(word{idx: lo}, word{idx: hi}, func(it word) bool {
		return fn(it.idx, it.value)
	})
}

// NonZero returns the number of stored words.
func (w Words) NonZero() int {
	if w.t == nil {
		return 0
	}

	return w.t.Len()
}

func (w Words) Equal(o Words) bool {
	if w.size != o.size || w.NonZero() != o.NonZero() {
		return false
	}

	eq := true

	w.AscendRange(0, w.size, func(idx, value uint64) bool {
		eq = o.Load(idx) == value

		return eq
	})

	return eq
}
