// Package bitvec implements a sparse bitmap over page numbers 1..N.
//
// Bits are stored in fixed 4096-bit blocks allocated on first use, so a
// bitmap sized for a multi-gigabyte database costs nothing until pages are
// actually recorded in it.
package bitvec

import "math/bits"

const (
	wordsPerBlock = 64
	bitsPerBlock  = wordsPerBlock * 64
)

type block [wordsPerBlock]uint64

// Bitvec records membership for the integers 1..Size().
// The zero value is not usable; call New.
type Bitvec struct {
	size   uint32
	blocks map[uint32]*block
}

// New creates a bitmap able to hold bits 1..size.
func New(size uint32) *Bitvec {
	return &Bitvec{
		size:   size,
		blocks: make(map[uint32]*block),
	}
}

// Size returns the largest index the bitmap accepts.
func (v *Bitvec) Size() uint32 {
	if v == nil {
		return 0
	}
	return v.size
}

func split(i uint32) (blk uint32, word int, mask uint64) {
	n := i - 1
	blk = n / bitsPerBlock
	off := n % bitsPerBlock
	return blk, int(off / 64), 1 << (off % 64)
}

// Set records i. Indices of 0 or above Size are ignored.
func (v *Bitvec) Set(i uint32) {
	if v == nil || i == 0 || i > v.size {
		return
	}
	blk, word, mask := split(i)
	b := v.blocks[blk]
	if b == nil {
		b = new(block)
		v.blocks[blk] = b
	}
	b[word] |= mask
}

// Test reports whether i has been recorded. A nil bitmap holds nothing.
func (v *Bitvec) Test(i uint32) bool {
	if v == nil || i == 0 || i > v.size {
		return false
	}
	blk, word, mask := split(i)
	b := v.blocks[blk]
	return b != nil && b[word]&mask != 0
}

// Clear removes i.
func (v *Bitvec) Clear(i uint32) {
	if v == nil || i == 0 || i > v.size {
		return
	}
	blk, word, mask := split(i)
	if b := v.blocks[blk]; b != nil {
		b[word] &^= mask
	}
}

// Count returns the number of recorded indices.
func (v *Bitvec) Count() int {
	if v == nil {
		return 0
	}
	n := 0
	for _, b := range v.blocks {
		for _, w := range b {
			n += bits.OnesCount64(w)
		}
	}
	return n
}

// Destroy releases every block. The bitmap is empty afterwards.
func (v *Bitvec) Destroy() {
	if v == nil {
		return
	}
	v.blocks = make(map[uint32]*block)
}
