// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package runlist

import "math/bits"

// bitmap is a fixed size bit set indexed by channel or TSG id.
type bitmap struct {
	words []uint64
	size  uint32
}

func newBitmap(size uint32) *bitmap {
	return &bitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

func (b *bitmap) test(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.words[i>>6]&(1<<(i&63)) != 0
}

func (b *bitmap) set(i uint32) {
	if i < b.size {
		b.words[i>>6] |= 1 << (i & 63)
	}
}

func (b *bitmap) clear(i uint32) {
	if i < b.size {
		b.words[i>>6] &^= 1 << (i & 63)
	}
}

// testAndSet sets bit i and returns its previous value.
func (b *bitmap) testAndSet(i uint32) bool {
	old := b.test(i)
	b.set(i)
	return old
}

// testAndClear clears bit i and returns its previous value.
func (b *bitmap) testAndClear(i uint32) bool {
	old := b.test(i)
	b.clear(i)
	return old
}

// firstClear returns the lowest clear bit, or false when all are set.
func (b *bitmap) firstClear() (uint32, bool) {
	for w, word := range b.words {
		if word == ^uint64(0) {
			continue
		}
		i := uint32(w)*64 + uint32(bits.TrailingZeros64(^word))
		if i < b.size {
			return i, true
		}
	}
	return 0, false
}

// forEachSet walks set bits in ascending order and stops at the first error.
func (b *bitmap) forEachSet(fn func(i uint32) error) error {
	for w, word := range b.words {
		for word != 0 {
			t := bits.TrailingZeros64(word)
			if err := fn(uint32(w)*64 + uint32(t)); err != nil {
				return err
			}
			word &^= 1 << t
		}
	}
	return nil
}

func (b *bitmap) count() int {
	n := 0
	for _, word := range b.words {
		n += bits.OnesCount64(word)
	}
	return n
}

func (b *bitmap) ids() []uint32 {
	out := make([]uint32, 0, b.count())
	b.forEachSet(func(i uint32) error {
		out = append(out, i)
		return nil
	})
	return out
}
