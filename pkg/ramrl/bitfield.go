// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package ramrl

import (
	"encoding/binary"
)

// U32Field is a bit range inside a 32 bit register or entry word.
type U32Field struct {
	Offset   int
	Bitwidth int
}

func (u U32Field) Mask() uint32 {
	return (1<<u.Bitwidth - 1) << u.Offset
}

func (u U32Field) Read(reg uint32) uint32 {
	return (reg >> u.Offset) & (1<<u.Bitwidth - 1)
}

func (u U32Field) Write(reg *uint32, val uint32) {
	*reg = (*reg &^ u.Mask()) | ((val << u.Offset) & u.Mask())
}

// F returns val placed in the field, for or-ing words together.
func (u U32Field) F(val uint32) uint32 {
	return (val << u.Offset) & u.Mask()
}

// Max is the largest value the field holds.
func (u U32Field) Max() uint32 {
	return 1<<u.Bitwidth - 1
}

func putWords(dst []byte, words ...uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(dst[4*i:], w)
	}
}

func word(src []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(src[4*i:])
}

// scaleTimeslice splits a timeslice into timeout * 2^scale, saturating at
// the largest encodable value.
func scaleTimeslice(timeslice uint32, timeout, scale U32Field) (uint32, uint32) {
	var s uint32
	for timeslice > timeout.Max() {
		timeslice >>= 1
		s++
	}
	if s > scale.Max() {
		return timeout.Max(), scale.Max()
	}
	return timeslice, s
}
