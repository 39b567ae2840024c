package audio

import (
	"slices"
)

// BytesToLES16 appends the little-endian signed 16-bit samples encoded in
// src to dst and returns the grown slice.
func BytesToLES16(src []byte, dst []int16) []int16 {
	s16len := len(src) / 2
	dst = slices.Grow(dst, s16len)
	for i := 0; i < s16len; i++ {
		dst = append(dst, int16(src[i*2])|(int16(src[i*2+1])<<8))
	}
	return dst
}

// LES16ToBytes appends src encoded as little-endian bytes to dst and returns
// the grown slice.
func LES16ToBytes(src []int16, dst []byte) []byte {
	s8len := len(src) * 2
	dst = slices.Grow(dst, s8len)
	for i := 0; i < len(src); i++ {
		dst = append(dst, byte(src[i]), byte(src[i]>>8))
	}
	return dst
}
