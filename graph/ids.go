// ABOUTME: Chunk id generation
// ABOUTME: Encodes random 32-bit values as pronounceable proquint identifiers
package graph

import (
	"math/rand/v2"
	"strings"
)

const (
	proquintConsonants = "bdfghjklmnprstvz"
	proquintVowels     = "aiou"
)

// proquint renders x as two dash-separated five-letter syllable groups,
// e.g. "lusab-babad". Short, unique-enough ids that survive being typed.
func proquint(x uint32) string {
	var b strings.Builder
	for g := 0; g < 2; g++ {
		hw := uint16(x >> (16 * (1 - g)))
		b.WriteByte(proquintConsonants[hw>>12&0xf])
		b.WriteByte(proquintVowels[hw>>10&0x3])
		b.WriteByte(proquintConsonants[hw>>6&0xf])
		b.WriteByte(proquintVowels[hw>>4&0x3])
		b.WriteByte(proquintConsonants[hw&0xf])
		if g == 0 {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// genID returns a fresh id not currently in use, regenerating on
// collision.
func genID(exists func(string) bool) string {
	for i := 0; ; i++ {
		id := proquint(rand.Uint32())
		if !exists(id) {
			return id
		}
		if i > 1<<16 {
			// 2^32 id space exhausted to this degree is unreachable for
			// an in-memory note store.
			panic("graph: id space exhausted")
		}
	}
}
