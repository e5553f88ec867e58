package world

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Seed derives a stable random seed from the world seed and a list of
// identifiers, e.g. an edge key. The same inputs always give the same seed on
// every platform.
func Seed(worldSeed int64, parts ...string) int64 {
	h := murmur3.New64WithSeed(uint32(worldSeed) ^ uint32(worldSeed>>32))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(worldSeed))
	h.Write(buf[:])
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

func cellNoise(worldSeed int64, x, z int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(int64(x)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(z)))
	return murmur3.Sum64WithSeed(buf[:], uint32(worldSeed))
}
