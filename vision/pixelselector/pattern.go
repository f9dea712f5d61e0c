package pixelselector

import "math"

const patternLen = 1 << 12

var (
	// sixteen unit directions on the half circle.
	directions [16][2]float64
	// pseudo random bytes from a fixed seed, so selection is reproducible.
	patternBytes [patternLen]uint8
)

func init() {
	for i := range directions {
		angle := float64(i) * math.Pi / 16
		directions[i] = [2]float64{math.Cos(angle), math.Sin(angle)}
	}
	state := uint32(0x9e3779b9)
	for i := range patternBytes {
		// xorshift32
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		patternBytes[i] = uint8(state >> 24)
	}
}

func direction(cell int) [2]float64 {
	return directions[patternBytes[cell%patternLen]&0xF]
}

func patternByte(i int) uint8 {
	return patternBytes[i%patternLen]
}
