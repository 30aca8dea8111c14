package souliss

import "math"

// Souliss carries analog values (T5n/T6n sensors, T31 temperatures and
// setpoints, numeric action messages) as IEEE-754 binary16, little-endian.

const (
	halfSignMask     = 0x8000
	halfExpMask      = 0x7c00
	halfMantMask     = 0x03ff
	halfInf          = 0x7c00
	halfQuietNaNBit  = 0x0200
	singleExpAllOnes = 0x3fc00 // half exponent field widened to single, before <<13
	expRebias        = 0x1c000 // (127-15) << 10
	subnormalNorm    = 0x1c400 // exponent of 2^-14 in the widened layout

	// float32 bit patterns used by Float32ToHalf.
	singleAbsMask     = 0x7fffffff
	singleInf         = 0x7f800000
	halfOverflow      = 0x477ff000 // 65520: rounds to +Inf
	halfMinNormal     = 0x38800000 // 2^-14
	halfUnderflow     = 0x33000000 // 2^-25: half of the smallest subnormal
	singleRebias      = 0x38000000 // (127-15) << 23
	halfRoundingConst = 0x00000fff
)

// HalfToFloat32 converts an IEEE-754 half-precision bit pattern to float32.
// The conversion is exact for every input, including subnormals and NaN
// payloads.
func HalfToFloat32(bits uint16) float32 {
	mant := uint32(bits) & halfMantMask
	exp := uint32(bits) & halfExpMask

	switch {
	case exp == halfExpMask:
		exp = singleExpAllOnes
	case exp != 0:
		exp += expRebias
	case mant != 0:
		exp = subnormalNorm
		for {
			mant <<= 1
			exp -= 0x400
			if mant&0x400 != 0 {
				break
			}
		}
		mant &= halfMantMask
	}

	sign := (uint32(bits) & halfSignMask) << 16
	return math.Float32frombits(sign | (exp|mant)<<13)
}

// Float32ToHalf converts a float32 to the nearest IEEE-754 half-precision
// bit pattern, rounding ties to even. Magnitudes beyond the half range
// saturate to infinity and magnitudes below half the smallest subnormal
// flush to signed zero. NaN inputs stay NaN with the quiet bit set.
func Float32ToHalf(f float32) uint16 {
	fbits := math.Float32bits(f)
	sign := uint16(fbits>>16) & halfSignMask
	abs := fbits & singleAbsMask

	switch {
	case abs > singleInf:
		return sign | halfInf | halfQuietNaNBit | uint16(abs>>13)&halfMantMask
	case abs >= halfOverflow:
		return sign | halfInf
	case abs >= halfMinNormal:
		v := abs - singleRebias
		v += halfRoundingConst + (v>>13)&1
		return sign | uint16(v>>13)
	case abs < halfUnderflow:
		return sign
	}

	// Subnormal result: shift the full 24-bit significand into place and
	// round to nearest even by hand.
	exp := abs >> 23
	mant := abs&0x007fffff | 0x00800000
	shift := 126 - exp
	m := mant >> shift
	rem := mant & (1<<shift - 1)
	half := uint32(1) << (shift - 1)
	if rem > half || (rem == half && m&1 == 1) {
		m++
	}
	return sign | uint16(m)
}

// DecodeHalfLE decodes a little-endian half float from two wire bytes.
func DecodeHalfLE(lo, hi byte) float32 {
	return HalfToFloat32(uint16(hi)<<8 | uint16(lo))
}

// EncodeHalfLE encodes f as a little-endian half float.
func EncodeHalfLE(f float32) (lo, hi byte) {
	h := Float32ToHalf(f)
	return byte(h), byte(h >> 8)
}
